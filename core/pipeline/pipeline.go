// File: core/pipeline/pipeline.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pipeline drives the bounded asynchronous transfer of one file into
// accelerator device memory. A single producer loop claims slots
// through the FlowController and issues one chunk per iteration; the
// completion chain runs on each slot's stream and hands the slot back,
// so the producer only ever blocks on pool capacity and on the final
// drain.

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-gds/api"
	"github.com/momentics/hioload-gds/control"
)

// fillPattern is written over the whole device buffer before the run
// so stale regions never byte-compare equal to real file content.
const fillPattern uint32 = 0x41424344

// Pipeline owns the slot pool, the flow controller and the device
// buffer for one benchmark run.
type Pipeline struct {
	cfg       control.Config
	driver    api.TransferDriver // nil in host-staged mode
	rt        api.DeviceRuntime
	flow      *FlowController
	slots     []*Slot
	devBase   api.DevicePtr
	handle    api.MapHandle
	transport ChunkTransport
	log       logrus.FieldLogger
	metrics   *control.MetricsRegistry

	errMu sync.Mutex
	err   error
}

// New allocates the device buffer, registers it with the driver (direct
// mode) and builds the slot pool: one stream and one readback staging
// buffer per slot, plus a source staging buffer where verification or
// staged reads need one.
func New(cfg control.Config, driver api.TransferDriver, rt api.DeviceRuntime,
	log logrus.FieldLogger, metrics *control.MetricsRegistry) (*Pipeline, error) {

	if cfg.Slots < 1 {
		return nil, control.ErrBadSlots
	}
	if cfg.ChunkSize <= 0 {
		return nil, control.ErrBadChunkSize
	}
	if !cfg.Staged && driver == nil {
		return nil, fmt.Errorf("direct mode needs a transfer driver: %w", api.ErrNotSupported)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = control.NewMetricsRegistry()
	}

	p := &Pipeline{
		cfg:     cfg,
		driver:  driver,
		rt:      rt,
		flow:    NewFlowController(cfg.Slots),
		log:     log,
		metrics: metrics,
	}

	var err error
	p.devBase, err = rt.AllocDevice(cfg.BufferSize())
	if err != nil {
		return nil, fmt.Errorf("allocate device buffer: %w", err)
	}
	if err := rt.FillDevice(p.devBase, fillPattern, cfg.BufferSize()); err != nil {
		return nil, fmt.Errorf("fill device buffer: %w", err)
	}
	if driver != nil {
		p.handle, err = driver.RegisterBuffer(p.devBase, cfg.BufferSize())
		if err != nil {
			return nil, fmt.Errorf("register device buffer: %w", err)
		}
	}

	needSrc := cfg.Verify || cfg.Staged
	p.slots = make([]*Slot, cfg.Slots)
	for i := range p.slots {
		s := &Slot{Index: i}
		if s.stream, err = rt.NewStream(); err != nil {
			return nil, fmt.Errorf("create stream for slot %d: %w", i, err)
		}
		if s.dst, err = rt.AllocHost(cfg.ChunkSize); err != nil {
			return nil, fmt.Errorf("allocate readback buffer for slot %d: %w", i, err)
		}
		if needSrc {
			if s.src, err = rt.AllocHost(cfg.ChunkSize); err != nil {
				return nil, fmt.Errorf("allocate source buffer for slot %d: %w", i, err)
			}
		}
		p.slots[i] = s
	}

	if cfg.Staged {
		p.transport = StagedTransport{}
	} else {
		p.transport = DirectTransport{}
	}
	return p, nil
}

// Mapping reports the registered device buffer's page mapping.
func (p *Pipeline) Mapping(maxEntries int) ([]api.MapEntry, error) {
	if p.driver == nil {
		return nil, api.ErrNotSupported
	}
	return p.driver.Mapping(p.handle, maxEntries)
}

// Slots exposes the pool for inspection.
func (p *Pipeline) Slots() []*Slot {
	return p.slots
}

// Flow exposes the flow controller for inspection.
func (p *Pipeline) Flow() *FlowController {
	return p.flow
}

// Run transfers fileSize bytes of src chunk by chunk in file-offset
// order, drains the pool and reports the wall-clock throughput. The
// first failure anywhere in the pipeline stops further dispatch and is
// returned after the drain; the caller owns turning it into an exit.
func (p *Pipeline) Run(ctx context.Context, src *os.File, fileSize int64) (*Report, error) {
	if fileSize < p.cfg.ChunkSize {
		return nil, fmt.Errorf("file size %d smaller than one chunk (%d)", fileSize, p.cfg.ChunkSize)
	}
	if err := p.openSlotHandles(src); err != nil {
		return nil, err
	}

	mode := "direct"
	if p.cfg.Staged {
		mode = "staged"
	}
	p.log.WithFields(logrus.Fields{
		"mode":  mode,
		"slots": p.cfg.Slots,
		"chunk": p.cfg.ChunkSize,
		"file":  src.Name(),
	}).Info("starting transfer pipeline")

	start := time.Now()
	var dispatched int64
	for offset := int64(0); offset+p.cfg.ChunkSize <= fileSize; offset += p.cfg.ChunkSize {
		if p.firstErr() != nil {
			break
		}
		idx, err := p.flow.Acquire(ctx)
		if err != nil {
			p.fail(fmt.Errorf("acquire slot: %w", err))
			break
		}
		slot := p.slots[idx]
		slot.running.Store(true)
		slot.fpos = offset
		atomic.StoreInt64(&slot.status, 0)

		if err := p.transport.Issue(p, slot, src, offset); err != nil {
			p.finish(slot)
			p.fail(fmt.Errorf("dispatch chunk at offset %d: %w", offset, err))
			break
		}
		dispatched++
		p.metrics.Add(control.MetricChunksDispatched, 1)
		p.metrics.Add(control.MetricBytesTransferred, p.cfg.ChunkSize)
	}

	if err := p.flow.Drain(ctx); err != nil {
		p.fail(fmt.Errorf("drain: %w", err))
	}
	elapsed := time.Since(start)

	if err := p.firstErr(); err != nil {
		return nil, err
	}
	rep := &Report{
		Filename: src.Name(),
		Bytes:    dispatched * p.cfg.ChunkSize,
		Elapsed:  elapsed,
	}
	p.log.WithFields(logrus.Fields{
		"chunks":  dispatched,
		"bytes":   rep.Bytes,
		"elapsed": elapsed,
	}).Info("transfer pipeline complete")
	return rep, nil
}

// Close tears down the slot pool, the buffer registration and the
// device runtime.
func (p *Pipeline) Close() error {
	var first error
	for _, s := range p.slots {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	if p.driver != nil && p.handle != 0 {
		if err := p.driver.UnregisterBuffer(p.handle); err != nil && first == nil {
			first = err
		}
	}
	if err := p.rt.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// completeChunk is stage B of the completion chain. It runs on the
// slot's stream context: optionally verifies the readback against the
// source file, then clears running and releases the slot's permit.
func (p *Pipeline) completeChunk(s *Slot, cbErr error, reread bool) {
	defer p.finish(s)

	if cbErr != nil {
		p.fail(fmt.Errorf("stream failure for chunk at offset %d: %w", s.fpos, cbErr))
		return
	}
	if p.firstErr() != nil {
		// A prior chunk already failed the run; just hand the slot back.
		return
	}
	if !p.cfg.Verify {
		return
	}
	if reread {
		n, err := s.file.ReadAt(s.src, s.fpos)
		if err != nil {
			p.fail(fmt.Errorf("verify read at offset %d: %w", s.fpos, err))
			return
		}
		if int64(n) != p.cfg.ChunkSize {
			p.fail(fmt.Errorf("verify read at offset %d: %w", s.fpos, api.ErrShortRead))
			return
		}
	}
	if !bytes.Equal(s.src, s.dst) {
		p.fail(fmt.Errorf("chunk at offset %d (slot %d): %w", s.fpos, s.Index, api.ErrVerifyMismatch))
		return
	}
	p.metrics.Add(control.MetricChunksVerified, 1)
}

// finish transitions a slot from running to idle. The order matters:
// the running flag clears before the permit releases so a dispatcher
// woken by the permit never observes a running slot it just acquired.
func (p *Pipeline) finish(s *Slot) {
	s.running.Store(false)
	p.flow.Release(s.Index)
}

func (p *Pipeline) fail(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err != nil {
		return
	}
	p.err = err
	p.metrics.Add(control.MetricTransferFailures, 1)
	p.log.WithError(err).Error("pipeline failure")
}

func (p *Pipeline) firstErr() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// openSlotHandles gives each slot its own handle to the source file.
// Only staged reads and verification re-reads touch these, so plain
// direct runs skip the extra descriptors.
func (p *Pipeline) openSlotHandles(src *os.File) error {
	if !p.cfg.Staged && !p.cfg.Verify {
		return nil
	}
	for _, s := range p.slots {
		if s.file != nil {
			continue
		}
		f, err := os.Open(src.Name())
		if err != nil {
			return fmt.Errorf("duplicate source handle for slot %d: %w", s.Index, err)
		}
		s.file = f
	}
	return nil
}

// AlignSize truncates size down to a multiple of blockSize, matching
// how the benchmark clips a file to its storage block size.
func AlignSize(size, blockSize int64) int64 {
	if blockSize <= 0 {
		return size
	}
	return size - size%blockSize
}
