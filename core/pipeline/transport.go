// File: core/pipeline/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ChunkTransport is the strategy that gets one chunk's data into the
// slot's device region. Direct mode hands the copy to the privileged
// storage-to-device driver; staged mode reads through host memory.
// Both end by scheduling the readback copy and the completion chain on
// the slot's stream, so the surrounding pipeline is identical.

package pipeline

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/momentics/hioload-gds/api"
)

// ChunkTransport issues the transfer for one claimed slot and enqueues
// its completion chain. Issue must not wait for device-side work.
type ChunkTransport interface {
	Issue(p *Pipeline, s *Slot, src *os.File, offset int64) error
}

// DirectTransport submits asynchronous storage-to-device transfers to
// the privileged driver and confirms them in stage A of the chain.
type DirectTransport struct{}

func (DirectTransport) Issue(p *Pipeline, s *Slot, src *os.File, offset int64) error {
	req := api.TransferRequest{
		FileOffset:   offset,
		DeviceOffset: s.deviceOffset(p.cfg.ChunkSize),
		Length:       p.cfg.ChunkSize,
		Status:       &s.status,
	}
	id, err := p.driver.SubmitTransfer(p.handle, src, req)
	if err != nil {
		return fmt.Errorf("submit async transfer: %w", err)
	}
	s.taskID = id

	// Stage A: the driver-level transfer must be confirmed done before
	// anything reads the destination region.
	s.stream.AddCallback(func(cbErr error) {
		if cbErr != nil {
			p.fail(fmt.Errorf("stream failure before transfer wait at offset %d: %w", s.fpos, cbErr))
			return
		}
		if err := p.driver.WaitTransfer(s.taskID); err != nil {
			p.fail(fmt.Errorf("wait for transfer task %d: %w", s.taskID, err))
			return
		}
		if st := atomic.LoadInt64(&s.status); st != 0 {
			p.fail(fmt.Errorf("chunk at offset %d: %w (status %d)", s.fpos, api.ErrTransferStatus, st))
		}
	})

	// Readback copy feeding verification; ordered after stage A by the
	// stream's FIFO semantics.
	s.stream.CopyToHost(s.dst, p.devBase+api.DevicePtr(s.deviceOffset(p.cfg.ChunkSize)))

	// Stage B: verify (re-reading the chunk from storage) and release.
	s.stream.AddCallback(func(cbErr error) {
		p.completeChunk(s, cbErr, true)
	})
	return nil
}

// StagedTransport is the fallback path: a synchronous positional read
// into the slot's source staging buffer followed by an asynchronous
// host-to-device copy on the slot's stream.
type StagedTransport struct{}

func (StagedTransport) Issue(p *Pipeline, s *Slot, src *os.File, offset int64) error {
	n, err := s.file.ReadAt(s.src, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}
	if int64(n) != p.cfg.ChunkSize {
		return fmt.Errorf("read chunk at offset %d: %w (%d of %d bytes)",
			offset, api.ErrShortRead, n, p.cfg.ChunkSize)
	}

	dev := p.devBase + api.DevicePtr(s.deviceOffset(p.cfg.ChunkSize))
	s.stream.CopyToDevice(dev, s.src)
	s.stream.CopyToHost(s.dst, dev)

	// Stage B only: the source staging buffer already holds the chunk,
	// no storage re-read is needed for verification.
	s.stream.AddCallback(func(cbErr error) {
		p.completeChunk(s, cbErr, false)
	})
	return nil
}
