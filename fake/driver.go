// File: fake/driver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Deterministic in-process stand-in for the privileged transfer
// driver. It performs real positional file reads into the simulated
// device memory on background goroutines, so the pipeline sees the
// same asynchronous shape as with hardware, while tests control
// completion timing, injected corruption and failure statuses.

package fake

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-gds/api"
	"github.com/momentics/hioload-gds/device"
)

const fakePageSize = 4096

type registration struct {
	base   api.DevicePtr
	length int64
}

type activeRegion struct {
	start, end int64
}

// Driver implements api.TransferDriver against a device.SimRuntime.
// All knobs are keyed by file offset, the identity of a chunk.
type Driver struct {
	rt *device.SimRuntime

	// Delay, if set, postpones the completion of the chunk at the given
	// file offset.
	Delay func(fileOffset int64) time.Duration

	// Corrupt, if set and true for a chunk, flips a byte before the
	// data lands in device memory.
	Corrupt func(fileOffset int64) bool

	// FailStatus, if set and nonzero for a chunk, becomes that
	// transfer's driver status word.
	FailStatus func(fileOffset int64) int64

	// EligibleErr, if set, is returned by CheckFile.
	EligibleErr error

	mu       sync.Mutex
	regs     map[api.MapHandle]registration
	tasks    map[api.TaskID]chan struct{}
	active   map[api.TaskID]activeRegion
	nextHndl uint64
	nextTask uint64

	// overlap latches if two in-flight transfers ever target
	// intersecting device regions.
	overlap atomic.Bool
}

// NewDriver wires a fake driver to the given simulated runtime.
func NewDriver(rt *device.SimRuntime) *Driver {
	return &Driver{
		rt:     rt,
		regs:   make(map[api.MapHandle]registration),
		tasks:  make(map[api.TaskID]chan struct{}),
		active: make(map[api.TaskID]activeRegion),
	}
}

// OverlapDetected reports whether two concurrent transfers ever
// targeted overlapping device regions.
func (d *Driver) OverlapDetected() bool {
	return d.overlap.Load()
}

// CheckFile reports eligibility; the fake accepts everything unless a
// test injects EligibleErr.
func (d *Driver) CheckFile(f *os.File) error {
	if d.EligibleErr != nil {
		return fmt.Errorf("%q: %w", f.Name(), d.EligibleErr)
	}
	return nil
}

// RegisterBuffer records a device region as a transfer target.
func (d *Driver) RegisterBuffer(ptr api.DevicePtr, length int64) (api.MapHandle, error) {
	if length <= 0 {
		return 0, fmt.Errorf("register buffer: invalid length %d", length)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHndl++
	h := api.MapHandle(d.nextHndl)
	d.regs[h] = registration{base: ptr, length: length}
	return h, nil
}

// Mapping synthesizes a page table for a registered buffer.
func (d *Driver) Mapping(h api.MapHandle, maxEntries int) ([]api.MapEntry, error) {
	d.mu.Lock()
	reg, ok := d.regs[h]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mapping: unknown handle %d", h)
	}
	pages := int(reg.length / fakePageSize)
	if pages > maxEntries {
		pages = maxEntries
	}
	entries := make([]api.MapEntry, pages)
	for i := range entries {
		entries[i] = api.MapEntry{
			DeviceAddr: uint64(reg.base) + uint64(i)*fakePageSize,
			PhysAddr:   0x1_0000_0000 + uint64(i)*fakePageSize,
		}
	}
	return entries, nil
}

// UnregisterBuffer drops a registration.
func (d *Driver) UnregisterBuffer(h api.MapHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regs[h]; !ok {
		return fmt.Errorf("unregister: unknown handle %d", h)
	}
	delete(d.regs, h)
	return nil
}

// SubmitTransfer queues one storage-to-device copy and returns
// immediately. The copy happens on a goroutine: positional read from
// the file, optional corruption, write into simulated device memory,
// then the status word and the completion signal.
func (d *Driver) SubmitTransfer(h api.MapHandle, src *os.File, req api.TransferRequest) (api.TaskID, error) {
	d.mu.Lock()
	reg, ok := d.regs[h]
	if !ok {
		d.mu.Unlock()
		return 0, fmt.Errorf("submit: unknown handle %d", h)
	}
	if req.DeviceOffset < 0 || req.DeviceOffset+req.Length > reg.length {
		d.mu.Unlock()
		return 0, fmt.Errorf("submit: chunk [%d,%d) outside registered buffer of %d bytes",
			req.DeviceOffset, req.DeviceOffset+req.Length, reg.length)
	}
	d.nextTask++
	id := api.TaskID(d.nextTask)
	done := make(chan struct{})
	d.tasks[id] = done
	region := activeRegion{start: req.DeviceOffset, end: req.DeviceOffset + req.Length}
	for _, other := range d.active {
		if region.start < other.end && other.start < region.end {
			d.overlap.Store(true)
		}
	}
	d.active[id] = region
	d.mu.Unlock()

	go d.runTransfer(id, reg, src, req, done)
	return id, nil
}

func (d *Driver) runTransfer(id api.TaskID, reg registration, src *os.File, req api.TransferRequest, done chan struct{}) {
	defer func() {
		d.mu.Lock()
		delete(d.active, id)
		d.mu.Unlock()
		close(done)
	}()

	if d.Delay != nil {
		if dl := d.Delay(req.FileOffset); dl > 0 {
			time.Sleep(dl)
		}
	}

	var status int64
	buf := make([]byte, req.Length)
	n, err := src.ReadAt(buf, req.FileOffset)
	if err != nil || int64(n) != req.Length {
		status = 1
	} else {
		if d.Corrupt != nil && d.Corrupt(req.FileOffset) {
			buf[len(buf)/2] ^= 0xff
		}
		if err := d.rt.WriteDevice(reg.base+api.DevicePtr(req.DeviceOffset), buf); err != nil {
			status = 2
		}
	}
	if d.FailStatus != nil {
		if st := d.FailStatus(req.FileOffset); st != 0 {
			status = st
		}
	}
	atomic.StoreInt64(req.Status, status)
}

// WaitTransfer blocks until the identified transfer has completed.
func (d *Driver) WaitTransfer(id api.TaskID) error {
	d.mu.Lock()
	done, ok := d.tasks[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %d: %w", id, api.ErrUnknownTask)
	}
	<-done
	d.mu.Lock()
	delete(d.tasks, id)
	d.mu.Unlock()
	return nil
}

var _ api.TransferDriver = (*Driver)(nil)
