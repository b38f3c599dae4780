// File: device/sim.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SimRuntime is a pure-Go accelerator runtime. Device memory is backed
// by host arenas and each stream is a worker goroutine draining a FIFO
// operation queue, preserving the per-stream ordering guarantees of a
// real driver while keeping tests deterministic and hardware-free.

package device

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-gds/api"
)

// simBase offsets the first allocation so a zero DevicePtr never
// aliases a valid address.
const simBase api.DevicePtr = 0x1000

// streamQueueDepth bounds how many operations a stream buffers before
// the enqueuer blocks.
const streamQueueDepth = 256

type simAlloc struct {
	base api.DevicePtr
	buf  []byte
}

// SimRuntime implements api.DeviceRuntime without hardware.
type SimRuntime struct {
	mu      sync.RWMutex
	allocs  []simAlloc
	next    api.DevicePtr
	streams []*simStream
	closed  bool
}

// NewSimRuntime creates a simulated runtime for the given device index.
// The index is validated but otherwise unused.
func NewSimRuntime(deviceIndex int) (*SimRuntime, error) {
	if deviceIndex < 0 {
		return nil, fmt.Errorf("device index %d: %w", deviceIndex, api.ErrNotSupported)
	}
	return &SimRuntime{next: simBase}, nil
}

// AllocDevice allocates n bytes of simulated device memory.
func (r *SimRuntime) AllocDevice(n int64) (api.DevicePtr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("alloc device: invalid size %d", n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, api.ErrRuntimeClosed
	}
	base := r.next
	r.allocs = append(r.allocs, simAlloc{base: base, buf: make([]byte, n)})
	r.next += api.DevicePtr(n)
	return base, nil
}

// FillDevice writes a repeating 32-bit little-endian pattern.
func (r *SimRuntime) FillDevice(ptr api.DevicePtr, pattern uint32, n int64) error {
	if n%4 != 0 {
		return fmt.Errorf("fill device: length %d not a multiple of 4", n)
	}
	buf, err := r.resolve(ptr, n)
	if err != nil {
		return err
	}
	for i := 0; i < len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], pattern)
	}
	return nil
}

// AllocHost allocates host staging memory. The simulation has no
// pinning, a plain slice stands in for page-locked memory.
func (r *SimRuntime) AllocHost(n int64) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("alloc host: invalid size %d", n)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, api.ErrRuntimeClosed
	}
	return make([]byte, n), nil
}

// NewStream creates an ordered operation queue served by its own
// goroutine, the simulation's stand-in for a driver-owned completion
// context.
func (r *SimRuntime) NewStream() (api.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, api.ErrRuntimeClosed
	}
	s := &simStream{
		rt:   r,
		ops:  make(chan func(), streamQueueDepth),
		done: make(chan struct{}),
	}
	r.streams = append(r.streams, s)
	go s.run()
	return s, nil
}

// Close drains every stream and drops all allocations.
func (r *SimRuntime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	streams := r.streams
	r.streams = nil
	r.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	r.mu.Lock()
	r.allocs = nil
	r.mu.Unlock()
	return nil
}

// WriteDevice copies data into simulated device memory. Used by the
// fake transfer driver to model direct storage-to-device DMA.
func (r *SimRuntime) WriteDevice(ptr api.DevicePtr, data []byte) error {
	buf, err := r.resolve(ptr, int64(len(data)))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// ReadDevice copies simulated device memory into out.
func (r *SimRuntime) ReadDevice(ptr api.DevicePtr, out []byte) error {
	buf, err := r.resolve(ptr, int64(len(out)))
	if err != nil {
		return err
	}
	copy(out, buf)
	return nil
}

// resolve locates the allocation containing [ptr, ptr+n).
func (r *SimRuntime) resolve(ptr api.DevicePtr, n int64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, api.ErrRuntimeClosed
	}
	for _, a := range r.allocs {
		end := a.base + api.DevicePtr(len(a.buf))
		if ptr >= a.base && ptr+api.DevicePtr(n) <= end {
			off := int64(ptr - a.base)
			return a.buf[off : off+n], nil
		}
	}
	return nil, fmt.Errorf("device address %#x+%d outside any allocation", uint64(ptr), n)
}

// simStream executes enqueued operations strictly FIFO on a dedicated
// goroutine. The err field is only touched from that goroutine.
type simStream struct {
	rt     *SimRuntime
	ops    chan func()
	done   chan struct{}
	err    error
	closed atomic.Bool
}

func (s *simStream) run() {
	defer close(s.done)
	for fn := range s.ops {
		fn()
	}
}

func (s *simStream) enqueue(fn func()) {
	if s.closed.Load() {
		return
	}
	s.ops <- fn
}

// CopyToDevice enqueues an asynchronous host-to-device copy.
func (s *simStream) CopyToDevice(dst api.DevicePtr, src []byte) {
	s.enqueue(func() {
		if s.err != nil {
			return
		}
		buf, err := s.rt.resolve(dst, int64(len(src)))
		if err != nil {
			s.err = fmt.Errorf("copy to device: %w", err)
			return
		}
		copy(buf, src)
	})
}

// CopyToHost enqueues an asynchronous device-to-host copy.
func (s *simStream) CopyToHost(dst []byte, src api.DevicePtr) {
	s.enqueue(func() {
		if s.err != nil {
			return
		}
		buf, err := s.rt.resolve(src, int64(len(dst)))
		if err != nil {
			s.err = fmt.Errorf("copy to host: %w", err)
			return
		}
		copy(dst, buf)
	})
}

// AddCallback enqueues fn behind everything already on the stream.
func (s *simStream) AddCallback(fn func(error)) {
	s.enqueue(func() { fn(s.err) })
}

// Synchronize blocks until all previously enqueued work has executed.
func (s *simStream) Synchronize() error {
	if s.closed.Load() {
		return nil
	}
	ch := make(chan error, 1)
	s.ops <- func() { ch <- s.err }
	return <-ch
}

// Close drains the stream and stops its goroutine.
func (s *simStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.ops)
	<-s.done
	return nil
}

var _ api.DeviceRuntime = (*SimRuntime)(nil)
var _ api.Stream = (*simStream)(nil)
