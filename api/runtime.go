// File: api/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Contract for the accelerator runtime: device/host memory allocation
// and ordered execution streams. Implementations: device.SimRuntime
// (pure Go, default build) and the CUDA binding (build tag "cuda").

package api

// DeviceRuntime abstracts the accelerator driver API used by the
// pipeline. One runtime instance owns one device context.
type DeviceRuntime interface {
	// AllocDevice allocates n bytes of device memory.
	AllocDevice(n int64) (DevicePtr, error)

	// FillDevice writes a repeating 32-bit pattern over [ptr, ptr+n).
	// n must be a multiple of 4.
	FillDevice(ptr DevicePtr, pattern uint32, n int64) error

	// AllocHost allocates n bytes of host memory suitable as a DMA
	// staging target (pinned on real hardware).
	AllocHost(n int64) ([]byte, error)

	// NewStream creates an independent ordered operation queue.
	NewStream() (Stream, error)

	// Close tears down the device context and all its allocations.
	Close() error
}

// Stream is an ordered sequence-of-operations handle. Operations
// enqueued on one stream execute strictly FIFO relative to each other;
// distinct streams run concurrently. Copy enqueues never block on the
// device work itself, only on queue capacity.
type Stream interface {
	// CopyToDevice enqueues an asynchronous host-to-device copy.
	CopyToDevice(dst DevicePtr, src []byte)

	// CopyToHost enqueues an asynchronous device-to-host copy.
	CopyToHost(dst []byte, src DevicePtr)

	// AddCallback enqueues fn to run on the stream's execution context
	// once every previously enqueued operation has finished. The error
	// passed to fn is the first failure of a prior operation on this
	// stream, or nil.
	AddCallback(fn func(error))

	// Synchronize blocks until everything enqueued so far has executed
	// and returns the stream's first error, if any.
	Synchronize() error

	// Close drains the stream and releases it.
	Close() error
}
