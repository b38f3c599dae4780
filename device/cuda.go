//go:build cuda
// +build cuda

// File: device/cuda.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CUDA driver API binding for api.DeviceRuntime. Device memory is a
// single cuMemAlloc region, host staging buffers come from
// cuMemAllocHost (page-locked), and api.Stream maps 1:1 onto CUstream
// with callbacks delivered through cuStreamAddCallback.

package device

/*
#cgo LDFLAGS: -lcuda
#include <stdint.h>
#include <cuda.h>

extern void goStreamCallback(CUstream stream, CUresult status, void *userData);

static CUresult addStreamCallback(CUstream stream, uintptr_t handle) {
	return cuStreamAddCallback(stream, (CUstreamCallback)goStreamCallback, (void *)handle, 0);
}
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/momentics/hioload-gds/api"
)

// cuErr converts a CUresult into a Go error naming the failing call.
func cuErr(rc C.CUresult, apiname string) error {
	if rc == C.CUDA_SUCCESS {
		return nil
	}
	var name *C.char
	if C.cuGetErrorName(rc, &name) != C.CUDA_SUCCESS {
		return fmt.Errorf("failed on %s: unknown error %d", apiname, int(rc))
	}
	return fmt.Errorf("failed on %s: %s", apiname, C.GoString(name))
}

type cudaRuntime struct {
	mu         sync.Mutex
	ctx        C.CUcontext
	dev        C.CUdevice
	devAllocs  []C.CUdeviceptr
	hostAllocs []unsafe.Pointer
	closed     bool
}

func newCUDARuntime(deviceIndex int) (*cudaRuntime, error) {
	if err := cuErr(C.cuInit(0), "cuInit"); err != nil {
		return nil, err
	}
	r := &cudaRuntime{}
	if err := cuErr(C.cuDeviceGet(&r.dev, C.int(deviceIndex)), "cuDeviceGet"); err != nil {
		return nil, err
	}
	if err := cuErr(C.cuCtxCreate(&r.ctx, C.CU_CTX_SCHED_AUTO, r.dev), "cuCtxCreate"); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *cudaRuntime) AllocDevice(n int64) (api.DevicePtr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, api.ErrRuntimeClosed
	}
	var p C.CUdeviceptr
	if err := cuErr(C.cuMemAlloc(&p, C.size_t(n)), "cuMemAlloc"); err != nil {
		return 0, err
	}
	r.devAllocs = append(r.devAllocs, p)
	return api.DevicePtr(p), nil
}

func (r *cudaRuntime) FillDevice(ptr api.DevicePtr, pattern uint32, n int64) error {
	if n%4 != 0 {
		return fmt.Errorf("fill device: length %d not a multiple of 4", n)
	}
	return cuErr(C.cuMemsetD32(C.CUdeviceptr(ptr), C.uint(pattern), C.size_t(n/4)), "cuMemsetD32")
}

func (r *cudaRuntime) AllocHost(n int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, api.ErrRuntimeClosed
	}
	var p unsafe.Pointer
	if err := cuErr(C.cuMemAllocHost(&p, C.size_t(n)), "cuMemAllocHost"); err != nil {
		return nil, err
	}
	r.hostAllocs = append(r.hostAllocs, p)
	return unsafe.Slice((*byte)(p), n), nil
}

func (r *cudaRuntime) NewStream() (api.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, api.ErrRuntimeClosed
	}
	var st C.CUstream
	if err := cuErr(C.cuStreamCreate(&st, C.CU_STREAM_DEFAULT), "cuStreamCreate"); err != nil {
		return nil, err
	}
	return &cudaStream{st: st}, nil
}

func (r *cudaRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, p := range r.hostAllocs {
		C.cuMemFreeHost(p)
	}
	for _, p := range r.devAllocs {
		C.cuMemFree(p)
	}
	return cuErr(C.cuCtxDestroy(r.ctx), "cuCtxDestroy")
}

type cudaStream struct {
	st  C.CUstream
	mu  sync.Mutex
	err error
}

func (s *cudaStream) record(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *cudaStream) firstErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *cudaStream) CopyToDevice(dst api.DevicePtr, src []byte) {
	rc := C.cuMemcpyHtoDAsync(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src)), s.st)
	s.record(cuErr(rc, "cuMemcpyHtoDAsync"))
}

func (s *cudaStream) CopyToHost(dst []byte, src api.DevicePtr) {
	rc := C.cuMemcpyDtoHAsync(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst)), s.st)
	s.record(cuErr(rc, "cuMemcpyDtoHAsync"))
}

func (s *cudaStream) AddCallback(fn func(error)) {
	h := cgo.NewHandle(func(err error) {
		if prior := s.firstErr(); prior != nil {
			err = prior
		}
		fn(err)
	})
	if e := cuErr(C.addStreamCallback(s.st, C.uintptr_t(h)), "cuStreamAddCallback"); e != nil {
		h.Delete()
		s.record(e)
		fn(e)
	}
}

func (s *cudaStream) Synchronize() error {
	if err := cuErr(C.cuStreamSynchronize(s.st), "cuStreamSynchronize"); err != nil {
		return err
	}
	return s.firstErr()
}

func (s *cudaStream) Close() error {
	if err := s.Synchronize(); err != nil {
		return err
	}
	return cuErr(C.cuStreamDestroy(s.st), "cuStreamDestroy")
}

var _ api.DeviceRuntime = (*cudaRuntime)(nil)
var _ api.Stream = (*cudaStream)(nil)
