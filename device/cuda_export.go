//go:build cuda
// +build cuda

// File: device/cuda_export.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Exported trampoline for CUDA stream callbacks. Kept in its own file
// because cgo forbids //export in files whose preamble defines
// functions.

package device

/*
#include <cuda.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"
)

//export goStreamCallback
func goStreamCallback(stream C.CUstream, status C.CUresult, userData unsafe.Pointer) {
	h := cgo.Handle(uintptr(userData))
	fn := h.Value().(func(error))
	h.Delete()
	fn(cuErr(status, "stream execution"))
}
