//go:build cuda
// +build cuda

// File: device/factory_cuda.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device

import "github.com/momentics/hioload-gds/api"

// NewRuntime returns the CUDA-backed runtime in CUDA builds.
func NewRuntime(deviceIndex int) (api.DeviceRuntime, error) {
	return newCUDARuntime(deviceIndex)
}
