//go:build !cuda
// +build !cuda

// File: device/factory_sim.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device

import "github.com/momentics/hioload-gds/api"

// NewRuntime returns the simulated runtime in non-CUDA builds.
func NewRuntime(deviceIndex int) (api.DeviceRuntime, error) {
	return NewSimRuntime(deviceIndex)
}
