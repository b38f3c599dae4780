//go:build !linux
// +build !linux

// File: driver/strom/strom_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The nvme-strom module is a Linux kernel component; off Linux every
// entry point reports api.ErrNotSupported.

package strom

import (
	"os"

	"github.com/momentics/hioload-gds/api"
)

// DevicePath is the nvme-strom character device node on Linux.
const DevicePath = "/dev/nvme-strom"

// Driver is unavailable off Linux.
type Driver struct{}

// Available always reports false on non-Linux platforms.
func Available() bool {
	return false
}

// New fails: there is no device node to open.
func New() (*Driver, error) {
	return nil, api.ErrNotSupported
}

func (d *Driver) Close() error { return api.ErrNotSupported }

func (d *Driver) CheckFile(*os.File) error { return api.ErrNotSupported }

func (d *Driver) RegisterBuffer(api.DevicePtr, int64) (api.MapHandle, error) {
	return 0, api.ErrNotSupported
}

func (d *Driver) Mapping(api.MapHandle, int) ([]api.MapEntry, error) {
	return nil, api.ErrNotSupported
}

func (d *Driver) UnregisterBuffer(api.MapHandle) error { return api.ErrNotSupported }

func (d *Driver) SubmitTransfer(api.MapHandle, *os.File, api.TransferRequest) (api.TaskID, error) {
	return 0, api.ErrNotSupported
}

func (d *Driver) WaitTransfer(api.TaskID) error { return api.ErrNotSupported }

var _ api.TransferDriver = (*Driver)(nil)
