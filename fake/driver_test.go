// File: fake/driver_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/momentics/hioload-gds/api"
	"github.com/momentics/hioload-gds/device"
)

func newRig(t *testing.T) (*device.SimRuntime, *Driver) {
	t.Helper()
	rt, err := device.NewSimRuntime(0)
	if err != nil {
		t.Fatalf("sim runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt, NewDriver(rt)
}

func tempFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk.dat")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open temp file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// TestDriver_SubmitWaitRoundtrip: one submitted chunk lands in device
// memory with a zero status.
func TestDriver_SubmitWaitRoundtrip(t *testing.T) {
	rt, drv := newRig(t)

	ptr, err := rt.AllocDevice(8192)
	if err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	h, err := drv.RegisterBuffer(ptr, 8192)
	if err != nil {
		t.Fatalf("RegisterBuffer: %v", err)
	}

	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i)
	}
	f := tempFile(t, data)

	var status int64
	id, err := drv.SubmitTransfer(h, f, api.TransferRequest{
		FileOffset:   4096,
		DeviceOffset: 0,
		Length:       4096,
		Status:       &status,
	})
	if err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}
	if err := drv.WaitTransfer(id); err != nil {
		t.Fatalf("WaitTransfer: %v", err)
	}
	if st := atomic.LoadInt64(&status); st != 0 {
		t.Fatalf("status = %d, want 0", st)
	}

	got := make([]byte, 4096)
	if err := rt.ReadDevice(ptr, got); err != nil {
		t.Fatalf("ReadDevice: %v", err)
	}
	if !bytes.Equal(got, data[4096:]) {
		t.Error("device memory does not match the chunk at file offset 4096")
	}
}

// TestDriver_RejectsOutOfBoundsChunk.
func TestDriver_RejectsOutOfBoundsChunk(t *testing.T) {
	rt, drv := newRig(t)

	ptr, _ := rt.AllocDevice(4096)
	h, err := drv.RegisterBuffer(ptr, 4096)
	if err != nil {
		t.Fatalf("RegisterBuffer: %v", err)
	}
	f := tempFile(t, make([]byte, 8192))

	var status int64
	_, err = drv.SubmitTransfer(h, f, api.TransferRequest{
		FileOffset:   0,
		DeviceOffset: 2048,
		Length:       4096,
		Status:       &status,
	})
	if err == nil {
		t.Fatal("accepted a chunk past the registered buffer")
	}
}

// TestDriver_WaitUnknownTask.
func TestDriver_WaitUnknownTask(t *testing.T) {
	_, drv := newRig(t)
	if err := drv.WaitTransfer(api.TaskID(99)); !errors.Is(err, api.ErrUnknownTask) {
		t.Fatalf("WaitTransfer(99) = %v, want unknown task", err)
	}
}

// TestDriver_MappingSynthesis: one entry per 4K page, monotonically
// increasing addresses.
func TestDriver_MappingSynthesis(t *testing.T) {
	rt, drv := newRig(t)

	ptr, _ := rt.AllocDevice(16384)
	h, err := drv.RegisterBuffer(ptr, 16384)
	if err != nil {
		t.Fatalf("RegisterBuffer: %v", err)
	}
	entries, err := drv.Mapping(h, 16)
	if err != nil {
		t.Fatalf("Mapping: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	for i, e := range entries {
		if e.DeviceAddr != uint64(ptr)+uint64(i)*4096 {
			t.Errorf("entry %d device addr = %#x", i, e.DeviceAddr)
		}
	}

	if err := drv.UnregisterBuffer(h); err != nil {
		t.Fatalf("UnregisterBuffer: %v", err)
	}
	if _, err := drv.Mapping(h, 1); err == nil {
		t.Error("Mapping succeeded after unregister")
	}
}

// TestDriver_EligibilityInjection.
func TestDriver_EligibilityInjection(t *testing.T) {
	_, drv := newRig(t)
	f := tempFile(t, []byte("x"))

	if err := drv.CheckFile(f); err != nil {
		t.Fatalf("CheckFile default: %v", err)
	}
	drv.EligibleErr = api.ErrFileNotEligible
	if err := drv.CheckFile(f); !errors.Is(err, api.ErrFileNotEligible) {
		t.Fatalf("CheckFile with injected error = %v", err)
	}
}
