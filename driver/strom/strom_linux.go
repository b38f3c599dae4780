//go:build linux
// +build linux

// File: driver/strom/strom_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux ioctl binding to the nvme-strom kernel module, the privileged
// driver that copies file blocks from NVMe storage straight into
// registered device memory. Request layouts mirror the kernel UAPI;
// every call is synchronous except the async copy submission, whose
// completion the kernel signals by writing the caller's status word.

package strom

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-gds/api"
)

// DevicePath is the nvme-strom character device node.
const DevicePath = "/dev/nvme-strom"

const (
	iocMagic = 'S'

	nrCheckFile   = 0x80
	nrMapMemory   = 0x81
	nrInfoMemory  = 0x82
	nrUnmapMemory = 0x83
	nrCopyAsync   = 0x84
	nrCopyWait    = 0x85
)

// iowr encodes a read-write ioctl command number.
func iowr(nr, size uintptr) uintptr {
	const (
		iocWrite = 1
		iocRead  = 2
	)
	return (iocRead|iocWrite)<<30 | size<<16 | iocMagic<<8 | nr
}

type checkFileArg struct {
	Fdesc int32
	_     int32
}

type mapMemoryArg struct {
	Vaddress uint64
	Length   uint64
	Handle   uint64
}

type unmapMemoryArg struct {
	Handle uint64
}

type infoMemoryHeader struct {
	Handle    uint64
	Nrooms    uint32
	Nitems    uint32
	Version   uint32
	GpuPageSz uint32
}

type infoPage struct {
	Vaddr uint64
	Paddr uint64
}

type copyChunk struct {
	Fpos   uint64
	Offset uint64
	Length uint64
}

type asyncCopyArg struct {
	PStatus uint64
	Handle  uint64
	Fdesc   int32
	Nchunks uint32
	TaskID  uint64
	Chunk   copyChunk
}

type waitArg struct {
	Ntasks uint32
	Nwaits uint32
	TaskID uint64
}

// Driver implements api.TransferDriver over the nvme-strom ioctls.
type Driver struct {
	mu   sync.Mutex
	dev  *os.File
	pins map[api.TaskID]*runtime.Pinner
}

// Available reports whether the nvme-strom device node exists.
func Available() bool {
	_, err := os.Stat(DevicePath)
	return err == nil
}

// New opens the nvme-strom device node.
func New() (*Driver, error) {
	dev, err := os.OpenFile(DevicePath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", DevicePath, err)
	}
	return &Driver{
		dev:  dev,
		pins: make(map[api.TaskID]*runtime.Pinner),
	}, nil
}

// Close releases the device node.
func (d *Driver) Close() error {
	return d.dev.Close()
}

func (d *Driver) ioctl(cmd uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.dev.Fd(), cmd, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// CheckFile asks the kernel module whether the file's filesystem and
// underlying block device support direct transfer.
func (d *Driver) CheckFile(f *os.File) error {
	arg := checkFileArg{Fdesc: int32(f.Fd())}
	if err := d.ioctl(iowr(nrCheckFile, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("%q: %w: %w", f.Name(), api.ErrFileNotEligible, err)
	}
	return nil
}

// RegisterBuffer maps [ptr, ptr+length) of device memory with the
// kernel module and returns the mapping handle.
func (d *Driver) RegisterBuffer(ptr api.DevicePtr, length int64) (api.MapHandle, error) {
	arg := mapMemoryArg{Vaddress: uint64(ptr), Length: uint64(length)}
	if err := d.ioctl(iowr(nrMapMemory, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return 0, fmt.Errorf("map device memory (%#x, %d): %w", uint64(ptr), length, err)
	}
	return api.MapHandle(arg.Handle), nil
}

// Mapping queries up to maxEntries pages of the device-to-physical
// address mapping behind a handle.
func (d *Driver) Mapping(h api.MapHandle, maxEntries int) ([]api.MapEntry, error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	hdrSize := unsafe.Sizeof(infoMemoryHeader{})
	pageSize := unsafe.Sizeof(infoPage{})
	raw := make([]byte, int(hdrSize)+maxEntries*int(pageSize))
	hdr := (*infoMemoryHeader)(unsafe.Pointer(&raw[0]))
	hdr.Handle = uint64(h)
	hdr.Nrooms = uint32(maxEntries)

	if err := d.ioctl(iowr(nrInfoMemory, hdrSize), unsafe.Pointer(&raw[0])); err != nil {
		return nil, fmt.Errorf("query mapping (handle %#x): %w", uint64(h), err)
	}
	n := int(hdr.Nitems)
	if n > maxEntries {
		n = maxEntries
	}
	pages := unsafe.Slice((*infoPage)(unsafe.Pointer(&raw[hdrSize])), n)
	entries := make([]api.MapEntry, n)
	for i, pg := range pages {
		entries[i] = api.MapEntry{DeviceAddr: pg.Vaddr, PhysAddr: pg.Paddr}
	}
	return entries, nil
}

// UnregisterBuffer releases a device-memory mapping.
func (d *Driver) UnregisterBuffer(h api.MapHandle) error {
	arg := unmapMemoryArg{Handle: uint64(h)}
	if err := d.ioctl(iowr(nrUnmapMemory, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("unmap device memory (handle %#x): %w", uint64(h), err)
	}
	return nil
}

// SubmitTransfer queues one asynchronous storage-to-device copy. The
// kernel writes req.Status once the DMA completes; the status word is
// pinned until WaitTransfer so the kernel's write target cannot move.
func (d *Driver) SubmitTransfer(h api.MapHandle, src *os.File, req api.TransferRequest) (api.TaskID, error) {
	pin := new(runtime.Pinner)
	pin.Pin(req.Status)

	arg := asyncCopyArg{
		PStatus: uint64(uintptr(unsafe.Pointer(req.Status))),
		Handle:  uint64(h),
		Fdesc:   int32(src.Fd()),
		Nchunks: 1,
		Chunk: copyChunk{
			Fpos:   uint64(req.FileOffset),
			Offset: uint64(req.DeviceOffset),
			Length: uint64(req.Length),
		},
	}
	if err := d.ioctl(iowr(nrCopyAsync, unsafe.Sizeof(arg)), unsafe.Pointer(&arg)); err != nil {
		pin.Unpin()
		return 0, fmt.Errorf("submit async copy (fpos %d): %w", req.FileOffset, err)
	}
	id := api.TaskID(arg.TaskID)
	d.mu.Lock()
	d.pins[id] = pin
	d.mu.Unlock()
	return id, nil
}

// WaitTransfer blocks in the kernel until the identified copy has
// finished and its status word is written.
func (d *Driver) WaitTransfer(id api.TaskID) error {
	arg := waitArg{Ntasks: 1, Nwaits: 1, TaskID: uint64(id)}
	err := d.ioctl(iowr(nrCopyWait, unsafe.Sizeof(arg)), unsafe.Pointer(&arg))

	d.mu.Lock()
	if pin, ok := d.pins[id]; ok {
		pin.Unpin()
		delete(d.pins, id)
	}
	d.mu.Unlock()

	if err != nil {
		return fmt.Errorf("wait for copy task %d: %w", id, err)
	}
	return nil
}

var _ api.TransferDriver = (*Driver)(nil)
