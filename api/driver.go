// File: api/driver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Contracts for the privileged storage-to-device transfer driver and
// the device-memory registrar it exposes. Implementations: driver/strom
// (Linux ioctl binding) and fake.Driver (deterministic test double).

package api

import "os"

// DevicePtr addresses accelerator device memory. Arithmetic on it is
// byte-granular, mirroring the underlying driver APIs.
type DevicePtr uint64

// TaskID identifies one in-flight asynchronous transfer inside the driver.
type TaskID uint64

// MapHandle identifies a device-memory region registered with the driver.
type MapHandle uint64

// MapEntry is one page of a registered buffer's address mapping,
// reported for diagnostics only.
type MapEntry struct {
	DeviceAddr uint64
	PhysAddr   uint64
}

// TransferRequest describes one storage-to-device chunk transfer.
// Status points at the slot-owned word the driver writes once the
// transfer finishes; it must stay valid until WaitTransfer returns.
type TransferRequest struct {
	FileOffset   int64
	DeviceOffset int64
	Length       int64
	Status       *int64
}

// DeviceRegistrar registers device memory with the privileged driver so
// it can be the target of direct storage transfers.
type DeviceRegistrar interface {
	// RegisterBuffer registers [ptr, ptr+length) and returns its handle.
	RegisterBuffer(ptr DevicePtr, length int64) (MapHandle, error)

	// Mapping reports up to maxEntries pages of the registered buffer's
	// device-to-physical address mapping.
	Mapping(h MapHandle, maxEntries int) ([]MapEntry, error)

	// UnregisterBuffer releases a registration.
	UnregisterBuffer(h MapHandle) error
}

// TransferDriver is the asynchronous storage-to-device copy engine.
//
// SubmitTransfer returns as soon as the transfer is queued; the driver
// performs the copy out-of-band, writes req.Status on completion, and
// WaitTransfer blocks until that write has happened.
type TransferDriver interface {
	DeviceRegistrar

	// CheckFile reports whether the file can be read by the driver
	// directly (filesystem and block-device support).
	CheckFile(f *os.File) error

	// SubmitTransfer queues one chunk transfer into the region behind h.
	SubmitTransfer(h MapHandle, src *os.File, req TransferRequest) (TaskID, error)

	// WaitTransfer blocks until the identified transfer has completed and
	// its status word is visible to the caller.
	WaitTransfer(id TaskID) error
}
