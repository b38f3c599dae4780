// File: core/pipeline/slot.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pipeline

import (
	"os"
	"sync/atomic"

	"github.com/momentics/hioload-gds/api"
)

// Slot is one reusable unit of pipeline capacity: an execution stream,
// two host staging buffers and the bookkeeping for the chunk currently
// occupying it. Slots are created once at startup; only fpos, taskID,
// status and the running flag change per chunk.
type Slot struct {
	// Index identifies which device sub-region and staging buffers this
	// slot owns. Indices are dense in [0, Slots).
	Index int

	// file is this slot's own handle to the source file, so staged reads
	// and verification re-reads never share position state with other
	// slots.
	file *os.File

	// fpos is the file offset of the chunk currently in flight.
	fpos int64

	// taskID identifies the in-flight direct transfer inside the driver.
	taskID api.TaskID

	// status is written by the driver when its transfer completes.
	// Address handed out through api.TransferRequest.Status.
	status int64

	stream api.Stream

	// src holds the chunk as read back from the file (verification and
	// staged mode); dst holds the chunk as read back from the device.
	src []byte
	dst []byte

	// running is true from claim until stage B releases the slot.
	// Set by the dispatcher, cleared on the stream's execution context.
	running atomic.Bool
}

// Running reports whether the slot currently owns an in-flight chunk.
func (s *Slot) Running() bool {
	return s.running.Load()
}

// FilePosition returns the offset of the chunk the slot last carried.
func (s *Slot) FilePosition() int64 {
	return s.fpos
}

// deviceOffset returns the base of this slot's device sub-region.
// Slot regions never overlap: region i is [i*chunk, (i+1)*chunk).
func (s *Slot) deviceOffset(chunkSize int64) int64 {
	return int64(s.Index) * chunkSize
}

// Close releases the slot's stream and file handle.
func (s *Slot) Close() error {
	var first error
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			first = err
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
