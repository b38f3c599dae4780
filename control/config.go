// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Benchmark run configuration with defaults and validation.

package control

import (
	"errors"
	"fmt"
)

// Defaults for one benchmark invocation.
const (
	DefaultSlots     = 6
	DefaultChunkSize = 32 << 20 // 32 MB
)

var (
	ErrNoPath       = errors.New("no source file path")
	ErrBadSlots     = errors.New("slot count must be at least 1")
	ErrBadChunkSize = errors.New("chunk size must be positive")
	ErrBadDevice    = errors.New("device index must be non-negative")
)

// Config captures one benchmark invocation.
type Config struct {
	// DeviceIndex selects the accelerator device.
	DeviceIndex int

	// Slots is the number of reusable transfer slots (pipeline depth).
	Slots int

	// ChunkSize is the transfer unit in bytes.
	ChunkSize int64

	// Verify re-reads and byte-compares every transferred chunk.
	Verify bool

	// PrintMapping dumps the registered device buffer's page mapping.
	PrintMapping bool

	// Staged selects the fallback host-staged mode (read into host
	// memory, then host-to-device copy) instead of the direct driver.
	Staged bool

	// Path is the source file.
	Path string
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Slots:     DefaultSlots,
		ChunkSize: DefaultChunkSize,
	}
}

// BufferSize returns the total device buffer size for this config.
func (c Config) BufferSize() int64 {
	return c.ChunkSize * int64(c.Slots)
}

// Validate rejects configurations the pipeline cannot run.
func (c Config) Validate() error {
	if c.Path == "" {
		return ErrNoPath
	}
	if c.Slots < 1 {
		return fmt.Errorf("%w (got %d)", ErrBadSlots, c.Slots)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w (got %d)", ErrBadChunkSize, c.ChunkSize)
	}
	if c.DeviceIndex < 0 {
		return fmt.Errorf("%w (got %d)", ErrBadDevice, c.DeviceIndex)
	}
	return nil
}
