// File: control/config_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"errors"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Slots != DefaultSlots {
		t.Errorf("default slots = %d, want %d", cfg.Slots, DefaultSlots)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("default chunk size = %d, want %d", cfg.ChunkSize, int64(DefaultChunkSize))
	}
	if got := cfg.BufferSize(); got != int64(DefaultSlots)*DefaultChunkSize {
		t.Errorf("buffer size = %d", got)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Path = "/data/big.bin"
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*Config)
		want error
	}{
		{"missing-path", func(c *Config) { c.Path = "" }, ErrNoPath},
		{"zero-slots", func(c *Config) { c.Slots = 0 }, ErrBadSlots},
		{"negative-chunk", func(c *Config) { c.ChunkSize = -1 }, ErrBadChunkSize},
		{"negative-device", func(c *Config) { c.DeviceIndex = -2 }, ErrBadDevice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mut(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tc.want) {
				t.Errorf("Validate = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestMetricsRegistry(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.Add(MetricChunksDispatched, 3)
	mr.Add(MetricChunksDispatched, 2)
	mr.Add(MetricBytesTransferred, 4096)

	if got := mr.Get(MetricChunksDispatched); got != 5 {
		t.Errorf("dispatched = %d, want 5", got)
	}
	snap := mr.Snapshot()
	if snap[MetricBytesTransferred] != 4096 {
		t.Errorf("snapshot bytes = %d", snap[MetricBytesTransferred])
	}

	// Snapshot is a copy, not a view.
	snap[MetricBytesTransferred] = 0
	if got := mr.Get(MetricBytesTransferred); got != 4096 {
		t.Errorf("registry mutated through snapshot: %d", got)
	}
	if mr.Updated().IsZero() {
		t.Error("updated timestamp never set")
	}
}
