// File: core/pipeline/report.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pipeline

import (
	"fmt"
	"time"
)

// Report summarizes one benchmark run: total bytes moved between the
// first dispatch and the end of the drain. It is a pure value; the
// caller decides where it goes.
type Report struct {
	Filename string
	Bytes    int64
	Elapsed  time.Duration
}

// Rate returns the throughput scaled to a human unit. Breakpoints sit
// at 4x each unit so small rates keep more significant digits.
func (r Report) Rate() (float64, string) {
	sec := r.Elapsed.Seconds()
	if sec <= 0 || r.Bytes <= 0 {
		return 0, "Bytes"
	}
	bps := float64(r.Bytes) / sec
	switch {
	case bps < float64(4<<10):
		return bps, "Bytes"
	case bps < float64(4<<20):
		return bps / float64(1<<10), "KB"
	case bps < float64(4<<30):
		return bps / float64(1<<20), "MB"
	default:
		return bps / float64(1<<30), "GB"
	}
}

// String renders the single-line run summary.
func (r Report) String() string {
	rate, unit := r.Rate()
	ms := float64(r.Elapsed.Microseconds()) / 1000.0
	return fmt.Sprintf("file: %s, read: %dKB, time: %.3fms, band: %.2f%s/s",
		r.Filename, r.Bytes>>10, ms, rate, unit)
}
