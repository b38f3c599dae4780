// File: core/pipeline/pipeline_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end pipeline tests against the simulated device runtime and
// the fake transfer driver, which give deterministic control over
// completion timing, corruption and driver statuses.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-gds/api"
	"github.com/momentics/hioload-gds/control"
	"github.com/momentics/hioload-gds/device"
	"github.com/momentics/hioload-gds/fake"
)

const testChunk = 4096

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(slots int) control.Config {
	return control.Config{
		Slots:     slots,
		ChunkSize: testChunk,
		Path:      "test",
	}
}

// writeTestFile creates a deterministic patterned source file of the
// given size and returns an open read handle.
func writeTestFile(t *testing.T, size int64) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.dat")
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i*31 + i>>9)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open source file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

type testRig struct {
	rt      *device.SimRuntime
	drv     *fake.Driver
	metrics *control.MetricsRegistry
	p       *Pipeline
}

// newTestRig builds a pipeline over a fresh simulated runtime. tweak,
// if non-nil, configures the fake driver before the pipeline starts.
func newTestRig(t *testing.T, cfg control.Config, tweak func(*fake.Driver)) *testRig {
	t.Helper()
	rt, err := device.NewSimRuntime(0)
	if err != nil {
		t.Fatalf("sim runtime: %v", err)
	}
	rig := &testRig{rt: rt, metrics: control.NewMetricsRegistry()}

	var drv api.TransferDriver
	if !cfg.Staged {
		rig.drv = fake.NewDriver(rt)
		if tweak != nil {
			tweak(rig.drv)
		}
		drv = rig.drv
	}

	rig.p, err = New(cfg, drv, rt, quietLogger(), rig.metrics)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	t.Cleanup(func() { rig.p.Close() })
	return rig
}

func assertQuiescent(t *testing.T, rig *testRig, slots int) {
	t.Helper()
	for _, s := range rig.p.Slots() {
		if s.Running() {
			t.Errorf("slot %d still running after run", s.Index)
		}
	}
	if idle := rig.p.Flow().Idle(); idle != slots {
		t.Errorf("idle=%d after run, want %d", idle, slots)
	}
}

// TestPipeline_DirectTransfersAllChunks covers the happy path: every
// chunk dispatched, verified, and the pool fully idle afterwards.
func TestPipeline_DirectTransfersAllChunks(t *testing.T) {
	const chunks = 16
	cfg := testConfig(3)
	cfg.Verify = true
	rig := newTestRig(t, cfg, nil)
	f := writeTestFile(t, chunks*testChunk)

	rep, err := rig.p.Run(context.Background(), f, chunks*testChunk)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Bytes != chunks*testChunk {
		t.Errorf("report bytes = %d, want %d", rep.Bytes, chunks*testChunk)
	}
	if rep.Elapsed <= 0 {
		t.Errorf("report elapsed = %v", rep.Elapsed)
	}
	if got := rig.metrics.Get(control.MetricChunksDispatched); got != chunks {
		t.Errorf("chunks dispatched = %d, want %d", got, chunks)
	}
	if got := rig.metrics.Get(control.MetricChunksVerified); got != chunks {
		t.Errorf("chunks verified = %d, want %d", got, chunks)
	}
	if got := rig.metrics.Get(control.MetricBytesTransferred); got != chunks*testChunk {
		t.Errorf("bytes transferred = %d, want %d", got, chunks*testChunk)
	}
	if rig.drv.OverlapDetected() {
		t.Error("concurrent transfers targeted overlapping device regions")
	}
	assertQuiescent(t, rig, cfg.Slots)
}

// TestPipeline_ChunkCountAcrossShapes checks dispatch arithmetic for
// several pool sizes and file lengths that are exact chunk multiples.
func TestPipeline_ChunkCountAcrossShapes(t *testing.T) {
	shapes := []struct {
		slots  int
		chunks int64
	}{
		{1, 1},
		{1, 5},
		{2, 4},
		{5, 9},
		{8, 3},
	}
	for _, sh := range shapes {
		t.Run(fmt.Sprintf("slots=%d_chunks=%d", sh.slots, sh.chunks), func(t *testing.T) {
			rig := newTestRig(t, testConfig(sh.slots), nil)
			f := writeTestFile(t, sh.chunks*testChunk)

			rep, err := rig.p.Run(context.Background(), f, sh.chunks*testChunk)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := rig.metrics.Get(control.MetricChunksDispatched); got != sh.chunks {
				t.Errorf("dispatched = %d, want %d", got, sh.chunks)
			}
			if rep.Bytes != sh.chunks*testChunk {
				t.Errorf("covered %d bytes, want %d", rep.Bytes, sh.chunks*testChunk)
			}
			assertQuiescent(t, rig, sh.slots)
		})
	}
}

// TestPipeline_VerifyDetectsCorruption injects one corrupted chunk and
// expects the run to fail naming that chunk's offset.
func TestPipeline_VerifyDetectsCorruption(t *testing.T) {
	const chunks = 8
	const badOffset = 2 * testChunk
	cfg := testConfig(3)
	cfg.Verify = true
	rig := newTestRig(t, cfg, func(d *fake.Driver) {
		d.Corrupt = func(off int64) bool { return off == badOffset }
	})
	f := writeTestFile(t, chunks*testChunk)

	_, err := rig.p.Run(context.Background(), f, chunks*testChunk)
	if !errors.Is(err, api.ErrVerifyMismatch) {
		t.Fatalf("Run error = %v, want verification mismatch", err)
	}
	if !strings.Contains(err.Error(), fmt.Sprintf("offset %d", badOffset)) {
		t.Errorf("error %q does not name offset %d", err, badOffset)
	}
	if got := rig.metrics.Get(control.MetricTransferFailures); got != 1 {
		t.Errorf("transfer failures = %d, want 1", got)
	}
	assertQuiescent(t, rig, cfg.Slots)
}

// TestPipeline_NonzeroStatusFatal fails one driver-level transfer and
// expects stage A to surface it.
func TestPipeline_NonzeroStatusFatal(t *testing.T) {
	const chunks = 6
	rig := newTestRig(t, testConfig(2), func(d *fake.Driver) {
		d.FailStatus = func(off int64) int64 {
			if off == testChunk {
				return 7
			}
			return 0
		}
	})
	f := writeTestFile(t, chunks*testChunk)

	_, err := rig.p.Run(context.Background(), f, chunks*testChunk)
	if !errors.Is(err, api.ErrTransferStatus) {
		t.Fatalf("Run error = %v, want transfer status failure", err)
	}
	assertQuiescent(t, rig, 2)
}

// TestPipeline_StagedMode exercises the host-staged fallback with
// verification: no driver involved, identical pipeline shape.
func TestPipeline_StagedMode(t *testing.T) {
	const chunks = 10
	cfg := testConfig(4)
	cfg.Staged = true
	cfg.Verify = true
	rig := newTestRig(t, cfg, nil)
	f := writeTestFile(t, chunks*testChunk)

	rep, err := rig.p.Run(context.Background(), f, chunks*testChunk)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Bytes != chunks*testChunk {
		t.Errorf("report bytes = %d, want %d", rep.Bytes, chunks*testChunk)
	}
	if got := rig.metrics.Get(control.MetricChunksVerified); got != chunks {
		t.Errorf("chunks verified = %d, want %d", got, chunks)
	}
	assertQuiescent(t, rig, cfg.Slots)
}

// TestPipeline_DrainWaitsForSlowestChunk delays one mid-file chunk
// well past the rest; the run must not report completion until that
// chunk's completion chain has released its slot.
func TestPipeline_DrainWaitsForSlowestChunk(t *testing.T) {
	const chunks = 6
	const slow = 120 * time.Millisecond
	const slowOffset = 3 * testChunk
	rig := newTestRig(t, testConfig(6), func(d *fake.Driver) {
		d.Delay = func(off int64) time.Duration {
			if off == slowOffset {
				return slow
			}
			return 0
		}
	})
	f := writeTestFile(t, chunks*testChunk)

	rep, err := rig.p.Run(context.Background(), f, chunks*testChunk)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Elapsed < slow {
		t.Errorf("run finished in %v, slowest chunk needed %v", rep.Elapsed, slow)
	}
	assertQuiescent(t, rig, 6)
}

// TestPipeline_DisjointDeviceRegions runs with skewed completion
// delays to force heavy slot reuse and asserts no two in-flight
// transfers ever shared device memory.
func TestPipeline_DisjointDeviceRegions(t *testing.T) {
	const chunks = 12
	cfg := testConfig(4)
	cfg.Verify = true
	rig := newTestRig(t, cfg, func(d *fake.Driver) {
		d.Delay = func(off int64) time.Duration {
			return time.Duration((off/testChunk)%3) * 3 * time.Millisecond
		}
	})
	f := writeTestFile(t, chunks*testChunk)

	if _, err := rig.p.Run(context.Background(), f, chunks*testChunk); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rig.drv.OverlapDetected() {
		t.Error("overlapping device regions observed across concurrent transfers")
	}
}

// TestPipeline_FileSmallerThanChunk is a configuration error, not a
// zero-chunk run.
func TestPipeline_FileSmallerThanChunk(t *testing.T) {
	rig := newTestRig(t, testConfig(2), nil)
	f := writeTestFile(t, testChunk/2)

	if _, err := rig.p.Run(context.Background(), f, testChunk/2); err == nil {
		t.Fatal("Run accepted a file smaller than one chunk")
	}
}

// TestPipeline_DirectModeRequiresDriver pins the constructor contract.
func TestPipeline_DirectModeRequiresDriver(t *testing.T) {
	rt, err := device.NewSimRuntime(0)
	if err != nil {
		t.Fatalf("sim runtime: %v", err)
	}
	defer rt.Close()

	if _, err := New(testConfig(2), nil, rt, quietLogger(), nil); err == nil {
		t.Fatal("New accepted direct mode without a driver")
	}
}

// TestPipeline_MappingDiagnostics checks that the registered buffer
// mapping is visible through the pipeline.
func TestPipeline_MappingDiagnostics(t *testing.T) {
	cfg := testConfig(2)
	rig := newTestRig(t, cfg, nil)

	entries, err := rig.p.Mapping(int(cfg.BufferSize() / 4096))
	if err != nil {
		t.Fatalf("Mapping: %v", err)
	}
	if want := int(cfg.BufferSize() / 4096); len(entries) != want {
		t.Fatalf("mapping entries = %d, want %d", len(entries), want)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].DeviceAddr <= entries[i-1].DeviceAddr {
			t.Fatalf("mapping pages out of order at %d", i)
		}
	}
}
