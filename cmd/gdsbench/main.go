// File: cmd/gdsbench/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// gdsbench streams one file from storage into accelerator device
// memory through a bounded asynchronous slot pipeline and reports the
// achieved bandwidth. Direct mode uses the nvme-strom kernel driver;
// -staged falls back to reading through host memory.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-gds/api"
	"github.com/momentics/hioload-gds/control"
	"github.com/momentics/hioload-gds/core/pipeline"
	"github.com/momentics/hioload-gds/device"
	"github.com/momentics/hioload-gds/driver/strom"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [OPTIONS] <filename>\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	cfg := control.DefaultConfig()
	chunkMB := flag.Int("chunk", int(control.DefaultChunkSize>>20), "chunk size in MB")
	flag.IntVar(&cfg.DeviceIndex, "device", 0, "accelerator device index")
	flag.IntVar(&cfg.Slots, "slots", control.DefaultSlots, "number of transfer slots")
	flag.BoolVar(&cfg.Verify, "check", false, "verify every transferred chunk against the source")
	flag.BoolVar(&cfg.PrintMapping, "print-mapping", false, "print device buffer page mapping")
	flag.BoolVar(&cfg.Staged, "staged", false, "use host-staged reads instead of the direct driver")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	cfg.ChunkSize = int64(*chunkMB) << 20
	cfg.Path = flag.Arg(0)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		usage()
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("benchmark failed")
	}
}

func run(cfg control.Config, log *logrus.Logger) error {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("open %q: %w", cfg.Path, err)
	}
	defer f.Close()

	// Clip the file to its storage block size; the driver transfers
	// whole blocks only.
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return fmt.Errorf("fstat %q: %w", cfg.Path, err)
	}
	size := pipeline.AlignSize(st.Size, int64(st.Blksize))

	var drv api.TransferDriver
	if !cfg.Staged {
		if !strom.Available() {
			return fmt.Errorf("%s not present; rerun with -staged", strom.DevicePath)
		}
		d, err := strom.New()
		if err != nil {
			return fmt.Errorf("transfer driver: %w", err)
		}
		defer d.Close()
		if err := d.CheckFile(f); err != nil {
			return err
		}
		drv = d
	}

	rt, err := device.NewRuntime(cfg.DeviceIndex)
	if err != nil {
		return fmt.Errorf("device runtime: %w", err)
	}

	metrics := control.NewMetricsRegistry()
	p, err := pipeline.New(cfg, drv, rt, log, metrics)
	if err != nil {
		return err
	}
	defer p.Close()

	if cfg.PrintMapping && drv != nil {
		entries, err := p.Mapping(int(cfg.BufferSize() / 4096))
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("V:%016x <--> P:%016x\n", e.DeviceAddr, e.PhysAddr)
		}
	}

	rep, err := p.Run(context.Background(), f, size)
	if err != nil {
		return err
	}
	fmt.Println(rep)
	log.WithField("counters", metrics.Snapshot()).Debug("run counters")
	return nil
}
