// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tfg-acq acquires frames from a time-framed scaler and stores
// them in a frame table.
//
// Acquisition modes:
//
//   - count:  frames are counted one at a time, into a cleared memory;
//   - step:   frames are pre-loaded, and continued one at a time;
//   - stream: frames are paced by the timing generator, and read out
//     as they are collected.
//
// Usage: tfg-acq [OPTIONS]
//
// Example:
//
//	$> tfg-acq -addr localhost:1972 -chans 9 -v2 -time -frames 100 -live 100ms -o scan.txt
package main // import "github.com/go-lpc/tfg/cmd/tfg-acq"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/go-lpc/tfg/daserver"
	"github.com/go-lpc/tfg/datafile"
	"github.com/go-lpc/tfg/scaler"
	"github.com/go-lpc/tfg/status"
	"github.com/go-lpc/tfg/timing"
)

type config struct {
	addr    string
	timeout time.Duration
	module  string

	chans int
	v2    bool
	time  bool
	names []string

	frames int
	live   time.Duration
	dead   time.Duration
	mode   string

	logv  bool
	ratio bool

	out  string
	poll time.Duration
	mon  time.Duration
}

func main() {
	log.SetPrefix("tfg-acq: ")
	log.SetFlags(0)

	var (
		cfg   config
		names = flag.String("names", "", "comma-separated list of channel names")
	)
	flag.StringVar(&cfg.addr, "addr", "localhost:1972", "DA.Server address")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "command timeout")
	flag.StringVar(&cfg.module, "module", "Scalers", "name of the scaler memory module")
	flag.IntVar(&cfg.chans, "chans", 4, "number of scaler channels")
	flag.BoolVar(&cfg.v2, "v2", false, "TFGv2 hardware (live-time clock in channel 0)")
	flag.BoolVar(&cfg.time, "time", false, "prepend the live time to each row")
	flag.IntVar(&cfg.frames, "frames", 1, "number of frames")
	flag.DurationVar(&cfg.live, "live", time.Second, "live time of each frame")
	flag.DurationVar(&cfg.dead, "dead", time.Millisecond, "dead time of each frame")
	flag.StringVar(&cfg.mode, "mode", "count", "acquisition mode (count, step, stream)")
	flag.BoolVar(&cfg.logv, "log", false, "append ln(I0/It), from channels 0 and 1")
	flag.BoolVar(&cfg.ratio, "ratio", false, "append It/I0, from channels 0 and 1")
	flag.StringVar(&cfg.out, "o", "out.txt", "path to the output frame table")
	flag.DurationVar(&cfg.poll, "poll", 100*time.Millisecond, "period of busy polls")
	flag.DurationVar(&cfg.mon, "mon", 0, "period of progress reports (0: disabled)")

	flag.Parse()

	if *names != "" {
		cfg.names = strings.Split(*names, ",")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	start := time.Now()
	n, err := run(ctx, cfg, log.New(os.Stdout, "tfg-acq: ", 0))
	if err != nil {
		log.Fatalf("could not acquire frames: %+v", err)
	}
	log.Printf("acquired %s frames in %v -> %q", humanize.Comma(int64(n)), time.Since(start), cfg.out)
}

func run(ctx context.Context, cfg config, msg *log.Logger) (int, error) {
	cli, err := daserver.Dial(ctx, cfg.addr, daserver.WithTimeout(cfg.timeout), daserver.WithLogger(msg))
	if err != nil {
		return 0, fmt.Errorf("could not dial DA.Server: %w", err)
	}
	defer cli.Close()

	mem, err := daserver.OpenMemory(ctx, cli, cfg.module)
	if err != nil {
		return 0, fmt.Errorf("could not open scaler memory: %w", err)
	}
	defer mem.Close(context.Background())

	opts := []scaler.Option{
		scaler.WithLogger(msg),
		scaler.WithLayout(scaler.Layout{Channels: cfg.chans, V2: cfg.v2, TimeChannel: cfg.time}),
		scaler.WithPollPeriod(cfg.poll),
		scaler.WithDerived(scaler.Derived{LogValues: cfg.logv, Ratio: cfg.ratio, I0: 0, It: 1, Iref: -1}),
	}
	if len(cfg.names) > 0 {
		opts = append(opts, scaler.WithNames(cfg.names...))
	}
	dev, err := scaler.New(cli, mem, opts...)
	if err != nil {
		return 0, fmt.Errorf("could not create scaler device: %w", err)
	}
	dev.SetCollectionTime(cfg.live)

	fs := timing.FrameSet{Frames: cfg.frames, DeadTime: cfg.dead, LiveTime: cfg.live}
	if cfg.mode == "step" {
		fs.LivePause = 1
	}
	dev.AddFrameSet(fs)

	w, err := datafile.Create(cfg.out, dev.Columns())
	if err != nil {
		return 0, fmt.Errorf("could not create frame table: %w", err)
	}
	defer w.Close()

	acq, stop := context.WithCancel(ctx)
	defer stop()

	grp, acq := errgroup.WithContext(acq)
	if cfg.mon > 0 {
		dec := status.NewTextDecoder(cli, status.WithLogger(msg))
		dec.Expect(cfg.frames)
		mon := status.NewMonitor(dec, 1, dev.Program().ExperimentTime())
		mon.Freq = cfg.mon
		ch := make(chan status.Progress)
		grp.Go(func() error {
			return mon.Run(acq, ch)
		})
		grp.Go(func() error {
			for p := range ch {
				msg.Printf(
					"frame %d/%d [%s] %5.1f%% (elapsed: %v)",
					p.Frame, cfg.frames, p.State, p.Percent, p.Elapsed.Round(time.Millisecond),
				)
			}
			return nil
		})
	}
	grp.Go(func() error {
		defer stop()
		switch cfg.mode {
		case "count":
			return count(acq, dev, w, cfg)
		case "step":
			return step(acq, dev, w, cfg)
		case "stream":
			return stream(acq, dev, w, cfg)
		}
		return fmt.Errorf("invalid acquisition mode %q", cfg.mode)
	})

	err = grp.Wait()
	if err != nil {
		return w.Rows(), err
	}

	err = w.Close()
	if err != nil {
		return w.Rows(), fmt.Errorf("could not close frame table: %w", err)
	}
	return w.Rows(), nil
}

func count(ctx context.Context, dev *scaler.Device, w *datafile.Writer, cfg config) error {
	for i := 0; i < cfg.frames; i++ {
		err := dev.CollectData(ctx)
		if err != nil {
			return fmt.Errorf("could not count frame %d: %w", i, err)
		}
		row, err := readout(ctx, dev, cfg)
		if err != nil {
			return fmt.Errorf("could not read out frame %d: %w", i, err)
		}
		err = w.WriteRow(row)
		if err != nil {
			return err
		}
	}
	return nil
}

func step(ctx context.Context, dev *scaler.Device, w *datafile.Writer, cfg config) error {
	err := dev.LoadFrameSets(ctx)
	if err != nil {
		return fmt.Errorf("could not load frame sets: %w", err)
	}
	defer dev.AtScanLineEnd(ctx)

	for i := 0; i < cfg.frames; i++ {
		err := dev.CollectData(ctx)
		if err != nil {
			return fmt.Errorf("could not collect frame %d: %w", i, err)
		}
		row, err := readout(ctx, dev, cfg)
		if err != nil {
			return fmt.Errorf("could not read out frame %d: %w", i, err)
		}
		err = w.WriteRow(row)
		if err != nil {
			return err
		}
	}
	return nil
}

func readout(ctx context.Context, dev *scaler.Device, cfg config) ([]float64, error) {
	err := dev.WaitWhileBusy(ctx, cfg.live+cfg.dead+cfg.timeout)
	if err != nil {
		return nil, err
	}
	return dev.Readout(ctx)
}

func stream(ctx context.Context, dev *scaler.Device, w *datafile.Writer, cfg config) error {
	s, err := scaler.NewStream(dev,
		scaler.WithStreamTrigger(timing.Trigger{Mode: timing.Internal}),
		scaler.WithPoll(cfg.poll),
	)
	if err != nil {
		return fmt.Errorf("could not create stream: %w", err)
	}

	err = s.AtScanLineStart(ctx, cfg.frames)
	if err != nil {
		return fmt.Errorf("could not start acquisition: %w", err)
	}

	var errs []error
	for s.ReadSoFar() < cfg.frames {
		frames, err := s.Pull(ctx, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("could not read out frames: %w", err))
			break
		}
		err = w.Write(frames...)
		if err != nil {
			errs = append(errs, err)
			break
		}
	}

	err = s.WaitForReadoutCompletion(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	err = s.AtScanLineEnd(context.WithoutCancel(ctx))
	if err != nil {
		errs = append(errs, fmt.Errorf("could not end acquisition: %w", err))
	}
	return errors.Join(errs...)
}
