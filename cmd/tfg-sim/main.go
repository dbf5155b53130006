// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tfg-sim runs a simulated timing frame generator and scaler
// behind a DA.Server-like TCP endpoint.
//
// Usage: tfg-sim [OPTIONS]
//
// Example:
//
//	$> tfg-sim -addr :1972 -chans 9 -v2 -pulse 100ms -mem ./scalers.dat
package main // import "github.com/go-lpc/tfg/cmd/tfg-sim"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-lpc/tfg/daserver"
	"github.com/go-lpc/tfg/internal/tfgsim"
	"github.com/go-lpc/tfg/memdev"
)

type config struct {
	chans  int
	v2     bool
	pulse  time.Duration // period of the external trigger pulser (0: none)
	mem    string        // counter file mirroring collected frames
	frames int           // capacity of the counter file
}

func main() {
	log.SetPrefix("tfg-sim: ")
	log.SetFlags(0)

	var (
		addr = flag.String("addr", ":1972", "[ip]:port to listen on")
		cfg  config
	)
	flag.IntVar(&cfg.chans, "chans", 4, "number of scaler channels")
	flag.BoolVar(&cfg.v2, "v2", false, "simulate TFGv2 hardware (live-time clock in channel 0)")
	flag.DurationVar(&cfg.pulse, "pulse", 0, "period of the external trigger pulser")
	flag.StringVar(&cfg.mem, "mem", "", "path to a counter file mirroring collected frames")
	flag.IntVar(&cfg.frames, "frames", 1024, "capacity (in frames) of the counter file")

	flag.Parse()

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("could not listen on %q: %+v", *addr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log.Printf("serving simulated TFG on %q...", lis.Addr())
	err = run(ctx, lis, cfg)
	if err != nil {
		log.Fatalf("could not run simulator: %+v", err)
	}
}

func run(ctx context.Context, lis net.Listener, cfg config) error {
	msg := log.New(os.Stdout, "tfg-sim: ", 0)
	opts := []tfgsim.Option{
		tfgsim.WithChannels(cfg.chans),
		tfgsim.WithV2(cfg.v2),
		tfgsim.WithLogger(msg),
	}

	if cfg.mem != "" {
		mem, err := memdev.Open(cfg.mem, cfg.frames, 1, cfg.chans)
		if err != nil {
			return fmt.Errorf("could not open counter file %q: %w", cfg.mem, err)
		}
		defer mem.Close()
		err = mem.Start(ctx)
		if err != nil {
			return fmt.Errorf("could not enable counter file: %w", err)
		}
		opts = append(opts, tfgsim.WithSink(mem))
	}

	sim := tfgsim.New(opts...)

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return daserver.Serve(ctx, lis, sim, msg)
	})
	if cfg.pulse > 0 {
		grp.Go(func() error {
			return pulse(ctx, sim, cfg.pulse)
		})
	}

	return grp.Wait()
}

// pulse sends an external trigger every period, until ctx is done.
func pulse(ctx context.Context, sim *tfgsim.Sim, period time.Duration) error {
	tck := time.NewTicker(period)
	defer tck.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tck.C:
			sim.Trigger(1)
		}
	}
}
