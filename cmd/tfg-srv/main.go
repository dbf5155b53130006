// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tfg-srv starts a TDAQ server reading out a time-framed scaler.
//
// Usage: tfg-srv [TDAQ-OPTIONS] config.yaml
//
// Setting TFG_PMON to a file path enables process monitoring, with
// pmon, of the server itself.
package main // import "github.com/go-lpc/tfg/cmd/tfg-srv"

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/sbinet/pmon"

	"github.com/go-lpc/tfg/daq"
)

func main() {
	log.SetPrefix("tfg-srv: ")
	log.SetFlags(0)

	cmd := flags.New()
	if len(cmd.Args) == 0 {
		log.Fatalf("missing path to configuration file")
	}

	cfg, err := loadConfig(cmd.Args[0])
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}

	dev, err := daq.NewServer(cfg)
	if err != nil {
		log.Fatalf("could not create scaler server: %+v", err)
	}

	if fname := os.Getenv("TFG_PMON"); fname != "" {
		stop, err := monitor(fname, time.Second)
		if err != nil {
			log.Fatalf("could not start monitoring: %+v", err)
		}
		defer stop()
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/frames", dev.Frames)

	srv.RunHandle(dev.Run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func loadConfig(fname string) (daq.Config, error) {
	f, err := os.Open(fname)
	if err != nil {
		return daq.Config{}, fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	cfg, err := daq.LoadConfig(f)
	if err != nil {
		return cfg, fmt.Errorf("could not decode %q: %w", fname, err)
	}
	return cfg, nil
}

// monitor runs pmon on the current process, writing to fname.
func monitor(fname string, freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not monitor pid=%d: %w", os.Getpid(), err)
	}
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file %q: %w", fname, err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}
