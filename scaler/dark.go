// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scaler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-lpc/tfg"
)

// Shutter positions.
const (
	ShutterOpen  = "Open"
	ShutterClose = "Close"
	ShutterReset = "Reset"
)

// Shutter is the beam shutter closed during dark-current measurements.
type Shutter interface {
	MoveTo(ctx context.Context, pos string) error
	Position(ctx context.Context) (string, error)
}

// DarkCurrent configures dark-current measurements.
type DarkCurrent struct {
	Shutter Shutter
	Time    time.Duration // collection time of the measurement (default 1s)
	NoReset bool          // do not reset the shutter before re-opening it
	Timeout time.Duration // bound on each wait for the device (default 60s)
}

// DarkState is the state of a dark-current measurement.
type DarkState int32

const (
	DarkIdle DarkState = iota
	DarkWaitForBusyDevice
	DarkShutterClosing
	DarkMeasuring
	DarkShutterRestoring
)

func (st DarkState) String() string {
	switch st {
	case DarkIdle:
		return "idle"
	case DarkWaitForBusyDevice:
		return "wait-for-busy-device"
	case DarkShutterClosing:
		return "shutter-closing"
	case DarkMeasuring:
		return "measuring"
	case DarkShutterRestoring:
		return "shutter-restoring"
	}
	return fmt.Sprintf("DarkState(%d)", int32(st))
}

type darkCoordinator struct {
	cfg   DarkCurrent
	msg   *log.Logger
	state atomic.Int32
}

func newDarkCoordinator(cfg DarkCurrent, msg *log.Logger) (*darkCoordinator, error) {
	if cfg.Shutter == nil {
		return nil, fmt.Errorf("scaler: dark current requires a shutter: %w", tfg.ErrConfig)
	}
	if cfg.Time < 0 || cfg.Timeout < 0 {
		return nil, fmt.Errorf("scaler: invalid dark-current timing: %w", tfg.ErrConfig)
	}
	if cfg.Time == 0 {
		cfg.Time = time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &darkCoordinator{cfg: cfg, msg: msg}, nil
}

func (dc *darkCoordinator) State() DarkState { return DarkState(dc.state.Load()) }

func (dc *darkCoordinator) set(st DarkState) {
	dc.state.Store(int32(st))
}

// acquire measures the dark current with the shutter closed.
// No baseline is returned unless the whole sequence succeeded.
func (dc *darkCoordinator) acquire(ctx context.Context, dev *Device) (b Baseline, err error) {
	defer dc.set(DarkIdle)

	dc.set(DarkWaitForBusyDevice)
	err = dev.WaitWhileBusy(ctx, dc.cfg.Timeout)
	if err != nil {
		return b, fmt.Errorf("scaler: could not wait for device before dark current: %w", err)
	}

	dc.set(DarkShutterClosing)
	pos, err := dc.cfg.Shutter.Position(ctx)
	if err != nil {
		return b, fmt.Errorf("scaler: could not read shutter position: %w", tfg.Fault(err))
	}
	if pos != ShutterClose {
		err = dc.cfg.Shutter.MoveTo(ctx, ShutterClose)
		if err != nil {
			return b, fmt.Errorf("scaler: could not close shutter: %w", tfg.Fault(err))
		}
	}
	defer func() {
		if pos != ShutterOpen {
			if pos != ShutterClose {
				dc.msg.Printf("shutter left closed (position before dark current: %q)", pos)
			}
			return
		}
		dc.set(DarkShutterRestoring)
		err = errors.Join(err, dc.reopen(ctx))
		if err != nil {
			b = Baseline{}
		}
	}()

	dc.set(DarkMeasuring)
	orig := dev.CollectionTime()
	dev.SetCollectionTime(dc.cfg.Time)
	defer dev.SetCollectionTime(orig)

	f, err := dc.measure(ctx, dev)
	if err != nil {
		return b, err
	}

	b.CollectionTime = dc.cfg.Time.Seconds()
	if f.Live > 0 {
		b.CollectionTime = f.Live.Seconds()
	}
	b.Counts = f.Data
	dc.msg.Printf("dark current: %v (t=%gs)", b.Counts, b.CollectionTime)
	return b, nil
}

func (dc *darkCoordinator) measure(ctx context.Context, dev *Device) (Frame, error) {
	err := dev.countFrame(ctx, dc.cfg.Time)
	if err != nil {
		return Frame{}, fmt.Errorf("scaler: could not measure dark current: %w", err)
	}

	err = sleep(ctx, dc.cfg.Time)
	if err != nil {
		return Frame{}, fmt.Errorf("scaler: could not measure dark current: %w", err)
	}

	err = dev.WaitWhileBusy(ctx, dc.cfg.Timeout)
	if err != nil {
		return Frame{}, fmt.Errorf("scaler: could not measure dark current: %w", err)
	}

	frames, err := dev.engine.ReadFrames(ctx, 0, 0)
	if err != nil {
		return Frame{}, fmt.Errorf("scaler: could not read dark current: %w", err)
	}
	return frames[0], nil
}

func (dc *darkCoordinator) reopen(ctx context.Context) error {
	if !dc.cfg.NoReset {
		err := dc.cfg.Shutter.MoveTo(ctx, ShutterReset)
		if err != nil {
			return fmt.Errorf("scaler: could not reset shutter: %w", tfg.Fault(err))
		}
	}
	err := dc.cfg.Shutter.MoveTo(ctx, ShutterOpen)
	if err != nil {
		return fmt.Errorf("scaler: could not open shutter: %w", tfg.Fault(err))
	}
	return nil
}

// sleep waits for d, or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("scaler: %w: %w", tfg.ErrInterrupted, ctx.Err())
	case <-tmr.C:
		return nil
	}
}
