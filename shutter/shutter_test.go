// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shutter

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/tfg"
)

// fakeBus simulates the GPIO expander: requests reach their limit
// switch after a number of reads.
type fakeBus struct {
	mu     sync.Mutex
	status uint8
	target uint8
	delay  int
	writes []uint8
	stuck  bool
	err    error
}

func (bus *fakeBus) ReadReg(addr, reg uint8) (uint8, error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.err != nil {
		return 0, bus.err
	}
	if bus.delay > 0 {
		bus.delay--
		return 0, nil
	}
	if !bus.stuck && bus.target != 0 {
		bus.status = bus.target
	}
	return bus.status, nil
}

func (bus *fakeBus) WriteReg(addr, reg, v uint8) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.err != nil {
		return bus.err
	}
	bus.writes = append(bus.writes, v)
	switch v {
	case cmdOpen:
		bus.target = limOpen
		bus.delay = 2
	case cmdClose:
		bus.target = limClose
		bus.delay = 2
	}
	return nil
}

func newShutter(bus *fakeBus, opts ...Option) *Shutter {
	opts = append([]Option{
		WithPoll(time.Millisecond),
		WithLogger(log.New(io.Discard, "", 0)),
	}, opts...)
	return New(bus, 0x20, 0x01, opts...)
}

func TestShutter(t *testing.T) {
	ctx := context.Background()
	bus := &fakeBus{status: limOpen}
	sh := newShutter(bus)

	pos, err := sh.Position(ctx)
	if err != nil {
		t.Fatalf("could not read position: %+v", err)
	}
	if pos != Open {
		t.Fatalf("invalid position: got=%q, want=%q", pos, Open)
	}

	for _, pos := range []string{Close, Reset, Open} {
		err := sh.MoveTo(ctx, pos)
		if err != nil {
			t.Fatalf("could not move to %q: %+v", pos, err)
		}
	}

	pos, err = sh.Position(ctx)
	if err != nil {
		t.Fatalf("could not read position: %+v", err)
	}
	if pos != Open {
		t.Fatalf("invalid position: got=%q, want=%q", pos, Open)
	}

	want := []uint8{cmdClose, cmdReset, cmdOpen}
	if len(bus.writes) != len(want) {
		t.Fatalf("invalid writes: got=%v, want=%v", bus.writes, want)
	}
	for i := range want {
		if bus.writes[i] != want[i] {
			t.Fatalf("invalid write[%d]: got=%v, want=%v", i, bus.writes[i], want[i])
		}
	}

	if err := sh.Close(); err != nil {
		t.Fatalf("could not close shutter: %+v", err)
	}
}

func TestShutterErrors(t *testing.T) {
	ctx := context.Background()

	sh := newShutter(&fakeBus{})
	err := sh.MoveTo(ctx, "Ajar")
	if !errors.Is(err, tfg.ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}

	pos, err := sh.Position(ctx)
	if err != nil || pos != Unknown {
		t.Fatalf("invalid position: %q (err=%+v)", pos, err)
	}

	sh = newShutter(&fakeBus{status: limOpen, stuck: true}, WithTimeout(10*time.Millisecond))
	err = sh.MoveTo(ctx, Close)
	if !errors.Is(err, tfg.ErrDeviceFault) {
		t.Fatalf("invalid stuck-shutter error: %+v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	sh = newShutter(&fakeBus{status: limOpen, stuck: true}, WithTimeout(time.Minute))
	err = sh.MoveTo(cctx, Close)
	if !errors.Is(err, tfg.ErrInterrupted) || errors.Is(err, tfg.ErrDeviceFault) {
		t.Fatalf("invalid cancelled-move error: %+v", err)
	}

	sh = newShutter(&fakeBus{err: io.ErrUnexpectedEOF})
	err = sh.MoveTo(ctx, Open)
	if !errors.Is(err, tfg.ErrDeviceFault) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid bus error: %+v", err)
	}
	_, err = sh.Position(ctx)
	if !errors.Is(err, tfg.ErrDeviceFault) {
		t.Fatalf("invalid bus error: %+v", err)
	}
}
