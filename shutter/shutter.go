// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shutter drives a beam shutter through an SMBus GPIO expander.
//
// The expander exposes a single 8b register:
//
//	bit 0: open request
//	bit 1: close request
//	bit 2: interlock reset
//	bit 4: open limit switch
//	bit 5: closed limit switch
package shutter // import "github.com/go-lpc/tfg/shutter"

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-daq/smbus"
	"github.com/go-lpc/tfg"
)

// Positions of the shutter.
const (
	Open    = "Open"
	Close   = "Close"
	Reset   = "Reset"
	Unknown = "Unknown"
)

const (
	cmdOpen  = 1 << 0
	cmdClose = 1 << 1
	cmdReset = 1 << 2

	limOpen  = 1 << 4
	limClose = 1 << 5
)

// Bus is a register-level SMBus connection.
type Bus interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
}

// Shutter is a beam shutter driven over SMBus.
type Shutter struct {
	bus  Bus
	addr uint8
	reg  uint8
	msg  *log.Logger

	poll    time.Duration
	timeout time.Duration
	closer  io.Closer
}

// Option configures a Shutter.
type Option func(*Shutter)

// WithPoll sets the period used to poll the limit switches.
func WithPoll(d time.Duration) Option {
	return func(sh *Shutter) { sh.poll = d }
}

// WithTimeout bounds the duration of a move.
func WithTimeout(d time.Duration) Option {
	return func(sh *Shutter) { sh.timeout = d }
}

// WithLogger sets the logger of the shutter.
func WithLogger(msg *log.Logger) Option {
	return func(sh *Shutter) { sh.msg = msg }
}

// New creates a shutter driven through the register reg of the device
// at addr on bus.
func New(bus Bus, addr, reg uint8, opts ...Option) *Shutter {
	sh := &Shutter{
		bus:     bus,
		addr:    addr,
		reg:     reg,
		msg:     log.New(os.Stdout, "shutter: ", 0),
		poll:    50 * time.Millisecond,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(sh)
	}
	return sh
}

// NewSMBus opens the SMBus bus and creates a shutter driven through
// the register reg of the device at addr.
func NewSMBus(bus int, addr, reg uint8, opts ...Option) (*Shutter, error) {
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("shutter: could not open smbus-%d (addr=0x%x): %w", bus, addr, tfg.Fault(err))
	}
	sh := New(conn, addr, reg, opts...)
	sh.closer = conn
	return sh, nil
}

// Close closes the underlying bus, if owned by the shutter.
func (sh *Shutter) Close() error {
	if sh.closer == nil {
		return nil
	}
	return sh.closer.Close()
}

// Position returns the position reported by the limit switches.
func (sh *Shutter) Position(ctx context.Context) (string, error) {
	v, err := sh.bus.ReadReg(sh.addr, sh.reg)
	if err != nil {
		return Unknown, fmt.Errorf("shutter: could not read status: %w", tfg.Fault(err))
	}
	switch {
	case v&limOpen != 0 && v&limClose == 0:
		return Open, nil
	case v&limClose != 0 && v&limOpen == 0:
		return Close, nil
	}
	return Unknown, nil
}

// MoveTo moves the shutter to pos and waits for the corresponding limit
// switch. A reset is not waited for.
func (sh *Shutter) MoveTo(ctx context.Context, pos string) error {
	var cmd uint8
	switch pos {
	case Open:
		cmd = cmdOpen
	case Close:
		cmd = cmdClose
	case Reset:
		cmd = cmdReset
	default:
		return fmt.Errorf("shutter: invalid position %q: %w", pos, tfg.ErrConfig)
	}

	err := sh.bus.WriteReg(sh.addr, sh.reg, cmd)
	if err != nil {
		return fmt.Errorf("shutter: could not request %q: %w", pos, tfg.Fault(err))
	}
	if pos == Reset {
		return nil
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()

	tck := time.NewTicker(sh.poll)
	defer tck.Stop()
	for {
		cur, err := sh.Position(ctx)
		if err != nil {
			return err
		}
		if cur == pos {
			sh.msg.Printf("shutter %s", pos)
			return nil
		}
		select {
		case <-ctx.Done():
			if err := parent.Err(); err != nil {
				return fmt.Errorf("shutter: move to %q (position=%q): %w: %w", pos, cur, tfg.ErrInterrupted, err)
			}
			return fmt.Errorf("shutter: could not reach %q (position=%q): %w: %w", pos, cur, tfg.ErrDeviceFault, ctx.Err())
		case <-tck.C:
		}
	}
}
