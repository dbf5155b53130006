// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timing

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-lpc/tfg"
)

// Commander sends a textual command to the timing generator and
// returns its reply.
type Commander interface {
	SendCommand(ctx context.Context, cmd string) (string, error)
}

// Mode describes how frames are started.
type Mode int

const (
	Internal Mode = iota // frames are paced by the timing generator
	External             // frames are paced by an external TTL trigger
)

func (m Mode) String() string {
	switch m {
	case Internal:
		return "internal"
	case External:
		return "external"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Trigger configures the triggering of a program.
type Trigger struct {
	Mode   Mode
	Socket int // TTL input socket, for external triggering
}

// TriggerPortOffset is the offset between a TTL socket number and the
// pause code that waits on that socket.
const TriggerPortOffset = 8

// Uploader uploads programs to a timing frame generator.
type Uploader struct {
	conn Commander
	msg  *log.Logger

	manualStart bool // defer "tfg start" to the caller, in internal mode
	extStart    bool // wait for an external start, in internal mode

	loaded bool
	total  int
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithManualStart defers the start of internally triggered programs
// to an explicit call to Start.
func WithManualStart(v bool) Option {
	return func(u *Uploader) { u.manualStart = v }
}

// WithExtStart makes internally paced programs wait for an external
// start signal once armed.
func WithExtStart(v bool) Option {
	return func(u *Uploader) { u.extStart = v }
}

// WithLogger sets the logger of the uploader.
func WithLogger(msg *log.Logger) Option {
	return func(u *Uploader) { u.msg = msg }
}

// NewUploader creates an uploader sending its commands through conn.
func NewUploader(conn Commander, opts ...Option) *Uploader {
	u := &Uploader{
		conn: conn,
		msg:  log.New(os.Stdout, "timing: ", 0),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Loaded returns whether a program has been successfully uploaded.
func (u *Uploader) Loaded() bool { return u.loaded }

// Total returns the number of frames of the last uploaded program.
func (u *Uploader) Total() int { return u.total }

// Reset forgets about the last uploaded program.
func (u *Uploader) Reset() {
	u.loaded = false
	u.total = 0
}

// Upload sends the program and its trigger configuration as a single
// request, and arms (or starts) the timing generator.
func (u *Uploader) Upload(ctx context.Context, p *Program, trig Trigger) error {
	if p == nil || p.Len() == 0 {
		return fmt.Errorf("timing: could not upload empty program: %w", tfg.ErrConfig)
	}

	u.loaded = false
	u.total = 0

	var cmds []string
	switch trig.Mode {
	case Internal:
		cmds = append(cmds, p.setupGroups(u.extStart, -1))
		switch {
		case u.extStart:
			cmds = append(cmds, "tfg arm")
		case !u.manualStart:
			cmds = append(cmds, "tfg start")
		}
	case External:
		if trig.Socket < 0 {
			return fmt.Errorf("timing: invalid trigger socket %d: %w", trig.Socket, tfg.ErrConfig)
		}
		cmds = append(cmds,
			"tfg setup-trig start",
			fmt.Sprintf("tfg setup-trig start ttl%d", trig.Socket),
			p.setupGroups(true, trig.Socket+TriggerPortOffset),
			"tfg arm",
		)
	default:
		return fmt.Errorf("timing: invalid trigger mode %v: %w", trig.Mode, tfg.ErrConfig)
	}

	_, err := u.conn.SendCommand(ctx, strings.Join(cmds, "\n"))
	if err != nil {
		return fmt.Errorf("timing: could not upload program (%s trigger): %w", trig.Mode, tfg.Fault(err))
	}

	u.loaded = true
	u.total = p.Frames()
	u.msg.Printf("uploaded %d frame sets (%d frames, %s trigger)", p.Len(), u.total, trig.Mode)
	return nil
}

func (u *Uploader) send(ctx context.Context, cmd string) error {
	_, err := u.conn.SendCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("timing: could not send %q: %w", cmd, tfg.Fault(err))
	}
	return nil
}

// Start starts a loaded program.
func (u *Uploader) Start(ctx context.Context) error { return u.send(ctx, "tfg start") }

// Arm arms a loaded program, waiting for its start trigger.
func (u *Uploader) Arm(ctx context.Context) error { return u.send(ctx, "tfg arm") }

// Continue resumes a paused program.
func (u *Uploader) Continue(ctx context.Context) error { return u.send(ctx, "tfg cont") }

// Stop aborts the running program.
func (u *Uploader) Stop(ctx context.Context) error { return u.send(ctx, "tfg init") }

// DisableTriggers disables all external start triggers.
func (u *Uploader) DisableTriggers(ctx context.Context) error {
	return u.send(ctx, "tfg setup-trig start")
}

// CountAsync counts a single frame of duration d and returns
// without waiting for its completion.
// CountAsync replaces any loaded program.
func (u *Uploader) CountAsync(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("timing: invalid count time %v: %w", d, tfg.ErrConfig)
	}
	u.loaded = false
	u.total = 0
	return u.send(ctx, fmt.Sprintf("tfg generate 1 1 0.001 %s 0\ntfg start", seconds(d)))
}
