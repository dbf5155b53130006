// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package status decodes the status replies of a timing frame generator.
package status // import "github.com/go-lpc/tfg/status"

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-lpc/tfg"
	"golang.org/x/xerrors"
)

// Hardware states, as reported by "tfg read status".
const (
	Idle     = "IDLE"
	Running  = "RUNNING"
	Paused   = "PAUSED"
	ExtArmed = "EXT-ARMED"
)

// Keys queried, in order, during a polling pass.
var Keys = []string{"status show-armed", "progress", "status", "full", "lap", "frame"}

// Commander sends a textual command and returns the reply.
type Commander interface {
	SendCommand(ctx context.Context, cmd string) (string, error)
}

// Decoder reports the acquisition progress of a timing generator.
type Decoder interface {
	// FrameCount returns the number of completed frames.
	FrameCount(ctx context.Context) (int, error)
	// ArmedWaitingForTrigger returns whether the generator waits
	// for its external start trigger.
	ArmedWaitingForTrigger(ctx context.Context) (bool, error)
	// CurrentCycle returns the cycle being run.
	CurrentCycle(ctx context.Context) (int, error)
	// Busy returns whether the generator is running.
	Busy(ctx context.Context) (bool, error)
}

// Snapshot holds the replies of one polling pass.
type Snapshot struct {
	Armed    string // reply to "status show-armed"
	Progress string
	Status   string
	Full     string
	Lap      int
	Frame    int  // raw frame counter: two counts per frame
	FrameOK  bool // the frame counter was reported
}

// DecodeFrame converts the raw frame counter into a number of
// completed frames. The counter is incremented once at the start of
// the dead period and once at the start of the live period.
func DecodeFrame(raw int) int {
	if raw%2 == 0 {
		return raw / 2
	}
	return (raw - 1) / 2
}

// Frames returns the number of completed frames described by the
// snapshot, for a program of total frames.
//
// A missing counter means no frame is available yet. A zero counter
// means nothing was collected while the generator is armed or running,
// and that the program completed otherwise.
func (snap Snapshot) Frames(total int) int {
	if snap.Armed == ExtArmed || !snap.FrameOK {
		return 0
	}
	if snap.Frame == 0 {
		switch snap.Status {
		case Running, Paused:
			return 0
		}
		return total
	}
	n := DecodeFrame(snap.Frame)
	if total > 0 && n > total {
		n = total
	}
	return n
}

// ParseCycle extracts the cycle number out of a progress message
// such as "RUNNING: Cycle= 2, Frame=3277, ...".
func ParseCycle(progress string) (int, error) {
	progress = strings.TrimSpace(progress)
	if progress == "" || strings.HasPrefix(progress, Idle) {
		return 0, nil
	}
	msg := strings.NewReplacer("=", "", ",", "").Replace(progress)
	toks := strings.Fields(msg)
	if len(toks) < 3 {
		return 0, xerrors.Errorf("status: could not find cycle in progress %q: %w", progress, tfg.ErrDeviceFault)
	}
	v, err := strconv.Atoi(toks[2])
	if err != nil {
		return 0, xerrors.Errorf("status: could not parse cycle in progress %q (%v): %w", progress, err, tfg.ErrDeviceFault)
	}
	return v, nil
}

// TextDecoder decodes the textual status replies of a DA.Server.
type TextDecoder struct {
	conn  Commander
	msg   *log.Logger
	total atomic.Int64
}

var _ Decoder = (*TextDecoder)(nil)

// Option configures a TextDecoder.
type Option func(*TextDecoder)

// WithLogger sets the logger of the decoder.
func WithLogger(msg *log.Logger) Option {
	return func(dec *TextDecoder) { dec.msg = msg }
}

// NewTextDecoder creates a decoder sending its queries through conn.
func NewTextDecoder(conn Commander, opts ...Option) *TextDecoder {
	dec := &TextDecoder{
		conn: conn,
		msg:  log.New(os.Stdout, "status: ", 0),
	}
	for _, opt := range opts {
		opt(dec)
	}
	return dec
}

// Expect sets the number of frames of the running program.
// It is reported once the program completed.
func (dec *TextDecoder) Expect(total int) { dec.total.Store(int64(total)) }

func (dec *TextDecoder) read(ctx context.Context, key string) (string, error) {
	reply, err := dec.conn.SendCommand(ctx, "tfg read "+key)
	if err != nil {
		return "", xerrors.Errorf("status: could not read %q: %w", key, tfg.Fault(err))
	}
	return strings.TrimSpace(reply), nil
}

func atoi(key, reply string) (int, error) {
	if reply == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(reply)
	if err != nil {
		return 0, xerrors.Errorf("status: could not parse %q reply %q (%v): %w", key, reply, err, tfg.ErrDeviceFault)
	}
	return v, nil
}

// Poll queries all the status keys in one pass.
func (dec *TextDecoder) Poll(ctx context.Context) (Snapshot, error) {
	var (
		snap Snapshot
		vals = make(map[string]string, len(Keys))
	)
	for _, key := range Keys {
		v, err := dec.read(ctx, key)
		if err != nil {
			return snap, err
		}
		vals[key] = v
	}

	snap.Armed = vals["status show-armed"]
	snap.Progress = vals["progress"]
	snap.Status = vals["status"]
	snap.Full = vals["full"]

	var err error
	snap.Lap, err = atoi("lap", vals["lap"])
	if err != nil {
		return snap, err
	}
	snap.Frame, err = atoi("frame", vals["frame"])
	if err != nil {
		return snap, err
	}
	snap.FrameOK = vals["frame"] != ""
	return snap, nil
}

// FrameCount returns the number of frames completed so far.
func (dec *TextDecoder) FrameCount(ctx context.Context) (int, error) {
	snap, err := dec.Poll(ctx)
	if err != nil {
		return 0, err
	}
	return snap.Frames(int(dec.total.Load())), nil
}

// ArmedWaitingForTrigger returns whether the generator is armed and
// waits for its external trigger.
func (dec *TextDecoder) ArmedWaitingForTrigger(ctx context.Context) (bool, error) {
	v, err := dec.read(ctx, "status show-armed")
	if err != nil {
		return false, err
	}
	return v == ExtArmed, nil
}

// CurrentCycle returns the cycle currently run by the generator.
// An unparsable progress message is logged and reported as cycle 0.
func (dec *TextDecoder) CurrentCycle(ctx context.Context) (int, error) {
	v, err := dec.read(ctx, "progress")
	if err != nil {
		return 0, err
	}
	cycle, err := ParseCycle(v)
	if err != nil {
		dec.msg.Printf("could not decode current cycle: %+v", err)
		return 0, nil
	}
	return cycle, nil
}

// Busy returns whether the generator is running.
func (dec *TextDecoder) Busy(ctx context.Context) (bool, error) {
	v, err := dec.read(ctx, "status")
	if err != nil {
		return false, err
	}
	return v == Running, nil
}
