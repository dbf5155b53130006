// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scaler reads out and corrects the frames of a time-framed
// scaler.
package scaler // import "github.com/go-lpc/tfg/scaler"

import (
	"context"
	"fmt"
	"time"

	"github.com/go-lpc/tfg"
)

// Memory is the counter memory of a scaler.
type Memory interface {
	Clear(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Read returns nframes×nplanes×nchans counters, in frame-major order.
	Read(ctx context.Context, ch, plane, frame, nchans, nplanes, nframes int) ([]uint32, error)
}

// LiveTimeFunc returns the requested live time of a frame.
type LiveTimeFunc func(frame int) (time.Duration, bool)

// Frame is the readout of one frame.
type Frame struct {
	Index   int
	Time    float64       // live time, in seconds, when a time channel is required
	Live    time.Duration // live time, when known
	Data    []float64     // data channels
	Derived []float64     // derived channels

	hasTime bool
}

// Row returns the readout row of the frame: the optional time channel,
// followed by the data channels and the derived channels.
func (f Frame) Row() []float64 {
	n := len(f.Data) + len(f.Derived)
	if f.hasTime {
		n++
	}
	row := make([]float64, 0, n)
	if f.hasTime {
		row = append(row, f.Time)
	}
	row = append(row, f.Data...)
	row = append(row, f.Derived...)
	return row
}

// Window returns a copy of the frame restricted to the n data channels
// starting at first. Derived channels are dropped.
func (f Frame) Window(first, n int) (Frame, error) {
	if first < 0 || n <= 0 || first+n > len(f.Data) {
		return Frame{}, fmt.Errorf(
			"scaler: window [%d, %d) out of range [0, %d): %w",
			first, first+n, len(f.Data), tfg.ErrConfig,
		)
	}
	o := f
	o.Data = append([]float64(nil), f.Data[first:first+n]...)
	o.Derived = nil
	return o, nil
}

// HasTime reports whether the row of the frame starts with a time channel.
func (f Frame) HasTime() bool { return f.hasTime }

// Engine reads out frames from a scaler memory.
type Engine struct {
	mem  Memory
	lay  Layout
	live LiveTimeFunc
}

// NewEngine creates a readout engine for the given channel layout.
// live provides the requested live time of frames for TFGv1 hardware.
func NewEngine(mem Memory, lay Layout, live LiveTimeFunc) (*Engine, error) {
	err := lay.Validate()
	if err != nil {
		return nil, err
	}
	return &Engine{mem: mem, lay: lay, live: live}, nil
}

// Layout returns the channel layout of the engine.
func (eng *Engine) Layout() Layout { return eng.lay }

func checkRange(start, final int) error {
	if start < 0 || final < start {
		return fmt.Errorf("scaler: invalid frame range [%d, %d]: %w", start, final, tfg.ErrConfig)
	}
	return nil
}

// ReadRaw reads the full hardware width of the frames in [start, final]
// with a single memory read.
func (eng *Engine) ReadRaw(ctx context.Context, start, final int) ([][]uint32, error) {
	err := checkRange(start, final)
	if err != nil {
		return nil, err
	}
	var (
		n      = final - start + 1
		nchans = eng.lay.Channels
	)
	buf, err := eng.mem.Read(ctx, 0, 0, start, nchans, 1, n)
	if err != nil {
		return nil, fmt.Errorf("scaler: could not read frames [%d, %d]: %w", start, final, tfg.Fault(err))
	}
	if len(buf) != n*nchans {
		return nil, fmt.Errorf(
			"scaler: invalid number of counters (got=%d, want=%d): %w",
			len(buf), n*nchans, tfg.ErrLengthMismatch,
		)
	}

	out := make([][]uint32, n)
	for i := range out {
		out[i] = buf[i*nchans : (i+1)*nchans : (i+1)*nchans]
	}
	return out, nil
}

// ReadFrames reads the frames in [start, final] and reduces them to
// the channel layout of the engine.
func (eng *Engine) ReadFrames(ctx context.Context, start, final int) ([]Frame, error) {
	raw, err := eng.ReadRaw(ctx, start, final)
	if err != nil {
		return nil, err
	}
	out := make([]Frame, len(raw))
	for i, vs := range raw {
		out[i], err = eng.reduce(start+i, vs)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (eng *Engine) reduce(index int, raw []uint32) (Frame, error) {
	f := Frame{Index: index, hasTime: eng.lay.TimeChannel}
	switch {
	case eng.lay.V2:
		ticks := raw[0]
		raw = raw[1:]
		f.Time = float64(ticks) / ClockFreq
		f.Live = time.Duration(float64(ticks) * float64(time.Second) / ClockFreq)
	default:
		var (
			live time.Duration
			ok   bool
		)
		if eng.live != nil {
			live, ok = eng.live(index)
		}
		if ok {
			f.Live = live
			f.Time = live.Seconds()
		}
		if eng.lay.TimeChannel && !ok {
			return f, fmt.Errorf("scaler: no live time for frame %d: %w", index, tfg.ErrConfig)
		}
	}
	if !eng.lay.TimeChannel {
		f.Time = 0
	}

	beg := eng.lay.FirstChannel
	end := beg + eng.lay.Width()
	f.Data = make([]float64, 0, end-beg)
	for _, v := range raw[beg:end] {
		f.Data = append(f.Data, float64(v))
	}
	return f, nil
}
