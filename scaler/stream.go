// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scaler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/timing"
)

// ErrReadoutInProgress is returned when a pull overlaps another one.
var ErrReadoutInProgress = errors.New("scaler: readout in progress")

// State is the state of a hardware-triggered stream.
type State int

const (
	Idle      State = iota
	Armed           // waiting for the first trigger
	Streaming       // frames are being collected
	Faulted         // unrecoverable device error, until the next scan line
)

func (st State) String() string {
	switch st {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Streaming:
		return "streaming"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("State(%d)", int(st))
}

// Stream delivers the frames of a hardware-triggered scan line, as they
// are collected.
//
// Frames are delivered exactly once, in increasing index order.
type Stream struct {
	dev  *Device
	msg  *log.Logger
	trig timing.Trigger
	poll time.Duration // poll period while waiting for frames
	wait time.Duration // poll period while waiting for a readout to complete

	mu     sync.Mutex
	state  State
	points int
	soFar  int // frames read out from hardware so far
	total  int

	readingOut atomic.Bool
	pos        *PositionStream
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamTrigger sets the trigger of the stream (default: external
// trigger on TTL socket 0).
func WithStreamTrigger(trig timing.Trigger) StreamOption {
	return func(s *Stream) { s.trig = trig }
}

// WithPoll sets the period used to poll the hardware for new frames.
func WithPoll(d time.Duration) StreamOption {
	return func(s *Stream) { s.poll = d }
}

// WithReadoutPoll sets the period used by WaitForReadoutCompletion.
func WithReadoutPoll(d time.Duration) StreamOption {
	return func(s *Stream) { s.wait = d }
}

// NewStream creates a hardware-triggered stream reading out dev.
// TFGv1 hardware can not provide a time channel for triggered frames.
func NewStream(dev *Device, opts ...StreamOption) (*Stream, error) {
	s := &Stream{
		dev:  dev,
		msg:  dev.msg,
		trig: timing.Trigger{Mode: timing.External},
		poll: time.Second,
		wait: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.poll <= 0 || s.wait <= 0 {
		return nil, fmt.Errorf("scaler: invalid stream poll periods: %w", tfg.ErrConfig)
	}
	if lay := dev.Layout(); lay.TimeChannel && !lay.V2 && s.trig.Mode == timing.External {
		return nil, fmt.Errorf("scaler: TFGv1 can not provide a time channel for triggered frames: %w", tfg.ErrConfig)
	}
	s.pos = &PositionStream{s: s, frames: make(map[int]Frame)}
	return s, nil
}

// State returns the state of the stream.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReadSoFar returns the number of frames read out from hardware since
// the start of the scan line.
func (s *Stream) ReadSoFar() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soFar
}

// Positions returns the position stream of the current scan line.
func (s *Stream) Positions() *PositionStream { return s.pos }

func (s *Stream) fault(err error) error {
	s.mu.Lock()
	s.state = Faulted
	s.mu.Unlock()
	s.msg.Printf("stream faulted: %+v", err)
	return err
}

// AtScanLineStart arms the timing generator for a scan line of the
// given number of points, using the frame sets of the device.
func (s *Stream) AtScanLineStart(ctx context.Context, points int) error {
	if points <= 0 {
		return fmt.Errorf("scaler: invalid number of points %d: %w", points, tfg.ErrConfig)
	}
	total := s.dev.prog.Frames()
	if total == 0 {
		return fmt.Errorf("scaler: no frame set: %w", tfg.ErrConfig)
	}

	s.mu.Lock()
	s.state = Idle
	s.points = points
	s.soFar = 0
	s.total = total
	s.mu.Unlock()
	s.pos.reset()

	err := s.dev.AtScanLineStart(ctx)
	if err != nil {
		return s.fault(err)
	}

	err = s.dev.mem.Clear(ctx)
	if err != nil {
		return s.fault(fmt.Errorf("scaler: could not clear memory: %w", tfg.Fault(err)))
	}
	err = s.dev.mem.Start(ctx)
	if err != nil {
		return s.fault(fmt.Errorf("scaler: could not start memory: %w", tfg.Fault(err)))
	}

	trig := s.dev.trig
	s.dev.trig = s.trig
	err = s.dev.upload(ctx)
	s.dev.trig = trig
	if err != nil {
		return s.fault(err)
	}

	if s.trig.Mode == timing.Internal {
		err = s.dev.upl.Start(ctx)
		if err != nil {
			return s.fault(fmt.Errorf("scaler: could not start timing generator: %w", err))
		}
	}

	s.mu.Lock()
	s.state = Armed
	s.mu.Unlock()
	s.msg.Printf("armed for %d frames (%s trigger)", total, s.trig.Mode)
	return nil
}

// AtScanLineEnd disarms the timing generator and resets the cursors.
func (s *Stream) AtScanLineEnd(ctx context.Context) error {
	s.mu.Lock()
	s.state = Idle
	s.soFar = 0
	s.total = 0
	s.mu.Unlock()
	s.pos.reset()

	var errs []error
	if s.trig.Mode == timing.External {
		err := s.dev.upl.DisableTriggers(ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}
	err := s.dev.mem.Stop(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("scaler: could not stop memory: %w", tfg.Fault(err)))
	}
	errs = append(errs, s.dev.AtScanLineEnd(ctx))
	return errors.Join(errs...)
}

// Pull returns the frames collected since the previous pull, at most
// limit of them when limit is positive.
// Pull waits for new frames for up to the expected duration of the scan
// line, and returns no frame if none was collected in the meantime.
func (s *Stream) Pull(ctx context.Context, limit int) ([]Frame, error) {
	if !s.readingOut.CompareAndSwap(false, true) {
		return nil, ErrReadoutInProgress
	}
	defer s.readingOut.Store(false)

	s.mu.Lock()
	var (
		state  = s.state
		soFar  = s.soFar
		total  = s.total
		points = s.points
	)
	s.mu.Unlock()

	switch state {
	case Idle:
		return nil, fmt.Errorf("scaler: stream not armed: %w", tfg.ErrConfig)
	case Faulted:
		return nil, fmt.Errorf("scaler: stream faulted: %w", tfg.ErrDeviceFault)
	}
	if soFar >= total {
		return nil, nil
	}

	expected := time.Duration(points) * s.dev.CollectionTime()
	if d := s.dev.prog.ExperimentTime(); d > expected {
		expected = d
	}
	deadline := time.Now().Add(expected)

	var avail int
	for {
		n, err := s.dev.dec.FrameCount(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("scaler: %w: %w", tfg.ErrInterrupted, ctx.Err())
			}
			return nil, s.fault(fmt.Errorf("scaler: could not read frame count: %w", tfg.Fault(err)))
		}
		avail = min(max(n, soFar), total)
		if avail > soFar {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		err = sleep(ctx, min(s.poll, time.Until(deadline)))
		if err != nil {
			return nil, err
		}
	}
	if limit > 0 && avail > soFar+limit {
		avail = soFar + limit
	}

	frames, err := s.dev.frames(ctx, soFar, avail-1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("scaler: %w: %w", tfg.ErrInterrupted, ctx.Err())
		}
		return nil, s.fault(err)
	}

	s.mu.Lock()
	s.soFar = avail
	s.state = Streaming
	s.mu.Unlock()
	return frames, nil
}

// WaitForReadoutCompletion waits until no pull is in flight.
func (s *Stream) WaitForReadoutCompletion(ctx context.Context) error {
	if !s.readingOut.Load() {
		return nil
	}
	tck := time.NewTicker(s.wait)
	defer tck.Stop()
	for s.readingOut.Load() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("scaler: %w: %w", tfg.ErrInterrupted, ctx.Err())
		case <-tck.C:
		}
	}
	return nil
}

// PositionStream hands out the frames of a scan line by index, for
// scans correlating frames with motor positions.
type PositionStream struct {
	s *Stream

	mu     sync.Mutex
	frames map[int]Frame
}

func (ps *PositionStream) reset() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	clear(ps.frames)
}

// Get returns the frame of the given index, pulling frames from the
// stream until it is available.
// Each frame can be retrieved only once.
func (ps *PositionStream) Get(ctx context.Context, index int) (Frame, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for {
		if f, ok := ps.frames[index]; ok {
			delete(ps.frames, index)
			return f, nil
		}

		soFar, total := ps.s.cursor()
		switch {
		case index < 0 || index >= total:
			return Frame{}, fmt.Errorf("scaler: frame %d out of range [0, %d): %w", index, total, tfg.ErrConfig)
		case index < soFar:
			return Frame{}, fmt.Errorf("scaler: frame %d already consumed: %w", index, tfg.ErrConfig)
		}

		frames, err := ps.s.Pull(ctx, 0)
		if err != nil {
			return Frame{}, err
		}
		for _, f := range frames {
			ps.frames[f.Index] = f
		}
		if len(frames) == 0 {
			if err := ctx.Err(); err != nil {
				return Frame{}, fmt.Errorf("scaler: %w: %w", tfg.ErrInterrupted, err)
			}
		}
	}
}

func (s *Stream) cursor() (soFar, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soFar, s.total
}
