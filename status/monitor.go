// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package status

import (
	"context"
	"time"
)

// State describes where the generator stands within a frame.
type State string

const (
	DeadFrame State = "DEAD FRAME"
	LiveFrame State = "LIVE FRAME"
	DeadPause State = "DEAD PAUSE"
	LivePause State = "LIVE PAUSE"
	Waiting   State = "WAITING"
	Stopped   State = "IDLE"
)

// Progress is a report of the acquisition progress.
type Progress struct {
	Elapsed time.Duration // counting time since the start, pauses excluded
	Frame   int           // 1-based frame being run
	Cycle   int           // 1-based cycle being run
	State   State
	Percent float64 // completion, against the expected experiment time
}

// Poller polls the status of a generator.
type Poller interface {
	Poll(ctx context.Context) (Snapshot, error)
}

var _ Poller = (*TextDecoder)(nil)

// Monitor periodically reports the progress of a program.
type Monitor struct {
	Freq   time.Duration // polling period
	Cycles int           // number of cycles of the program
	Total  time.Duration // expected experiment time

	dec     Poller
	elapsed time.Duration
	last    time.Time
	now     func() time.Time
}

// NewMonitor creates a progress monitor polling dec.
func NewMonitor(dec Poller, cycles int, total time.Duration) *Monitor {
	return &Monitor{
		Freq:   time.Second,
		Cycles: cycles,
		Total:  total,
		dec:    dec,
		now:    time.Now,
	}
}

// Run polls the generator until ctx is done, and sends progress
// reports on ch. Run closes ch before returning.
func (m *Monitor) Run(ctx context.Context, ch chan<- Progress) error {
	defer close(ch)

	tck := time.NewTicker(m.Freq)
	defer tck.Stop()

	m.last = m.now()
	for {
		p, err := m.update(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case ch <- p:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tck.C:
		}
	}
}

func (m *Monitor) update(ctx context.Context) (Progress, error) {
	snap, err := m.dec.Poll(ctx)
	if err != nil {
		return Progress{}, err
	}
	return m.progress(snap), nil
}

func (m *Monitor) progress(snap Snapshot) Progress {
	now := m.now()
	defer func() { m.last = now }()

	switch {
	case snap.Armed == ExtArmed:
		m.elapsed = 0
		return Progress{State: Waiting}
	case snap.Status == Idle || snap.Status == "":
		m.elapsed = 0
		return Progress{State: Stopped}
	}

	if snap.Status != Paused {
		m.elapsed += now.Sub(m.last)
	}

	p := Progress{
		Elapsed: m.elapsed,
		Frame:   snap.Frame/2 + 1,
	}
	if m.Cycles > 0 {
		p.Cycle = m.Cycles - snap.Lap
	}
	if m.Total > 0 {
		p.Percent = 100 * float64(m.elapsed) / float64(m.Total)
	}

	switch even := snap.Frame%2 == 0; {
	case even && snap.Status == Paused:
		p.State = DeadPause
	case even:
		p.State = DeadFrame
	case snap.Status == Paused:
		p.State = LivePause
	default:
		p.State = LiveFrame
	}
	return p
}
