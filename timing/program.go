// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package timing builds and uploads time-frame programs to a timing
// frame generator.
package timing // import "github.com/go-lpc/tfg/timing"

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FrameSet is a run-length encoded group of identical frames.
type FrameSet struct {
	Frames    int           // number of frames in the group
	DeadTime  time.Duration // non-counting part of each frame
	LiveTime  time.Duration // counting part of each frame
	DeadPort  int           // output port pattern during the dead period
	LivePort  int           // output port pattern during the live period
	DeadPause int           // pause (trigger) condition before the dead period
	LivePause int           // pause (trigger) condition before the live period
}

func (fs FrameSet) line() string {
	return fmt.Sprintf(
		"%d %s %s %d %d %d %d",
		fs.Frames, seconds(fs.DeadTime), seconds(fs.LiveTime),
		fs.DeadPort, fs.LivePort, fs.DeadPause, fs.LivePause,
	)
}

// seconds formats d as a number of seconds, with the shortest
// decimal representation.
func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

const endOfGroups = "-1 0 0 0 0 0 0"

// Program is an ordered sequence of frame sets.
// The zero value is an empty program running a single cycle.
type Program struct {
	Cycles     int  // number of times the program is repeated (0 means 1)
	AutoRearm  bool // re-arm automatically at the end of the program
	ExtInhibit bool // external inhibit of counting

	sets []FrameSet
}

// Add appends frame sets to the program.
func (p *Program) Add(fs ...FrameSet) {
	p.sets = append(p.sets, fs...)
}

// Clear empties the program.
func (p *Program) Clear() {
	p.sets = p.sets[:0]
}

// Len returns the number of frame sets in the program.
func (p *Program) Len() int { return len(p.sets) }

// Sets returns a copy of the frame sets of the program.
func (p *Program) Sets() []FrameSet {
	out := make([]FrameSet, len(p.sets))
	copy(out, p.sets)
	return out
}

func (p *Program) cycles() int {
	if p.Cycles <= 0 {
		return 1
	}
	return p.Cycles
}

// Frames returns the total number of frames of a single cycle.
func (p *Program) Frames() int {
	n := 0
	for _, fs := range p.sets {
		n += fs.Frames
	}
	return n
}

// ExperimentTime returns the expected duration of the whole program,
// pauses excluded.
func (p *Program) ExperimentTime() time.Duration {
	var tot time.Duration
	for _, fs := range p.sets {
		tot += time.Duration(fs.Frames) * (fs.DeadTime + fs.LiveTime)
	}
	return tot * time.Duration(p.cycles())
}

// At returns the frame set holding the (0-based) frame index.
func (p *Program) At(frame int) (FrameSet, bool) {
	if frame < 0 {
		return FrameSet{}, false
	}
	n := 0
	for _, fs := range p.sets {
		n += fs.Frames
		if frame < n {
			return fs, true
		}
	}
	return FrameSet{}, false
}

// LiveTime returns the requested live time of the (0-based) frame index.
func (p *Program) LiveTime(frame int) (time.Duration, bool) {
	fs, ok := p.At(frame)
	return fs.LiveTime, ok
}

// DeadTime returns the requested dead time of the (0-based) frame index.
func (p *Program) DeadTime(frame int) (time.Duration, bool) {
	fs, ok := p.At(frame)
	return fs.DeadTime, ok
}

// setupGroups returns the setup-groups command for the program.
// A non-negative livePause overrides the live pause of every frame set.
func (p *Program) setupGroups(extStart bool, livePause int) string {
	o := new(strings.Builder)
	o.WriteString("tfg setup-groups")
	if extStart {
		o.WriteString(" ext-start")
	}
	if p.ExtInhibit {
		o.WriteString(" ext-inh")
	}
	if p.AutoRearm {
		o.WriteString(" auto-rearm")
	} else {
		fmt.Fprintf(o, " cycles %d", p.cycles())
	}
	o.WriteString("\n")
	for _, fs := range p.sets {
		if livePause >= 0 {
			fs.DeadPort = 0
			fs.LivePort = 0
			fs.DeadPause = 0
			fs.LivePause = livePause
		}
		o.WriteString(fs.line())
		o.WriteString("\n")
	}
	o.WriteString(endOfGroups)
	return o.String()
}
