// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tfgsim simulates a DA.Server driving a timing frame generator
// and its scaler memory.
package tfgsim // import "github.com/go-lpc/tfg/internal/tfgsim"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/tfg"
)

// ClockFreq is the frequency of the live-time clock of TFGv2 hardware.
const ClockFreq = 100e6

// CountFunc generates the counts of channel ch for a frame of the
// given live time.
type CountFunc func(frame, ch int, live time.Duration) uint32

// FrameWriter receives the counters of every collected frame.
type FrameWriter interface {
	WriteFrame(frame int, counts []uint32) error
}

type group struct {
	frames int
	dead   time.Duration
	live   time.Duration
	pause  bool
}

// Sim is a simulated timing frame generator with its scaler memory.
// Internally paced frames complete as soon as the program is started.
// Frames with a pause condition complete one at a time, on "tfg cont"
// or on an external trigger.
type Sim struct {
	mu  sync.Mutex
	msg *log.Logger

	nchans int
	v2     bool
	counts CountFunc
	sink   FrameWriter

	groups   []group
	extStart bool
	socket   int
	cycles   int

	status  string
	armed   bool
	done    int // completed frames
	credits int // released pauses
	busy    int // number of status queries still reporting RUNNING

	data    [][]uint32
	handles map[int]string
	next    int
	enabled bool

	fail bool
	cmds []string
}

// Option configures a simulator.
type Option func(*Sim)

// WithChannels sets the number of scaler channels, time channel included.
func WithChannels(n int) Option {
	return func(sim *Sim) { sim.nchans = n }
}

// WithV2 makes channel 0 report the live time in clock ticks.
func WithV2(v bool) Option {
	return func(sim *Sim) { sim.v2 = v }
}

// WithCounts sets the generator of counts.
func WithCounts(f CountFunc) Option {
	return func(sim *Sim) { sim.counts = f }
}

// WithSink mirrors the collected frames into w.
func WithSink(w FrameWriter) Option {
	return func(sim *Sim) { sim.sink = w }
}

// WithLogger sets the logger of the simulator.
func WithLogger(msg *log.Logger) Option {
	return func(sim *Sim) { sim.msg = msg }
}

// New creates a new idle simulator.
func New(opts ...Option) *Sim {
	sim := &Sim{
		msg:     log.New(io.Discard, "tfgsim: ", 0),
		nchans:  4,
		counts:  defaultCounts,
		status:  "IDLE",
		handles: make(map[int]string),
	}
	for _, opt := range opts {
		opt(sim)
	}
	return sim
}

func defaultCounts(frame, ch int, live time.Duration) uint32 {
	return uint32(1000*(ch+1) + frame)
}

// SendCommand implements an in-process command channel.
func (sim *Sim) SendCommand(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("tfgsim: %w: %w", tfg.ErrDeviceFault, err)
	}
	reply, err := sim.Handle(cmd)
	if err != nil {
		return "", fmt.Errorf("tfgsim: command %q failed (%v): %w", cmd, err, tfg.ErrDeviceFault)
	}
	return reply, nil
}

// Handle executes a (possibly multi-line) request.
// The reply of a multi-line request is the reply of its last command.
func (sim *Sim) Handle(req string) (string, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	sim.cmds = append(sim.cmds, req)
	if sim.fail {
		return "", errors.New("simulated failure")
	}

	var (
		reply string
		err   error
		lines = strings.Split(strings.TrimSpace(req), "\n")
	)
	for len(lines) > 0 {
		line := strings.TrimSpace(lines[0])
		lines = lines[1:]
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "tfg setup-groups") {
			var n int
			n, err = sim.setupGroups(line, lines)
			if err != nil {
				return "", err
			}
			lines = lines[n:]
			reply = "0"
			continue
		}
		reply, err = sim.exec(line)
		if err != nil {
			return "", err
		}
	}
	return reply, nil
}

// Commands returns the requests received so far.
func (sim *Sim) Commands() []string {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	out := make([]string, len(sim.cmds))
	copy(out, sim.cmds)
	return out
}

// Fail makes every following request fail.
func (sim *Sim) Fail(v bool) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.fail = v
}

// Busy makes the next n status queries report a running generator.
func (sim *Sim) Busy(n int) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.busy = n
}

// Trigger sends n external triggers, each completing a frame.
// A trigger sent while the generator is not armed or paused is lost.
func (sim *Sim) Trigger(n int) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	for i := 0; i < n; i++ {
		switch sim.status {
		case "EXT-ARMED", "PAUSED":
			sim.armed = false
			sim.credits++
			sim.run()
		}
	}
}

// Frames returns the number of frames completed so far.
func (sim *Sim) Frames() int {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.done
}

// Total returns the number of frames of the loaded program.
func (sim *Sim) Total() int {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.total()
}

func (sim *Sim) total() int {
	n := 0
	for _, g := range sim.groups {
		n += g.frames
	}
	return n
}

func (sim *Sim) setupGroups(head string, lines []string) (int, error) {
	sim.groups = sim.groups[:0]
	sim.extStart = false
	sim.cycles = 1

	toks := strings.Fields(head)[2:]
	for i := 0; i < len(toks); i++ {
		switch toks[i] {
		case "ext-start":
			sim.extStart = true
		case "ext-inh", "auto-rearm":
		case "cycles":
			if i+1 >= len(toks) {
				return 0, fmt.Errorf("missing cycles value")
			}
			v, err := strconv.Atoi(toks[i+1])
			if err != nil {
				return 0, fmt.Errorf("invalid cycles value %q: %w", toks[i+1], err)
			}
			sim.cycles = v
			i++
		default:
			return 0, fmt.Errorf("invalid setup-groups option %q", toks[i])
		}
	}

	for i, line := range lines {
		toks := strings.Fields(line)
		if len(toks) != 7 {
			return 0, fmt.Errorf("invalid frame set %q", line)
		}
		n, err := strconv.Atoi(toks[0])
		if err != nil {
			return 0, fmt.Errorf("invalid frame count %q: %w", toks[0], err)
		}
		if n < 0 {
			return i + 1, nil
		}
		var vs [6]float64
		for j := range vs {
			vs[j], err = strconv.ParseFloat(toks[j+1], 64)
			if err != nil {
				return 0, fmt.Errorf("invalid frame set %q: %w", line, err)
			}
		}
		sim.groups = append(sim.groups, group{
			frames: n,
			dead:   time.Duration(vs[0] * float64(time.Second)),
			live:   time.Duration(vs[1] * float64(time.Second)),
			pause:  vs[4] != 0 || vs[5] != 0,
		})
	}
	return 0, fmt.Errorf("missing end of frame sets")
}

func (sim *Sim) exec(line string) (string, error) {
	toks := strings.Fields(line)
	switch toks[0] {
	case "tfg":
		return sim.execTFG(line, toks[1:])
	case "module":
		if len(toks) < 3 || toks[1] != "open" {
			break
		}
		sim.next++
		sim.handles[sim.next] = strings.Trim(strings.Join(toks[2:], " "), "'")
		return strconv.Itoa(sim.next), nil
	case "clear", "enable", "disable", "close":
		if len(toks) != 2 {
			break
		}
		h, err := sim.handle(toks[1])
		if err != nil {
			return "", err
		}
		switch toks[0] {
		case "clear":
			for _, frame := range sim.data {
				clear(frame)
			}
		case "enable":
			sim.enabled = true
		case "disable":
			sim.enabled = false
		case "close":
			delete(sim.handles, h)
		}
		return "0", nil
	case "read":
		return sim.read(toks[1:])
	}
	return "", fmt.Errorf("invalid command %q", line)
}

func (sim *Sim) handle(s string) (int, error) {
	h, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	if _, ok := sim.handles[h]; !ok {
		return 0, fmt.Errorf("unknown handle %d", h)
	}
	return h, nil
}

func (sim *Sim) execTFG(line string, toks []string) (string, error) {
	if len(toks) == 0 {
		return "", fmt.Errorf("invalid command %q", line)
	}
	switch toks[0] {
	case "setup-trig":
		sim.socket = -1
		if len(toks) == 3 && strings.HasPrefix(toks[2], "ttl") {
			v, err := strconv.Atoi(strings.TrimPrefix(toks[2], "ttl"))
			if err != nil {
				return "", fmt.Errorf("invalid trigger %q: %w", toks[2], err)
			}
			sim.socket = v
		}
		return "0", nil
	case "generate":
		// tfg generate <cycles> <frames> <dead> <live> <pause>
		if len(toks) != 6 {
			return "", fmt.Errorf("invalid command %q", line)
		}
		vs := make([]float64, 5)
		for i := range vs {
			v, err := strconv.ParseFloat(toks[i+1], 64)
			if err != nil {
				return "", fmt.Errorf("invalid command %q: %w", line, err)
			}
			vs[i] = v
		}
		sim.cycles = int(vs[0])
		sim.extStart = false
		sim.groups = append(sim.groups[:0], group{
			frames: int(vs[1]),
			dead:   time.Duration(vs[2] * float64(time.Second)),
			live:   time.Duration(vs[3] * float64(time.Second)),
			pause:  vs[4] != 0,
		})
		return "0", nil
	case "arm":
		sim.done = 0
		sim.credits = 0
		if sim.extStart {
			sim.armed = true
			sim.status = "EXT-ARMED"
			return "0", nil
		}
		sim.credits = 1
		sim.run()
		return "0", nil
	case "start":
		sim.done = 0
		sim.armed = false
		sim.credits = 1
		sim.run()
		return "0", nil
	case "cont":
		if sim.status != "PAUSED" {
			return "", fmt.Errorf("generator not paused")
		}
		sim.credits++
		sim.run()
		return "0", nil
	case "init":
		sim.armed = false
		sim.status = "IDLE"
		sim.credits = 0
		return "0", nil
	case "read":
		return sim.readTFG(strings.Join(toks[1:], " "))
	}
	return "", fmt.Errorf("invalid command %q", line)
}

// run completes frames until a pause without credit, or the end of
// the program.
func (sim *Sim) run() {
	total := sim.total()
	for sim.done < total {
		g := sim.group(sim.done)
		if g.pause {
			if sim.credits == 0 {
				sim.status = "PAUSED"
				return
			}
			sim.credits--
		}
		sim.collect(sim.done, g.live)
		sim.done++
	}
	sim.credits = 0
	sim.status = "IDLE"
}

func (sim *Sim) group(frame int) group {
	n := 0
	for _, g := range sim.groups {
		n += g.frames
		if frame < n {
			return g
		}
	}
	return group{}
}

func (sim *Sim) collect(frame int, live time.Duration) {
	for len(sim.data) <= frame {
		sim.data = append(sim.data, make([]uint32, sim.nchans))
	}
	for ch := range sim.data[frame] {
		if sim.v2 && ch == 0 {
			sim.data[frame][ch] = uint32(live.Seconds() * ClockFreq)
			continue
		}
		sim.data[frame][ch] = sim.counts(frame, ch, live)
	}
	sim.msg.Printf("frame %d collected (live=%v)", frame, live)
	if sim.sink != nil {
		err := sim.sink.WriteFrame(frame, sim.data[frame])
		if err != nil {
			sim.msg.Printf("could not write frame %d: %+v", frame, err)
		}
	}
}

// raw returns the raw frame counter, incremented twice per frame.
func (sim *Sim) raw() int {
	switch sim.status {
	case "PAUSED":
		return 2*sim.done + 1
	case "RUNNING":
		return 2 * sim.done
	}
	return 0
}

func (sim *Sim) readTFG(key string) (string, error) {
	switch key {
	case "status show-armed":
		if sim.armed {
			return "EXT-ARMED", nil
		}
		return sim.readStatus(), nil
	case "status":
		return sim.readStatus(), nil
	case "progress":
		st := sim.readStatus()
		if st == "IDLE" {
			return st, nil
		}
		return fmt.Sprintf("%s: Cycle= %d, Frame=%d, Live", st, sim.cycles, sim.done), nil
	case "full":
		return "0", nil
	case "lap":
		return "0", nil
	case "frame":
		return strconv.Itoa(sim.raw()), nil
	}
	return "", fmt.Errorf("invalid status key %q", key)
}

func (sim *Sim) readStatus() string {
	if sim.busy > 0 {
		sim.busy--
		return "RUNNING"
	}
	if sim.armed {
		return "IDLE"
	}
	return sim.status
}

// read c p f nc np nf from h raw
func (sim *Sim) read(toks []string) (string, error) {
	if len(toks) != 9 || toks[6] != "from" || toks[8] != "raw" {
		return "", fmt.Errorf("invalid read command %q", strings.Join(toks, " "))
	}
	var vs [6]int
	for i := range vs {
		v, err := strconv.Atoi(toks[i])
		if err != nil || v < 0 {
			return "", fmt.Errorf("invalid read argument %q", toks[i])
		}
		vs[i] = v
	}
	if _, err := sim.handle(toks[7]); err != nil {
		return "", err
	}
	var (
		ch, plane, frame = vs[0], vs[1], vs[2]
		nc, np, nf       = vs[3], vs[4], vs[5]
	)
	if plane+np > 1 || ch+nc > sim.nchans {
		return "", fmt.Errorf("read out of bounds")
	}

	o := new(strings.Builder)
	for f := frame; f < frame+nf; f++ {
		for c := ch; c < ch+nc; c++ {
			var v uint32
			if f < len(sim.data) {
				v = sim.data[f][c]
			}
			if o.Len() > 0 {
				o.WriteString(" ")
			}
			o.WriteString(strconv.FormatUint(uint64(v), 10))
		}
	}
	return o.String(), nil
}
