// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scaler

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/internal/tfgsim"
)

type fakeShutter struct {
	mu    sync.Mutex
	pos   string
	moves []string
	fail  string // position whose move fails
}

func (sh *fakeShutter) MoveTo(ctx context.Context, pos string) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if pos == sh.fail {
		return io.ErrUnexpectedEOF
	}
	sh.moves = append(sh.moves, pos)
	if pos != ShutterReset {
		sh.pos = pos
	}
	return nil
}

func (sh *fakeShutter) Position(ctx context.Context) (string, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.pos, nil
}

func (sh *fakeShutter) closed() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.pos == ShutterClose
}

// shutterCounts generates a dark current of 10×(ch+1) counts per
// millisecond, and a signal of 1000 counts per frame when the shutter
// is open.
func shutterCounts(sh *fakeShutter) tfgsim.CountFunc {
	return func(frame, ch int, live time.Duration) uint32 {
		v := uint32(10 * (ch + 1) * int(live.Milliseconds()))
		if !sh.closed() {
			v += 1000
		}
		return v
	}
}

func TestAcquireBaseline(t *testing.T) {
	for _, tc := range []struct {
		name    string
		pos     string
		noReset bool
		moves   []string
		warn    bool
	}{
		{
			name:  "open",
			pos:   ShutterOpen,
			moves: []string{ShutterClose, ShutterReset, ShutterOpen},
		},
		{
			name:    "open-no-reset",
			pos:     ShutterOpen,
			noReset: true,
			moves:   []string{ShutterClose, ShutterOpen},
		},
		{
			name:  "closed",
			pos:   ShutterClose,
			moves: nil,
		},
		{
			name:  "unknown",
			pos:   "Unknown",
			moves: []string{ShutterClose},
			warn:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			sh := &fakeShutter{pos: tc.pos}
			buf := new(strings.Builder)
			sim, dev := newSimDevice(t,
				[]tfgsim.Option{tfgsim.WithCounts(shutterCounts(sh))},
				WithLogger(log.New(buf, "", 0)),
				WithDarkCurrent(DarkCurrent{
					Shutter: sh,
					Time:    10 * time.Millisecond,
					NoReset: tc.noReset,
				}),
			)
			dev.SetCollectionTime(20 * time.Millisecond)
			sim.Busy(3)

			err := dev.AtScanLineStart(ctx)
			if err != nil {
				t.Fatalf("could not start scan line: %+v", err)
			}

			b, ok := dev.Baseline()
			if !ok {
				t.Fatalf("no baseline")
			}
			want := Baseline{CollectionTime: 0.01, Counts: []float64{100, 200, 300, 400}}
			if !reflect.DeepEqual(b, want) {
				t.Fatalf("invalid baseline:\ngot= %+v\nwant=%+v", b, want)
			}
			if !reflect.DeepEqual(sh.moves, tc.moves) {
				t.Fatalf("invalid shutter moves: got=%q, want=%q", sh.moves, tc.moves)
			}
			if got, want := dev.CollectionTime(), 20*time.Millisecond; got != want {
				t.Fatalf("collection time not restored: got=%v, want=%v", got, want)
			}
			if got, want := dev.DarkState(), DarkIdle; got != want {
				t.Fatalf("invalid dark state: got=%v, want=%v", got, want)
			}

			if got, want := strings.Contains(buf.String(), "shutter left closed"), tc.warn; got != want {
				t.Fatalf("invalid shutter warning: got=%v, want=%v\n%s", got, want, buf.String())
			}

			if tc.pos != ShutterOpen {
				return
			}

			// twice the dark collection time: twice the dark current is removed.
			err = dev.CollectData(ctx)
			if err != nil {
				t.Fatalf("could not collect data: %+v", err)
			}
			row, err := dev.Readout(ctx)
			if err != nil {
				t.Fatalf("could not read out: %+v", err)
			}
			if got, want := row, []float64{1000, 1000, 1000, 1000}; !reflect.DeepEqual(got, want) {
				t.Fatalf("invalid corrected row: got=%v, want=%v", got, want)
			}
		})
	}
}

func TestAcquireBaselineFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("shutter", func(t *testing.T) {
		sh := &fakeShutter{pos: ShutterOpen, fail: ShutterClose}
		_, dev := newSimDevice(t, nil,
			WithDarkCurrent(DarkCurrent{Shutter: sh, Time: time.Millisecond}),
		)
		_, err := dev.AcquireBaseline(ctx)
		if !errors.Is(err, tfg.ErrDeviceFault) {
			t.Fatalf("invalid error: %+v", err)
		}
		if _, ok := dev.Baseline(); ok {
			t.Fatalf("unexpected partial baseline")
		}
	})

	t.Run("reopen", func(t *testing.T) {
		sh := &fakeShutter{pos: ShutterOpen, fail: ShutterOpen}
		_, dev := newSimDevice(t, nil,
			WithDarkCurrent(DarkCurrent{Shutter: sh, Time: time.Millisecond}),
		)
		_, err := dev.AcquireBaseline(ctx)
		if !errors.Is(err, tfg.ErrDeviceFault) {
			t.Fatalf("invalid error: %+v", err)
		}
		if _, ok := dev.Baseline(); ok {
			t.Fatalf("unexpected partial baseline")
		}
	})

	t.Run("measure", func(t *testing.T) {
		sh := &fakeShutter{pos: ShutterOpen}
		dev, err := New(tfgsim.New(), &fakeMem{err: io.ErrUnexpectedEOF},
			WithLogger(quiet()),
			WithPollPeriod(time.Millisecond),
			WithDarkCurrent(DarkCurrent{Shutter: sh, Time: time.Millisecond}),
		)
		if err != nil {
			t.Fatalf("could not create device: %+v", err)
		}
		_, err = dev.AcquireBaseline(ctx)
		if !errors.Is(err, tfg.ErrDeviceFault) {
			t.Fatalf("invalid error: %+v", err)
		}
		if _, ok := dev.Baseline(); ok {
			t.Fatalf("unexpected partial baseline")
		}
		// the shutter is restored even when the measurement failed.
		if got, want := sh.moves, []string{ShutterClose, ShutterReset, ShutterOpen}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid shutter moves: got=%q, want=%q", got, want)
		}
	})

	t.Run("busy-timeout", func(t *testing.T) {
		sh := &fakeShutter{pos: ShutterOpen}
		sim, dev := newSimDevice(t, nil,
			WithDarkCurrent(DarkCurrent{Shutter: sh, Time: time.Millisecond, Timeout: 20 * time.Millisecond}),
		)
		sim.Busy(1 << 30)
		_, err := dev.AcquireBaseline(ctx)
		if !errors.Is(err, tfg.ErrDeviceFault) {
			t.Fatalf("invalid error: %+v", err)
		}
		if len(sh.moves) != 0 {
			t.Fatalf("shutter moved while the device was busy: %q", sh.moves)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		sh := &fakeShutter{pos: ShutterOpen}
		sim, dev := newSimDevice(t, nil,
			WithDarkCurrent(DarkCurrent{Shutter: sh, Time: time.Millisecond}),
		)
		sim.Busy(1 << 30)
		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := dev.AcquireBaseline(ctx)
		if !errors.Is(err, tfg.ErrInterrupted) {
			t.Fatalf("invalid error: %+v", err)
		}
	})

	t.Run("not-configured", func(t *testing.T) {
		_, dev := newSimDevice(t, nil)
		_, err := dev.AcquireBaseline(ctx)
		if !errors.Is(err, tfg.ErrConfig) {
			t.Fatalf("invalid error: %+v", err)
		}
	})
}
