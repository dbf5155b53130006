// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/go-lpc/tfg"
)

type recorder struct {
	cmds []string
	err  error
}

func (r *recorder) SendCommand(ctx context.Context, cmd string) (string, error) {
	r.cmds = append(r.cmds, cmd)
	return "0", r.err
}

func quiet() Option { return WithLogger(log.New(io.Discard, "", 0)) }

func TestProgram(t *testing.T) {
	var p Program
	if got, want := p.Frames(), 0; got != want {
		t.Fatalf("invalid frames: got=%d, want=%d", got, want)
	}

	p.Add(
		FrameSet{Frames: 5, DeadTime: time.Millisecond, LiveTime: 100 * time.Millisecond},
		FrameSet{Frames: 3, DeadTime: 2 * time.Millisecond, LiveTime: time.Second},
	)
	p.Cycles = 2

	if got, want := p.Frames(), 8; got != want {
		t.Fatalf("invalid frames: got=%d, want=%d", got, want)
	}
	if got, want := p.ExperimentTime(), 2*(5*101*time.Millisecond+3*1002*time.Millisecond); got != want {
		t.Fatalf("invalid experiment time: got=%v, want=%v", got, want)
	}

	for _, tc := range []struct {
		frame int
		live  time.Duration
		dead  time.Duration
		ok    bool
	}{
		{frame: -1},
		{frame: 0, live: 100 * time.Millisecond, dead: time.Millisecond, ok: true},
		{frame: 4, live: 100 * time.Millisecond, dead: time.Millisecond, ok: true},
		{frame: 5, live: time.Second, dead: 2 * time.Millisecond, ok: true},
		{frame: 7, live: time.Second, dead: 2 * time.Millisecond, ok: true},
		{frame: 8},
	} {
		t.Run(fmt.Sprintf("frame=%d", tc.frame), func(t *testing.T) {
			live, ok := p.LiveTime(tc.frame)
			if ok != tc.ok || live != tc.live {
				t.Fatalf("invalid live time: got=(%v, %v), want=(%v, %v)", live, ok, tc.live, tc.ok)
			}
			dead, ok := p.DeadTime(tc.frame)
			if ok != tc.ok || dead != tc.dead {
				t.Fatalf("invalid dead time: got=(%v, %v), want=(%v, %v)", dead, ok, tc.dead, tc.ok)
			}
		})
	}

	sets := p.Sets()
	sets[0].Frames = 42
	if got, want := p.Frames(), 8; got != want {
		t.Fatalf("program modified through Sets: got=%d, want=%d", got, want)
	}

	for i := 0; i < 2; i++ {
		p.Clear()
		if p.Len() != 0 || p.Frames() != 0 {
			t.Fatalf("program not empty after clear #%d", i)
		}
	}
}

func TestFramesSum(t *testing.T) {
	for _, counts := range [][]int{{1}, {5, 5}, {1, 2, 3, 4}, {1000, 1, 24}} {
		var (
			p   Program
			sum int
		)
		for _, n := range counts {
			p.Add(FrameSet{Frames: n, LiveTime: time.Millisecond})
			sum += n
		}
		rec := new(recorder)
		upl := NewUploader(rec, quiet())
		err := upl.Upload(context.Background(), &p, Trigger{Mode: Internal})
		if err != nil {
			t.Fatalf("could not upload: %+v", err)
		}
		if got := upl.Total(); got != sum {
			t.Fatalf("invalid total frames: got=%d, want=%d", got, sum)
		}
	}
}

func TestUpload(t *testing.T) {
	prog := func() *Program {
		var p Program
		p.Add(FrameSet{Frames: 5, DeadTime: time.Millisecond, LiveTime: 100 * time.Millisecond})
		return &p
	}

	for _, tc := range []struct {
		name string
		opts []Option
		prog *Program
		trig Trigger
		want string
	}{
		{
			name: "internal",
			prog: prog(),
			trig: Trigger{Mode: Internal},
			want: "tfg setup-groups cycles 1\n5 0.001 0.1 0 0 0 0\n-1 0 0 0 0 0 0\ntfg start",
		},
		{
			name: "internal-manual",
			opts: []Option{WithManualStart(true)},
			prog: prog(),
			trig: Trigger{Mode: Internal},
			want: "tfg setup-groups cycles 1\n5 0.001 0.1 0 0 0 0\n-1 0 0 0 0 0 0",
		},
		{
			name: "internal-ext-start",
			opts: []Option{WithExtStart(true)},
			prog: func() *Program {
				p := prog()
				p.ExtInhibit = true
				p.AutoRearm = true
				return p
			}(),
			trig: Trigger{Mode: Internal},
			want: "tfg setup-groups ext-start ext-inh auto-rearm\n5 0.001 0.1 0 0 0 0\n-1 0 0 0 0 0 0\ntfg arm",
		},
		{
			name: "external",
			prog: func() *Program {
				var p Program
				p.Add(FrameSet{Frames: 100, DeadTime: time.Microsecond, LiveTime: 10 * time.Nanosecond, LivePort: 3})
				return &p
			}(),
			trig: Trigger{Mode: External, Socket: 2},
			want: "tfg setup-trig start\n" +
				"tfg setup-trig start ttl2\n" +
				"tfg setup-groups ext-start cycles 1\n100 0.000001 0.00000001 0 0 0 10\n-1 0 0 0 0 0 0\n" +
				"tfg arm",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := new(recorder)
			upl := NewUploader(rec, append(tc.opts, quiet())...)
			err := upl.Upload(context.Background(), tc.prog, tc.trig)
			if err != nil {
				t.Fatalf("could not upload program: %+v", err)
			}
			if got, want := len(rec.cmds), 1; got != want {
				t.Fatalf("invalid number of requests: got=%d, want=%d", got, want)
			}
			if got, want := rec.cmds[0], tc.want; got != want {
				t.Fatalf("invalid request:\ngot:\n%s\nwant:\n%s", got, want)
			}
			if !upl.Loaded() {
				t.Fatalf("program not flagged as loaded")
			}
		})
	}
}

func TestUploadErrors(t *testing.T) {
	var p Program
	upl := NewUploader(new(recorder), quiet())

	err := upl.Upload(context.Background(), &p, Trigger{})
	if !errors.Is(err, tfg.ErrConfig) {
		t.Fatalf("invalid empty-program error: %+v", err)
	}

	p.Add(FrameSet{Frames: 1, LiveTime: time.Second})
	err = upl.Upload(context.Background(), &p, Trigger{Mode: External, Socket: -1})
	if !errors.Is(err, tfg.ErrConfig) {
		t.Fatalf("invalid socket error: %+v", err)
	}

	err = upl.Upload(context.Background(), &p, Trigger{Mode: Mode(42)})
	if !errors.Is(err, tfg.ErrConfig) {
		t.Fatalf("invalid mode error: %+v", err)
	}

	upl = NewUploader(&recorder{err: io.ErrUnexpectedEOF}, quiet())
	err = upl.Upload(context.Background(), &p, Trigger{})
	if !errors.Is(err, tfg.ErrDeviceFault) {
		t.Fatalf("invalid channel error: %+v", err)
	}
	if upl.Loaded() {
		t.Fatalf("failed upload flagged as loaded")
	}
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	rec := new(recorder)
	upl := NewUploader(rec, quiet())

	for _, f := range []func(context.Context) error{
		upl.Start, upl.Arm, upl.Continue, upl.Stop, upl.DisableTriggers,
	} {
		if err := f(ctx); err != nil {
			t.Fatalf("could not send command: %+v", err)
		}
	}
	if err := upl.CountAsync(ctx, 250*time.Millisecond); err != nil {
		t.Fatalf("could not count: %+v", err)
	}
	if err := upl.CountAsync(ctx, 0); !errors.Is(err, tfg.ErrConfig) {
		t.Fatalf("invalid count-time error: %+v", err)
	}

	want := []string{
		"tfg start", "tfg arm", "tfg cont", "tfg init", "tfg setup-trig start",
		"tfg generate 1 1 0.001 0.25 0\ntfg start",
	}
	if got := rec.cmds; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("invalid commands:\ngot= %q\nwant=%q", got, want)
	}
}
