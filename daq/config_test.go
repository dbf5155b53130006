// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/timing"
)

const cfgYAML = `
name: scaler-1
server: localhost:1972
memory:
  module: Scalers
scaler:
  channels: 9
  v2: true
  time-channel: true
trigger:
  mode: external
  socket: 2
frames:
  - frames: 10
    dead: 1ms
    live: 100ms
    live-pause: 10
collection-time: 100ms
dark:
  time: 500ms
  shutter:
    bus: 1
    addr: 0x20
    reg: 1
detectors:
  - name: ionchambers
    first: 0
    channels: 3
    names: [I0, It, Iref]
    log-values: true
    i0: 0
    it: 1
    iref: 2
  - name: fluo
    first: 3
    channels: 5
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(cfgYAML))
	if err != nil {
		t.Fatalf("could not load config: %+v", err)
	}

	if got, want := cfg.Name, "scaler-1"; got != want {
		t.Fatalf("invalid name: got=%q, want=%q", got, want)
	}
	if got, want := cfg.Timeout, 5*time.Second; got != want {
		t.Fatalf("invalid default timeout: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Points, 10; got != want {
		t.Fatalf("invalid default points: got=%d, want=%d", got, want)
	}
	if got, want := cfg.Poll, 100*time.Millisecond; got != want {
		t.Fatalf("invalid default poll: got=%v, want=%v", got, want)
	}
	if got, want := cfg.Layout().Width(), 8; got != want {
		t.Fatalf("invalid layout width: got=%d, want=%d", got, want)
	}
	if cfg.Dark == nil || cfg.Dark.Time != 500*time.Millisecond || cfg.Dark.Shutter.Addr != 0x20 {
		t.Fatalf("invalid dark-current config: %+v", cfg.Dark)
	}

	trig, err := cfg.trigger()
	if err != nil {
		t.Fatalf("could not build trigger: %+v", err)
	}
	if got, want := trig, (timing.Trigger{Mode: timing.External, Socket: 2}); got != want {
		t.Fatalf("invalid trigger: got=%+v, want=%+v", got, want)
	}

	prog := cfg.program()
	if got, want := prog.ExperimentTime(), 10*101*time.Millisecond; got != want {
		t.Fatalf("invalid experiment time: got=%v, want=%v", got, want)
	}

	d0 := cfg.Detectors[0].derived()
	if !d0.LogValues || d0.Iref != 2 {
		t.Fatalf("invalid derived channels: %+v", d0)
	}
	if got, want := cfg.Detectors[1].derived().Iref, -1; got != want {
		t.Fatalf("invalid default Iref: got=%d, want=%d", got, want)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	base := func() string { return cfgYAML }
	for _, tc := range []struct {
		name string
		yaml string
		err  error
	}{
		{
			name: "unknown-field",
			yaml: base() + "colour: blue\n",
			err:  tfg.ErrConfig,
		},
		{
			name: "missing-server",
			yaml: strings.Replace(base(), "server: localhost:1972", "", 1),
			err:  tfg.ErrConfig,
		},
		{
			name: "bad-trigger",
			yaml: strings.Replace(base(), "mode: external", "mode: sometimes", 1),
			err:  tfg.ErrConfig,
		},
		{
			name: "duplicate-detector",
			yaml: strings.Replace(base(), "name: fluo", "name: ionchambers", 1),
			err:  tfg.ErrConfig,
		},
		{
			name: "window",
			yaml: strings.Replace(base(), "channels: 5", "channels: 6", 1),
			err:  tfg.ErrConfig,
		},
		{
			name: "names",
			yaml: strings.Replace(base(), "names: [I0, It, Iref]", "names: [I0, It]", 1),
			err:  tfg.ErrLengthMismatch,
		},
		{
			name: "derived",
			yaml: strings.Replace(base(), "it: 1", "it: 7", 1),
			err:  tfg.ErrConfig,
		},
		{
			name: "no-frames",
			yaml: strings.Replace(base(), "- frames: 10", "- frames: 0", 1),
			err:  tfg.ErrConfig,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(strings.NewReader(tc.yaml))
			if !errors.Is(err, tc.err) {
				t.Fatalf("invalid error: got=%+v, want=%v", err, tc.err)
			}
		})
	}
}
