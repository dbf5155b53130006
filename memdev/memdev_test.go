// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memdev

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/go-lpc/tfg"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	fname := filepath.Join(t.TempDir(), "scalers.mem")

	mem, err := Open(fname, 4, 1, 3)
	if err != nil {
		t.Fatalf("could not open memory: %+v", err)
	}
	defer mem.Close()

	for frame := 0; frame < 4; frame++ {
		err := mem.WriteFrame(frame, []uint32{uint32(frame), 10 + uint32(frame), 20 + uint32(frame)})
		if err != nil {
			t.Fatalf("could not write frame %d: %+v", frame, err)
		}
	}

	got, err := mem.Read(ctx, 1, 0, 2, 2, 1, 2)
	if err != nil {
		t.Fatalf("could not read counters: %+v", err)
	}
	if want := []uint32{12, 22, 13, 23}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid counters: got=%v, want=%v", got, want)
	}

	if err := mem.Start(ctx); err != nil {
		t.Fatalf("could not start memory: %+v", err)
	}
	if !mem.Enabled() {
		t.Fatalf("memory not enabled")
	}
	if err := mem.Stop(ctx); err != nil {
		t.Fatalf("could not stop memory: %+v", err)
	}
	if mem.Enabled() {
		t.Fatalf("memory still enabled")
	}

	for _, tc := range []struct {
		name                 string
		c, p, f, nc, np, nf int
	}{
		{"channels", 2, 0, 0, 2, 1, 1},
		{"planes", 0, 1, 0, 1, 1, 1},
		{"frames", 0, 0, 3, 1, 1, 2},
		{"negative", -1, 0, 0, 1, 1, 1},
	} {
		_, err := mem.Read(ctx, tc.c, tc.p, tc.f, tc.nc, tc.np, tc.nf)
		if !errors.Is(err, tfg.ErrDeviceFault) {
			t.Fatalf("%s: invalid error: %+v", tc.name, err)
		}
	}
	err = mem.WriteFrame(0, make([]uint32, 4))
	if !errors.Is(err, tfg.ErrDeviceFault) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	fname := filepath.Join(t.TempDir(), "scalers.mem")

	mem, err := Open(fname, 2, 1, 2)
	if err != nil {
		t.Fatalf("could not open memory: %+v", err)
	}
	err = mem.WriteFrame(1, []uint32{7, 8})
	if err != nil {
		t.Fatalf("could not write frame: %+v", err)
	}
	err = mem.Close()
	if err != nil {
		t.Fatalf("could not close memory: %+v", err)
	}

	mem, err = Open(fname, 2, 1, 2)
	if err != nil {
		t.Fatalf("could not re-open memory: %+v", err)
	}
	got, err := mem.Read(ctx, 0, 0, 0, 2, 1, 2)
	if err != nil {
		t.Fatalf("could not read counters: %+v", err)
	}
	if want := []uint32{0, 0, 7, 8}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid counters: got=%v, want=%v", got, want)
	}

	err = mem.Clear(ctx)
	if err != nil {
		t.Fatalf("could not clear memory: %+v", err)
	}
	got, err = mem.Read(ctx, 0, 0, 1, 2, 1, 1)
	if err != nil {
		t.Fatalf("could not read counters: %+v", err)
	}
	if want := []uint32{0, 0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("memory not cleared: %v", got)
	}
	err = mem.Close()
	if err != nil {
		t.Fatalf("could not close memory: %+v", err)
	}

	_, err = Open(fname, 3, 1, 2)
	if !errors.Is(err, tfg.ErrLengthMismatch) {
		t.Fatalf("invalid geometry error: %+v", err)
	}
	_, err = Open(fname, 0, 1, 2)
	if !errors.Is(err, tfg.ErrConfig) {
		t.Fatalf("invalid geometry error: %+v", err)
	}

	err = mem.Clear(ctx)
	if !errors.Is(err, tfg.ErrDeviceFault) {
		t.Fatalf("invalid closed-memory error: %+v", err)
	}
}
