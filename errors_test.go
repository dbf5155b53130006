// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tfg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestFault(t *testing.T) {
	if err := Fault(nil); err != nil {
		t.Fatalf("invalid nil fault: %+v", err)
	}

	err := Fault(io.EOF)
	if !errors.Is(err, ErrDeviceFault) {
		t.Fatalf("fault is not a device fault: %+v", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("fault lost its cause: %+v", err)
	}
	if got, want := err.Error(), io.EOF.Error(); got != want {
		t.Fatalf("invalid message: got=%q, want=%q", got, want)
	}

	orig := fmt.Errorf("boom: %w", ErrDeviceFault)
	if got := Fault(orig); got != orig {
		t.Fatalf("device fault was wrapped twice: %+v", got)
	}

	if errors.Is(Fault(context.Canceled), ErrInterrupted) {
		t.Fatalf("fault should not be an interruption")
	}
}
