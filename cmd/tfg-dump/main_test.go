// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/datafile"
	"github.com/go-lpc/tfg/scaler"
)

func TestDump(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "scan.txt")
	w, err := datafile.Create(fname, scaler.Columns{
		{Name: "Time", Format: "%.4f"},
		{Name: "I0", Format: "%.0f"},
		{Name: "It", Format: "%.0f"},
	})
	if err != nil {
		t.Fatalf("could not create frame table: %+v", err)
	}
	for i := 0; i < 3; i++ {
		err = w.WriteRow([]float64{0.001, float64(2000 + i), float64(3000 + i)})
		if err != nil {
			t.Fatalf("could not write row %d: %+v", i, err)
		}
	}
	err = w.Close()
	if err != nil {
		t.Fatalf("could not close frame table: %+v", err)
	}

	for _, tc := range []struct {
		name string
		sel  []string
		want string
	}{
		{
			name: "all",
			want: `=== ` + fname + ` ===
Columns: Time I0 It
Rows:    3
frame  Time   I0    It
0      0.001  2000  3000
1      0.001  2001  3001
2      0.001  2002  3002
sum    0.003  6003  9003
`,
		},
		{
			name: "select",
			sel:  []string{"It", "Time"},
			want: `=== ` + fname + ` ===
Columns: Time I0 It
Rows:    3
frame  It    Time
0      3000  0.001
1      3001  0.001
2      3002  0.001
sum    9003  0.003
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := new(strings.Builder)
			err := process(o, fname, tc.sel)
			if err != nil {
				t.Fatalf("could not dump frame table: %+v", err)
			}
			if got, want := o.String(), tc.want; got != want {
				t.Fatalf("invalid dump:\ngot:\n%s\nwant:\n%s", got, want)
			}
		})
	}

	t.Run("unknown-column", func(t *testing.T) {
		err := process(new(strings.Builder), fname, []string{"I1"})
		if !errors.Is(err, tfg.ErrConfig) {
			t.Fatalf("invalid error: %+v", err)
		}
	})

	t.Run("missing-file", func(t *testing.T) {
		err := process(new(strings.Builder), fname+".missing", nil)
		if err == nil {
			t.Fatalf("expected an error")
		}
	})
}
