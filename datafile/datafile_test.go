// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/scaler"
)

func TestRW(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "frames.txt")
	cols := scaler.Columns{
		{Name: "ch0", Format: "%.0f"},
		{Name: "ch1", Format: "%.0f"},
		{Name: "ItI0", Format: "%.5g"},
	}

	w, err := Create(fname, cols)
	if err != nil {
		t.Fatalf("could not create table: %+v", err)
	}

	err = w.Write(
		scaler.Frame{Index: 0, Data: []float64{100, 50}, Derived: []float64{0.5}},
		scaler.Frame{Index: 1, Data: []float64{200, 50}, Derived: []float64{0.25}},
	)
	if err != nil {
		t.Fatalf("could not write frames: %+v", err)
	}
	err = w.WriteRow([]float64{400, 100, 0.25})
	if err != nil {
		t.Fatalf("could not write row: %+v", err)
	}
	if got, want := w.Rows(), 3; got != want {
		t.Fatalf("invalid number of rows: got=%d, want=%d", got, want)
	}

	err = w.WriteRow([]float64{1})
	if !errors.Is(err, tfg.ErrLengthMismatch) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = w.Close()
	if err != nil {
		t.Fatalf("could not close table: %+v", err)
	}

	raw, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read table: %+v", err)
	}
	const want = `# tfg frame table
# ch0 ch1 ItI0
100 50 0.5
200 50 0.25
400 100 0.25
`
	if got := string(raw); got != want {
		t.Fatalf("invalid table:\ngot:\n%s\nwant:\n%s", got, want)
	}

	tbl, err := Read(fname)
	if err != nil {
		t.Fatalf("could not read table: %+v", err)
	}
	if got, want := tbl.Columns, cols.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid columns: got=%q, want=%q", got, want)
	}
	rows := [][]float64{
		{100, 50, 0.5},
		{200, 50, 0.25},
		{400, 100, 0.25},
	}
	if !reflect.DeepEqual(tbl.Rows, rows) {
		t.Fatalf("invalid rows:\ngot= %v\nwant=%v", tbl.Rows, rows)
	}
}

func TestReadRows(t *testing.T) {
	cols := scaler.Columns{
		{Name: "Time", Format: "%.4f"},
		{Name: "ch0", Format: "%.0f"},
	}
	for _, tc := range []struct {
		name string
		rows [][]float64
	}{
		{name: "empty"},
		{name: "one-row", rows: [][]float64{{0.1, 42}}},
		{name: "two-rows", rows: [][]float64{{0.1, 42}, {0.2, 43}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(t.TempDir(), "f.txt")
			w, err := Create(fname, cols)
			if err != nil {
				t.Fatalf("could not create table: %+v", err)
			}
			for _, row := range tc.rows {
				err = w.WriteRow(row)
				if err != nil {
					t.Fatalf("could not write row: %+v", err)
				}
			}
			err = w.Close()
			if err != nil {
				t.Fatalf("could not close table: %+v", err)
			}

			tbl, err := Read(fname)
			if err != nil {
				t.Fatalf("could not read table: %+v", err)
			}
			if got, want := len(tbl.Rows), len(tc.rows); got != want {
				t.Fatalf("invalid number of rows: got=%d, want=%d", got, want)
			}
			for i := range tc.rows {
				if got, want := tbl.Rows[i], tc.rows[i]; !reflect.DeepEqual(got, want) {
					t.Fatalf("invalid row %d: got=%v, want=%v", i, got, want)
				}
			}
		})
	}
}

func TestErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Create(filepath.Join(dir, "empty.txt"), nil)
	if !errors.Is(err, tfg.ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = Create(filepath.Join(dir, "no-such-dir", "f.txt"), scaler.Columns{{Name: "ch0", Format: "%.0f"}})
	if err == nil {
		t.Fatalf("expected an error")
	}

	fname := filepath.Join(dir, "other.txt")
	err = os.WriteFile(fname, []byte("1 2 3\n"), 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}
	_, err = Read(fname)
	if !errors.Is(err, tfg.ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = Read(filepath.Join(dir, "missing.txt"))
	if err == nil {
		t.Fatalf("expected an error")
	}
}
