// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package datafile reads and writes ASCII tables of corrected scaler frames.
//
// A table starts with comment lines, the last of which holds the column
// names, followed by one space-separated row per frame:
//
//	# tfg frame table
//	# Time ch0 ch1 lnI0It
//	0.1000 1200 1300 0.08
package datafile // import "github.com/go-lpc/tfg/datafile"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go-hep.org/x/hep/csvutil"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/scaler"
)

const (
	comment = '#'
	comma   = ' '
	magic   = "tfg frame table"
)

// Writer writes frames to a table.
type Writer struct {
	tbl  *csvutil.Table
	cols scaler.Columns
	n    int
}

// Create creates the named table, described by cols.
func Create(fname string, cols scaler.Columns) (*Writer, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("datafile: no column: %w", tfg.ErrConfig)
	}
	tbl, err := csvutil.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("datafile: could not create %q: %w", fname, err)
	}
	tbl.Writer.Comma = comma

	err = tbl.WriteHeader(fmt.Sprintf(
		"%c %s\n%c %s\n", comment, magic,
		comment, strings.Join(cols.Names(), " "),
	))
	if err != nil {
		_ = tbl.Close()
		return nil, fmt.Errorf("datafile: could not write header of %q: %w", fname, err)
	}

	return &Writer{tbl: tbl, cols: cols}, nil
}

// Rows returns the number of rows written so far.
func (w *Writer) Rows() int { return w.n }

// Write writes the rows of frames, in order.
func (w *Writer) Write(frames ...scaler.Frame) error {
	for _, f := range frames {
		err := w.WriteRow(f.Row())
		if err != nil {
			return fmt.Errorf("datafile: could not write frame %d: %w", f.Index, err)
		}
	}
	return nil
}

// WriteRow writes a row, formatted with the column formats.
func (w *Writer) WriteRow(row []float64) error {
	if len(row) != len(w.cols) {
		return fmt.Errorf(
			"datafile: invalid row width (got=%d, want=%d): %w",
			len(row), len(w.cols), tfg.ErrLengthMismatch,
		)
	}
	args := make([]interface{}, len(row))
	for i, v := range row {
		args[i] = fmt.Sprintf(w.cols[i].Format, v)
	}
	err := w.tbl.WriteRow(args...)
	if err != nil {
		return fmt.Errorf("datafile: could not write row %d: %w", w.n, err)
	}
	w.n++
	return nil
}

// Close flushes and closes the table.
// Closing an already closed writer is a no-op.
func (w *Writer) Close() error {
	if w.tbl == nil {
		return nil
	}
	tbl := w.tbl
	w.tbl = nil
	err := tbl.Close()
	if err != nil {
		return fmt.Errorf("datafile: could not close table: %w", err)
	}
	return nil
}

// Table is an in-memory frame table.
type Table struct {
	Columns []string
	Rows    [][]float64
}

// Read reads the named table.
func Read(fname string) (Table, error) {
	var tbl Table

	names, err := header(fname)
	if err != nil {
		return tbl, err
	}
	tbl.Columns = names

	src, err := csvutil.Open(fname)
	if err != nil {
		return tbl, fmt.Errorf("datafile: could not open %q: %w", fname, err)
	}
	defer src.Close()
	src.Reader.Comma = comma
	src.Reader.Comment = comment

	rows, err := src.ReadRows(0, -1)
	if err != nil {
		return tbl, fmt.Errorf("datafile: could not read rows of %q: %w", fname, err)
	}
	defer rows.Close()

	for rows.Next() {
		row := make([]float64, len(names))
		ptrs := make([]interface{}, len(row))
		for i := range row {
			ptrs[i] = &row[i]
		}
		err = rows.Scan(ptrs...)
		if err != nil {
			return tbl, fmt.Errorf(
				"datafile: could not scan row %d of %q: %w: %w",
				len(tbl.Rows), fname, tfg.ErrLengthMismatch, err,
			)
		}
		tbl.Rows = append(tbl.Rows, row)
	}

	if err := rows.Err(); err != nil && !errors.Is(err, io.EOF) {
		return tbl, fmt.Errorf("datafile: could not read rows of %q: %w", fname, err)
	}

	return tbl, nil
}

// header returns the column names held by the last comment line of
// the header.
func header(fname string) ([]string, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("datafile: could not open %q: %w", fname, err)
	}
	defer f.Close()

	var (
		sc    = bufio.NewScanner(f)
		names []string
		ok    bool
	)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, string(comment)) {
			break
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, string(comment)))
		if line == magic {
			ok = true
			continue
		}
		names = strings.Fields(line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("datafile: could not read header of %q: %w", fname, err)
	}
	if !ok || len(names) == 0 {
		return nil, fmt.Errorf("datafile: %q is not a frame table: %w", fname, tfg.ErrConfig)
	}
	return names, nil
}
