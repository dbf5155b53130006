// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	"github.com/go-lpc/tfg/scaler"
)

// detector is a logical detector: a window of the data channels of the
// scaler, followed by its derived channels.
type detector struct {
	name  string
	first int
	n     int
	stage scaler.DerivedStage
	cols  scaler.Columns
}

func newDetector(cfg DetectorConfig, cols scaler.Columns, hasTime bool) *detector {
	det := &detector{
		name:  cfg.Name,
		first: cfg.First,
		n:     cfg.Channels,
		stage: scaler.DerivedStage{Derived: cfg.derived()},
	}

	off := 0
	if hasTime {
		off = 1
		det.cols = append(det.cols, cols[0])
	}
	for i := 0; i < det.n; i++ {
		col := cols[off+det.first+i]
		if len(cfg.Names) != 0 {
			col.Name = cfg.Names[i]
		}
		det.cols = append(det.cols, col)
	}
	if cfg.LogValues || cfg.Ratio {
		det.cols = append(det.cols, det.stage.Columns()...)
	}
	return det
}

func (det *detector) rows(frames []scaler.Frame) ([][]float64, error) {
	rows := make([][]float64, 0, len(frames))
	for _, f := range frames {
		w, err := f.Window(det.first, det.n)
		if err != nil {
			return nil, fmt.Errorf("daq: detector %q: %w", det.name, err)
		}
		if det.stage.LogValues || det.stage.Ratio {
			err = det.stage.Correct(&w)
			if err != nil {
				return nil, fmt.Errorf("daq: detector %q: could not correct frame %d: %w", det.name, f.Index, err)
			}
		}
		rows = append(rows, w.Row())
	}
	return rows, nil
}

// Batch holds the rows of consecutive frames of a logical detector.
type Batch struct {
	Detector string      `cbor:"detector"`
	Line     int         `cbor:"line"`  // scan line, starting at 1
	Start    int         `cbor:"start"` // index of the first frame
	Columns  []string    `cbor:"columns"`
	Rows     [][]float64 `cbor:"rows"`
}

// DecodeBatches decodes the payload of a /frames output frame.
func DecodeBatches(p []byte) ([]Batch, error) {
	var bs []Batch
	err := cbor.Unmarshal(p, &bs)
	if err != nil {
		return nil, fmt.Errorf("daq: could not decode batches: %w", err)
	}
	return bs, nil
}

func encodeBatches(bs []Batch) ([]byte, error) {
	p, err := cbor.Marshal(bs)
	if err != nil {
		return nil, fmt.Errorf("daq: could not encode batches: %w", err)
	}
	return p, nil
}

// batches splits frames into one batch per detector.
func batches(ctx context.Context, dets []*detector, line int, frames []scaler.Frame) ([]Batch, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	out := make([]Batch, len(dets))
	grp, _ := errgroup.WithContext(ctx)
	for i, det := range dets {
		i, det := i, det
		grp.Go(func() error {
			rows, err := det.rows(frames)
			if err != nil {
				return err
			}
			out[i] = Batch{
				Detector: det.name,
				Line:     line,
				Start:    frames[0].Index,
				Columns:  det.cols.Names(),
				Rows:     rows,
			}
			return nil
		})
	}
	err := grp.Wait()
	if err != nil {
		return nil, err
	}
	return out, nil
}
