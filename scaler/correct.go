// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scaler

import (
	"fmt"
	"math"
	"time"

	"github.com/go-lpc/tfg"
)

// Stage is a correction applied to every frame, in place.
type Stage interface {
	Correct(f *Frame) error
	// Columns returns the derived columns appended by the stage.
	Columns() Columns
}

// Pipeline is an ordered list of correction stages.
type Pipeline []Stage

// Correct runs all the stages of the pipeline on f.
func (p Pipeline) Correct(f *Frame) error {
	for _, stage := range p {
		err := stage.Correct(f)
		if err != nil {
			return fmt.Errorf("scaler: could not correct frame %d: %w", f.Index, err)
		}
	}
	return nil
}

// Columns returns the derived columns appended by the pipeline.
func (p Pipeline) Columns() Columns {
	var cols Columns
	for _, stage := range p {
		cols = append(cols, stage.Columns()...)
	}
	return cols
}

// Baseline is a dark-current measurement.
type Baseline struct {
	CollectionTime float64   // in seconds
	Counts         []float64 // per data channel
}

// DarkStage subtracts the dark current, scaled to the collection time
// of the frame, from the data channels.
type DarkStage struct {
	// Baseline returns the current baseline, if any.
	Baseline func() (Baseline, bool)
	// CollectionTime returns the collection time of frames whose live
	// time is unknown.
	CollectionTime func() time.Duration
}

func (DarkStage) Columns() Columns { return nil }

func (st DarkStage) Correct(f *Frame) error {
	b, ok := st.Baseline()
	if !ok || b.CollectionTime <= 0 {
		return nil
	}
	if len(b.Counts) != len(f.Data) {
		return fmt.Errorf(
			"scaler: invalid dark-current width (got=%d, want=%d): %w",
			len(b.Counts), len(f.Data), tfg.ErrLengthMismatch,
		)
	}

	live := f.Live
	if live <= 0 && st.CollectionTime != nil {
		live = st.CollectionTime()
	}
	Subtract(f.Data, b, live.Seconds())
	return nil
}

// Subtract removes the dark current b, scaled to the collection time t
// (in seconds), from vs. Corrected values are floored at 0.
func Subtract(vs []float64, b Baseline, t float64) {
	scale := t / b.CollectionTime
	for i, v := range vs {
		vs[i] = math.Max(0, v-scale*b.Counts[i])
	}
}

// Derived configures the derived channels.
// LogValues and Ratio are mutually exclusive.
type Derived struct {
	LogValues bool // append ln(I0/It) and, with Iref, ln(It/Iref)
	Ratio     bool // append It/I0

	// Indices of the I0, It and Iref data channels.
	// A negative Iref disables ln(It/Iref).
	I0, It, Iref int
}

func (d Derived) enabled() bool { return d.LogValues || d.Ratio }

// Validate checks the derived channels can be computed from width data
// channels.
func (d Derived) Validate(width int) error {
	if d.LogValues && d.Ratio {
		return fmt.Errorf("scaler: log values and ratio are mutually exclusive: %w", tfg.ErrConfig)
	}
	if !d.enabled() {
		return nil
	}
	for _, idx := range []struct {
		name string
		v    int
	}{{"I0", d.I0}, {"It", d.It}} {
		if idx.v < 0 || idx.v >= width {
			return fmt.Errorf(
				"scaler: %s channel %d out of range [0, %d): %w",
				idx.name, idx.v, width, tfg.ErrConfig,
			)
		}
	}
	if d.LogValues && d.Iref >= width {
		return fmt.Errorf("scaler: Iref channel %d out of range [0, %d): %w", d.Iref, width, tfg.ErrConfig)
	}
	return nil
}

// DerivedStage appends derived channels, computed from the corrected
// data channels.
type DerivedStage struct {
	Derived
}

func (st DerivedStage) Columns() Columns {
	switch {
	case st.LogValues:
		cols := Columns{{Name: "lnI0It", Format: derivedFormat}}
		if st.Iref >= 0 {
			cols = append(cols, Column{Name: "lnItIref", Format: derivedFormat})
		}
		return cols
	case st.Ratio:
		return Columns{{Name: "ItI0", Format: derivedFormat}}
	}
	return nil
}

func (st DerivedStage) Correct(f *Frame) error {
	if err := st.Validate(len(f.Data)); err != nil {
		return err
	}
	var (
		i0 = f.Data[st.I0]
		it = f.Data[st.It]
	)
	switch {
	case st.LogValues:
		f.Derived = append(f.Derived, finite(math.Log(i0/it)))
		if st.Iref >= 0 {
			f.Derived = append(f.Derived, finite(math.Log(it/f.Data[st.Iref])))
		}
	case st.Ratio:
		f.Derived = append(f.Derived, finite(it/i0))
	}
	return nil
}

// finite replaces NaN and infinite values with 0.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
