// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scaler

import (
	"fmt"

	"github.com/go-lpc/tfg"
)

// ClockFreq is the frequency (in Hz) of the live-time clock reported by
// TFGv2 hardware in channel 0.
const ClockFreq = 100e6

// Layout describes how the hardware channels of a frame map onto the
// channels of a readout row.
type Layout struct {
	Channels    int  // number of hardware channels, TFGv2 clock channel included
	TimeChannel bool // prepend the live time (in seconds) to each row
	V2          bool // TFGv2 hardware: channel 0 holds the live time in clock ticks

	// FirstChannel and NumChannels select a window of data channels,
	// once the TFGv2 clock channel has been removed.
	// A zero NumChannels selects all the remaining channels.
	FirstChannel int
	NumChannels  int
}

func (lay Layout) data() int {
	if lay.V2 {
		return lay.Channels - 1
	}
	return lay.Channels
}

// Width returns the number of data channels of a row.
func (lay Layout) Width() int {
	if lay.NumChannels > 0 {
		return lay.NumChannels
	}
	return lay.data() - lay.FirstChannel
}

// Validate checks the layout can be served by the hardware.
func (lay Layout) Validate() error {
	if lay.Channels <= 0 {
		return fmt.Errorf("scaler: invalid number of hardware channels %d: %w", lay.Channels, tfg.ErrConfig)
	}
	n := lay.data()
	if n <= 0 {
		return fmt.Errorf("scaler: no data channel: %w", tfg.ErrConfig)
	}
	if lay.FirstChannel < 0 || lay.FirstChannel >= n {
		return fmt.Errorf(
			"scaler: first channel %d out of range [0, %d): %w",
			lay.FirstChannel, n, tfg.ErrConfig,
		)
	}
	if lay.NumChannels < 0 || lay.FirstChannel+lay.NumChannels > n {
		return fmt.Errorf(
			"scaler: channel window [%d, %d) out of range [0, %d): %w",
			lay.FirstChannel, lay.FirstChannel+lay.NumChannels, n, tfg.ErrConfig,
		)
	}
	return nil
}

// Column describes a column of readout rows.
type Column struct {
	Name   string
	Format string
}

// Columns is the ordered description of readout rows: the optional time
// channel, the data channels and the derived channels.
type Columns []Column

// Names returns the names of the columns.
func (cols Columns) Names() []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// Formats returns the formats of the columns.
func (cols Columns) Formats() []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Format
	}
	return out
}

const (
	timeFormat    = "%.4f"
	dataFormat    = "%.0f"
	derivedFormat = "%.5g"
)

func baseColumns(lay Layout, names []string) (Columns, error) {
	n := lay.Width()
	if len(names) != 0 && len(names) != n {
		return nil, fmt.Errorf(
			"scaler: invalid number of channel names (got=%d, want=%d): %w",
			len(names), n, tfg.ErrLengthMismatch,
		)
	}
	cols := make(Columns, 0, n+1)
	if lay.TimeChannel {
		cols = append(cols, Column{Name: "Time", Format: timeFormat})
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("ch%d", lay.FirstChannel+i)
		if len(names) != 0 {
			name = names[i]
		}
		cols = append(cols, Column{Name: name, Format: dataFormat})
	}
	return cols, nil
}
