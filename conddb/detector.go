// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/scaler"
)

// Detector is the configuration of a logical detector served by a scaler.
type Detector struct {
	Name string

	Channels     int
	V2           bool
	TimeChannel  bool
	FirstChannel int
	NumChannels  int

	LogValues bool
	Ratio     bool
	I0        int
	It        int
	Iref      int

	DarkTime    time.Duration
	DarkNoReset bool
}

// Layout returns the channel layout of the detector.
func (det Detector) Layout() scaler.Layout {
	return scaler.Layout{
		Channels:     det.Channels,
		TimeChannel:  det.TimeChannel,
		V2:           det.V2,
		FirstChannel: det.FirstChannel,
		NumChannels:  det.NumChannels,
	}
}

// Derived returns the derived channels of the detector.
func (det Detector) Derived() scaler.Derived {
	return scaler.Derived{
		LogValues: det.LogValues,
		Ratio:     det.Ratio,
		I0:        det.I0,
		It:        det.It,
		Iref:      det.Iref,
	}
}

// Detector returns the latest configuration of the named detector.
func (db *DB) Detector(ctx context.Context, name string) (Detector, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		det   = Detector{Name: name}
		found = false
	)
	rows, err := db.QueryContext(
		ctx,
		`
SELECT
	channels, v2, time_channel, first_channel, num_channels,
	log_values, ratio, i0, it, iref,
	dark_time, dark_no_reset
FROM detectors
WHERE name=?
ORDER BY datetime DESC LIMIT 1
`,
		name,
	)
	if err != nil {
		return det, fmt.Errorf("conddb: could not query detector %q: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var dark float64
		err = rows.Scan(
			&det.Channels, &det.V2, &det.TimeChannel,
			&det.FirstChannel, &det.NumChannels,
			&det.LogValues, &det.Ratio,
			&det.I0, &det.It, &det.Iref,
			&dark, &det.DarkNoReset,
		)
		if err != nil {
			return det, fmt.Errorf("conddb: could not scan detector %q: %w", name, err)
		}
		det.DarkTime = time.Duration(dark * float64(time.Second))
		found = true
	}

	if err := rows.Err(); err != nil {
		return det, fmt.Errorf("conddb: could not scan db for detector %q: %w", name, err)
	}

	if err := ctx.Err(); err != nil {
		return det, fmt.Errorf("conddb: context error while retrieving detector %q: %w", name, err)
	}

	if !found {
		return det, fmt.Errorf("conddb: no detector %q: %w: %w", name, tfg.ErrConfig, sql.ErrNoRows)
	}

	return det, nil
}

// SaveBaseline archives the dark-current baseline of the named detector.
func (db *DB) SaveBaseline(ctx context.Context, name string, b scaler.Baseline) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		"INSERT INTO baselines (detector, datetime, collection_time, counts) VALUES (?, ?, ?, ?)",
		name, time.Now().UTC(), b.CollectionTime, encodeCounts(b.Counts),
	)
	if err != nil {
		return fmt.Errorf("conddb: could not save baseline of %q: %w", name, err)
	}

	return nil
}

// LastBaseline returns the latest archived dark-current baseline of the
// named detector.
func (db *DB) LastBaseline(ctx context.Context, name string) (scaler.Baseline, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		b     scaler.Baseline
		found = false
	)
	rows, err := db.QueryContext(
		ctx,
		"SELECT collection_time, counts FROM baselines WHERE detector=? ORDER BY datetime DESC LIMIT 1",
		name,
	)
	if err != nil {
		return b, fmt.Errorf("conddb: could not query baseline of %q: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var counts string
		err = rows.Scan(&b.CollectionTime, &counts)
		if err != nil {
			return b, fmt.Errorf("conddb: could not scan baseline of %q: %w", name, err)
		}
		b.Counts, err = decodeCounts(counts)
		if err != nil {
			return b, fmt.Errorf("conddb: could not decode baseline of %q: %w", name, err)
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return b, fmt.Errorf("conddb: could not scan db for baseline of %q: %w", name, err)
	}

	if err := ctx.Err(); err != nil {
		return b, fmt.Errorf("conddb: context error while retrieving baseline of %q: %w", name, err)
	}

	if !found {
		return b, fmt.Errorf("conddb: no baseline for %q: %w: %w", name, tfg.ErrConfig, sql.ErrNoRows)
	}

	return b, nil
}

func encodeCounts(vs []float64) string {
	o := make([]string, len(vs))
	for i, v := range vs {
		o[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(o, ",")
}

func decodeCounts(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	toks := strings.Split(s, ",")
	vs := make([]float64, len(toks))
	for i, tok := range toks {
		v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return nil, fmt.Errorf("conddb: could not parse count %d (%q): %w", i, tok, err)
		}
		vs[i] = v
	}
	return vs, nil
}
