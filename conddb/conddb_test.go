// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/internal/fakedb"
	"github.com/go-lpc/tfg/scaler"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()
}

func TestDetector(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{
			"channels", "v2", "time_channel", "first_channel", "num_channels",
			"log_values", "ratio", "i0", "it", "iref",
			"dark_time", "dark_no_reset",
		},
		Values: [][]driver.Value{
			{
				int64(9), true, true, int64(2), int64(3),
				true, false, int64(0), int64(1), int64(-1),
				2.5, true,
			},
		},
	}, func(ctx context.Context) error {
		det, err := db.Detector(ctx, "ionchambers")
		if err != nil {
			t.Fatalf("could not retrieve detector: %+v", err)
		}

		want := Detector{
			Name:         "ionchambers",
			Channels:     9,
			V2:           true,
			TimeChannel:  true,
			FirstChannel: 2,
			NumChannels:  3,
			LogValues:    true,
			I0:           0,
			It:           1,
			Iref:         -1,
			DarkTime:     2500 * time.Millisecond,
			DarkNoReset:  true,
		}
		if !reflect.DeepEqual(det, want) {
			t.Fatalf("invalid detector:\ngot= %+v\nwant=%+v", det, want)
		}

		lay := det.Layout()
		if err := lay.Validate(); err != nil {
			t.Fatalf("invalid layout: %+v", err)
		}
		if got, want := lay.Width(), 3; got != want {
			t.Fatalf("invalid layout width: got=%d, want=%d", got, want)
		}
		if err := det.Derived().Validate(lay.Width()); err != nil {
			t.Fatalf("invalid derived channels: %+v", err)
		}
		return nil
	})
}

func TestDetectorNotFound(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"channels"},
	}, func(ctx context.Context) error {
		_, err := db.Detector(ctx, "nope")
		if !errors.Is(err, tfg.ErrConfig) || !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("invalid error: %+v", err)
		}
		return nil
	})
}

func TestBaseline(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	want := scaler.Baseline{
		CollectionTime: 1.5,
		Counts:         []float64{10, 20.5, 0},
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"collection_time", "counts"},
		Values: [][]driver.Value{
			{1.5, "10,20.5,0"},
		},
	}, func(ctx context.Context) error {
		err := db.SaveBaseline(ctx, "ionchambers", want)
		if err != nil {
			t.Fatalf("could not save baseline: %+v", err)
		}

		execs := fakedb.Execs()
		if len(execs) != 1 {
			t.Fatalf("invalid number of statements: %d", len(execs))
		}
		if !strings.HasPrefix(execs[0].Query, "INSERT INTO baselines") {
			t.Fatalf("invalid statement: %q", execs[0].Query)
		}
		args := execs[0].Args
		if len(args) != 4 {
			t.Fatalf("invalid statement args: %v", args)
		}
		if got, want := args[0], driver.Value("ionchambers"); got != want {
			t.Fatalf("invalid detector: got=%v, want=%v", got, want)
		}
		if got, want := args[2], driver.Value(1.5); got != want {
			t.Fatalf("invalid collection time: got=%v, want=%v", got, want)
		}
		if got, want := args[3], driver.Value("10,20.5,0"); got != want {
			t.Fatalf("invalid counts: got=%v, want=%v", got, want)
		}

		got, err := db.LastBaseline(ctx, "ionchambers")
		if err != nil {
			t.Fatalf("could not retrieve baseline: %+v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid baseline:\ngot= %+v\nwant=%+v", got, want)
		}
		return nil
	})
}

func TestBaselineErrors(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"collection_time", "counts"},
		Values: [][]driver.Value{
			{1.0, "10,x"},
		},
	}, func(ctx context.Context) error {
		_, err := db.LastBaseline(ctx, "ionchambers")
		if err == nil {
			t.Fatalf("expected a decoding error")
		}

		_, err = db.LastBaseline(ctx, "ionchambers")
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("invalid error: %+v", err)
		}

		fakedb.Fail(io.ErrUnexpectedEOF)
		err = db.SaveBaseline(ctx, "ionchambers", scaler.Baseline{})
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("invalid error: %+v", err)
		}
		return nil
	})
}

func TestCounts(t *testing.T) {
	for _, tc := range []struct {
		vs  []float64
		str string
	}{
		{nil, ""},
		{[]float64{1}, "1"},
		{[]float64{1, 2.25, 1e9}, "1,2.25,1e+09"},
	} {
		t.Run(tc.str, func(t *testing.T) {
			if got, want := encodeCounts(tc.vs), tc.str; got != want {
				t.Fatalf("invalid encoding: got=%q, want=%q", got, want)
			}
			got, err := decodeCounts(tc.str)
			if err != nil {
				t.Fatalf("could not decode %q: %+v", tc.str, err)
			}
			if !reflect.DeepEqual(got, tc.vs) {
				t.Fatalf("invalid decoding: got=%v, want=%v", got, tc.vs)
			}
		})
	}
}
