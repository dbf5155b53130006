// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tfg-sql displays the detector conditions stored in the
// condition database.
//
// Usage: tfg-sql [OPTIONS] DETECTOR1 [DETECTOR2 [...]]
package main // import "github.com/go-lpc/tfg/cmd/tfg-sql"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/conddb"
	"github.com/go-lpc/tfg/scaler"
)

type store interface {
	Detector(ctx context.Context, name string) (conddb.Detector, error)
	LastBaseline(ctx context.Context, name string) (scaler.Baseline, error)
}

func main() {
	log.SetPrefix("tfg-sql: ")
	log.SetFlags(0)

	dbname := flag.String("db", "tfgsrv", "name of the condition database")

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing detector name")
	}

	db, err := conddb.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open condition db: %+v", err)
	}
	defer db.Close()

	for _, name := range flag.Args() {
		err = doQuery(os.Stdout, db, name)
		if err != nil {
			log.Fatalf("could not do query: %+v", err)
		}
	}
}

func doQuery(w io.Writer, db store, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	det, err := db.Detector(ctx, name)
	if err != nil {
		return fmt.Errorf("could not get detector %q: %w", name, err)
	}

	fmt.Fprintf(w, "=== detector %q ===\n", det.Name)
	fmt.Fprintf(w, "channels: %d (v2=%v, time=%v)\n", det.Channels, det.V2, det.TimeChannel)
	fmt.Fprintf(w, "window:   [%d, %d)\n", det.FirstChannel, det.FirstChannel+det.Layout().Width())
	switch d := det.Derived(); {
	case d.LogValues:
		fmt.Fprintf(w, "derived:  log (I0=%d, It=%d, Iref=%d)\n", d.I0, d.It, d.Iref)
	case d.Ratio:
		fmt.Fprintf(w, "derived:  ratio (I0=%d, It=%d)\n", d.I0, d.It)
	default:
		fmt.Fprintf(w, "derived:  none\n")
	}
	if det.DarkTime > 0 {
		fmt.Fprintf(w, "dark:     %v (no-reset=%v)\n", det.DarkTime, det.DarkNoReset)
	}

	b, err := db.LastBaseline(ctx, name)
	switch {
	case errors.Is(err, tfg.ErrConfig):
		fmt.Fprintf(w, "baseline: none\n")
	case err != nil:
		return fmt.Errorf("could not get baseline of %q: %w", name, err)
	default:
		fmt.Fprintf(w, "baseline: %gs %v\n", b.CollectionTime, b.Counts)
	}

	return nil
}
