// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// tfg-dump displays frame tables.
//
// Usage: tfg-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> tfg-dump -cols Time,I0,It ./scan.txt
//	=== ./scan.txt ===
//	Columns: Time I0 It ItI0
//	Rows:    3
//	frame  Time   I0    It
//	0      0.001  2000  3000
//	1      0.001  2001  3001
//	2      0.001  2002  3002
//	sum    0.003  6003  9003
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/datafile"
)

func main() {
	log.SetPrefix("tfg-dump: ")
	log.SetFlags(0)

	cols := flag.String("cols", "", "comma-separated list of columns to display (default: all)")

	flag.Usage = func() {
		fmt.Printf(`tfg-dump displays frame tables.

Usage: tfg-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> tfg-dump -cols Time,I0,It ./scan.txt

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input frame table")
	}

	var sel []string
	if *cols != "" {
		sel = strings.Split(*cols, ",")
	}

	for _, fname := range flag.Args() {
		err := process(os.Stdout, fname, sel)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, sel []string) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	tbl, err := datafile.Read(fname)
	if err != nil {
		return fmt.Errorf("could not read frame table: %w", err)
	}

	idx, err := columns(tbl.Columns, sel)
	if err != nil {
		return err
	}

	fmt.Fprintf(wbuf, "=== %s ===\n", fname)
	fmt.Fprintf(wbuf, "Columns: %s\n", strings.Join(tbl.Columns, " "))
	fmt.Fprintf(wbuf, "Rows:    %s\n", humanize.Comma(int64(len(tbl.Rows))))

	tw := tabwriter.NewWriter(wbuf, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "frame")
	for _, i := range idx {
		fmt.Fprintf(tw, "\t%s", tbl.Columns[i])
	}
	fmt.Fprintf(tw, "\n")

	sum := make([]float64, len(idx))
	for j, row := range tbl.Rows {
		fmt.Fprintf(tw, "%d", j)
		for k, i := range idx {
			fmt.Fprintf(tw, "\t%s", format(row[i]))
			sum[k] += row[i]
		}
		fmt.Fprintf(tw, "\n")
	}

	fmt.Fprintf(tw, "sum")
	for _, v := range sum {
		fmt.Fprintf(tw, "\t%s", format(v))
	}
	fmt.Fprintf(tw, "\n")

	err = tw.Flush()
	if err != nil {
		return fmt.Errorf("could not flush table: %w", err)
	}
	return nil
}

// columns returns the indices of the selected columns.
func columns(names, sel []string) ([]int, error) {
	if len(sel) == 0 {
		idx := make([]int, len(names))
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}

	idx := make([]int, 0, len(sel))
loop:
	for _, name := range sel {
		for i, v := range names {
			if v == name {
				idx = append(idx, i)
				continue loop
			}
		}
		return nil, fmt.Errorf("unknown column %q: %w", name, tfg.ErrConfig)
	}
	return idx, nil
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'g', 8, 64)
}
