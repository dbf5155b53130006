// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tfg-shell is an interactive console to a DA.Server.
//
// Lines are sent as commands to the server. A "tfg setup-groups" command
// spans several lines, up to its "-1 0 0 0 0 0 0" terminator.
//
// Shell commands:
//
//	/status   polls and displays the timing generator status
//	/quit     exits the shell
package main // import "github.com/go-lpc/tfg/cmd/tfg-shell"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/go-lpc/tfg/daserver"
	"github.com/go-lpc/tfg/status"
)

func main() {
	log.SetPrefix("tfg-shell: ")
	log.SetFlags(0)

	var (
		addr    = flag.String("addr", "localhost:1972", "DA.Server address")
		timeout = flag.Duration("timeout", 10*time.Second, "command timeout")
	)

	flag.Parse()

	ctx := context.Background()
	cli, err := daserver.Dial(ctx, *addr, daserver.WithTimeout(*timeout))
	if err != nil {
		log.Fatalf("could not dial DA.Server: %+v", err)
	}
	defer cli.Close()

	sh := newShell(cli, os.Stdout)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(complete)

	hist := filepath.Join(os.TempDir(), ".tfg-shell.history")
	if f, err := os.Open(hist); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = line.WriteHistory(f)
	}()

	for {
		prompt := "tfg> "
		if sh.pending() {
			prompt = "...> "
		}
		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				return
			}
			log.Printf("could not read input: %+v", err)
			return
		}
		line.AppendHistory(input)

		quit, err := sh.exec(ctx, input)
		if err != nil {
			fmt.Fprintf(os.Stdout, "error: %+v\n", err)
		}
		if quit {
			return
		}
	}
}

var commands = []string{
	"/quit",
	"/status",
	"module open '",
	"tfg arm",
	"tfg cont",
	"tfg generate ",
	"tfg init",
	"tfg read status",
	"tfg read status show-armed",
	"tfg read progress",
	"tfg setup-groups cycles ",
	"tfg setup-trig ",
	"tfg start",
}

func complete(line string) []string {
	var out []string
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, line) {
			out = append(out, cmd)
		}
	}
	return out
}

type commander interface {
	SendCommand(ctx context.Context, cmd string) (string, error)
}

type shell struct {
	conn commander
	dec  *status.TextDecoder
	w    io.Writer
	req  []string // lines of a pending multi-line command
}

func newShell(conn commander, w io.Writer) *shell {
	return &shell{
		conn: conn,
		dec:  status.NewTextDecoder(conn, status.WithLogger(log.New(io.Discard, "", 0))),
		w:    w,
	}
}

func (sh *shell) pending() bool { return len(sh.req) > 0 }

// exec runs a line of input. exec reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, input string) (bool, error) {
	input = strings.TrimSpace(input)
	if input == "" && !sh.pending() {
		return false, nil
	}

	if !sh.pending() {
		switch input {
		case "/quit", "/exit":
			return true, nil
		case "/status":
			return false, sh.status(ctx)
		}
	}

	if sh.pending() || strings.HasPrefix(input, "tfg setup-groups") {
		sh.req = append(sh.req, input)
		if !strings.HasPrefix(input, "-1") {
			return false, nil
		}
		input = strings.Join(sh.req, "\n")
		sh.req = sh.req[:0]
	}

	reply, err := sh.conn.SendCommand(ctx, input)
	if err != nil {
		return false, err
	}
	if reply != "" {
		fmt.Fprintln(sh.w, reply)
	}
	return false, nil
}

func (sh *shell) status(ctx context.Context) error {
	snap, err := sh.dec.Poll(ctx)
	if err != nil {
		return fmt.Errorf("could not poll status: %w", err)
	}
	fmt.Fprintf(sh.w,
		"status:   %s\narmed:    %s\nprogress: %s\nlap:      %d\nframe:    %d\n",
		snap.Status, snap.Armed, snap.Progress, snap.Lap, snap.Frame,
	)
	return nil
}
