// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
)

// Handler executes one (possibly multi-line) request.
type Handler interface {
	Handle(cmd string) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(cmd string) (string, error)

func (f HandlerFunc) Handle(cmd string) (string, error) { return f(cmd) }

// Serve accepts connections on lis and runs each request through h,
// until ctx is done or lis is closed.
func Serve(ctx context.Context, lis net.Listener, h Handler, msg *log.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stop()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("daserver: could not accept connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			err := serveConn(conn, h)
			if err != nil && msg != nil {
				msg.Printf("could not serve %v: %+v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func serveConn(conn io.ReadWriter, h Handler) error {
	var (
		r   = bufio.NewReader(conn)
		req []string
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			req = append(req, line)
			continue
		}
		if len(req) == 0 {
			continue
		}

		reply, err := h.Handle(strings.Join(req, "\n"))
		req = req[:0]
		if err != nil {
			reply = "#" + err.Error()
		}
		reply = strings.ReplaceAll(reply, "\n", " ")
		_, err = io.WriteString(conn, reply+"\n")
		if err != nil {
			return fmt.Errorf("could not send reply: %w", err)
		}
	}
}
