// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daserver provides a client for the data-acquisition server
// that drives a timing frame generator and its scaler memories.
//
// Requests are plain ASCII text, possibly spanning multiple lines,
// terminated by an empty line. Each request receives exactly one
// reply line. Replies starting with '#' denote an error.
package daserver // import "github.com/go-lpc/tfg/daserver"

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/tfg"
)

// Client is a synchronous request/reply connection to a DA.Server.
// Requests are never pipelined: a Client serializes all its commands.
//
// A request whose reply could not be read leaves the connection out of
// sync, so the connection is dropped. Clients created with Dial redial
// on their next command.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn // nil once dropped
	r      *bufio.Reader
	redial func(ctx context.Context) (net.Conn, error)
	msg    *log.Logger

	timeout time.Duration
	verbose bool
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the reply timeout applied when the request
// context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(msg *log.Logger) Option {
	return func(c *Client) {
		c.msg = msg
	}
}

// WithVerbose enables logging of every request and reply.
func WithVerbose(v bool) Option {
	return func(c *Client) {
		c.verbose = v
	}
}

// Dial connects to the DA.Server listening at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	dial := func(ctx context.Context) (net.Conn, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("daserver: could not dial %q: %w: %w", addr, tfg.ErrDeviceFault, err)
		}
		return conn, nil
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn, opts...)
	c.redial = dial
	return c, nil
}

// NewClient wraps an already established connection.
func NewClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		msg:     log.New(os.Stdout, "daserver: ", 0),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redial = nil
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	return err
}

// drop closes a connection left out of sync.
func (c *Client) drop(cmd string) {
	c.msg.Printf("dropping connection: reply to %q lost", head(cmd))
	_ = c.conn.Close()
	c.conn = nil
	c.r = nil
}

func (c *Client) reconnect(ctx context.Context) error {
	if c.redial == nil {
		return fmt.Errorf("daserver: connection closed: %w", tfg.ErrDeviceFault)
	}
	conn, err := c.redial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

// SendCommand sends cmd to the server and returns its reply.
// Error replies, transport failures and cancellation are reported
// as tfg.ErrDeviceFault.
func (c *Client) SendCommand(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		err := c.reconnect(ctx)
		if err != nil {
			return "", err
		}
	}
	conn := c.conn

	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	err := conn.SetDeadline(deadline)
	if err != nil {
		return "", fmt.Errorf("daserver: could not set deadline: %w: %w", tfg.ErrDeviceFault, err)
	}
	defer conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if c.verbose {
		c.msg.Printf("-> %q", cmd)
	}

	req := strings.TrimRight(cmd, "\n") + "\n\n"
	_, err = io.WriteString(conn, req)
	if err != nil {
		c.drop(cmd)
		return "", fmt.Errorf("daserver: could not send command %q: %w: %w", head(cmd), tfg.ErrDeviceFault, err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		c.drop(cmd)
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return "", fmt.Errorf("daserver: could not read reply to %q: %w: %w", head(cmd), tfg.ErrDeviceFault, err)
	}
	reply := strings.TrimRight(line, "\r\n")

	if c.verbose {
		c.msg.Printf("<- %q", reply)
	}

	if strings.HasPrefix(reply, "#") {
		return "", fmt.Errorf(
			"daserver: command %q failed (%s): %w",
			head(cmd), strings.TrimSpace(reply[1:]), tfg.ErrDeviceFault,
		)
	}
	return reply, nil
}

// head returns the first line of a (possibly multi-line) command.
func head(cmd string) string {
	if i := strings.IndexByte(cmd, '\n'); i >= 0 {
		return cmd[:i] + "..."
	}
	return cmd
}
