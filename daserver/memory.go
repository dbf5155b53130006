// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-lpc/tfg"
)

// Commander sends a textual command and returns the reply.
type Commander interface {
	SendCommand(ctx context.Context, cmd string) (string, error)
}

var _ Commander = (*Client)(nil)

// Memory is a scaler memory module opened on a DA.Server.
// Counters are addressed by (channel, plane, frame).
type Memory struct {
	conn   Commander
	name   string
	handle int
}

// OpenMemory opens the named scaler memory module (e.g. "Scalers").
func OpenMemory(ctx context.Context, conn Commander, module string) (*Memory, error) {
	reply, err := conn.SendCommand(ctx, fmt.Sprintf("module open '%s'", module))
	if err != nil {
		return nil, fmt.Errorf("daserver: could not open memory module %q: %w", module, err)
	}
	handle, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return nil, fmt.Errorf(
			"daserver: could not parse handle of memory module %q (reply=%q): %w: %w",
			module, reply, tfg.ErrDeviceFault, err,
		)
	}
	if handle < 0 {
		return nil, fmt.Errorf("daserver: invalid handle %d for memory module %q: %w", handle, module, tfg.ErrDeviceFault)
	}
	return &Memory{conn: conn, name: module, handle: handle}, nil
}

// Handle returns the server-side handle of the memory module.
func (mem *Memory) Handle() int { return mem.handle }

// Clear zeroes all the counters of the memory module.
func (mem *Memory) Clear(ctx context.Context) error {
	return mem.send(ctx, fmt.Sprintf("clear %d", mem.handle))
}

// Start enables counting.
func (mem *Memory) Start(ctx context.Context) error {
	return mem.send(ctx, fmt.Sprintf("enable %d", mem.handle))
}

// Stop disables counting.
func (mem *Memory) Stop(ctx context.Context) error {
	return mem.send(ctx, fmt.Sprintf("disable %d", mem.handle))
}

// Close releases the memory module handle.
func (mem *Memory) Close(ctx context.Context) error {
	return mem.send(ctx, fmt.Sprintf("close %d", mem.handle))
}

func (mem *Memory) send(ctx context.Context, cmd string) error {
	_, err := mem.conn.SendCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("daserver: could not %q memory %q: %w", cmd, mem.name, err)
	}
	return nil
}

// Read reads a block of counters, in frame-major order:
// the returned slice holds nframes×nplanes×nchans values.
func (mem *Memory) Read(ctx context.Context, ch, plane, frame, nchans, nplanes, nframes int) ([]uint32, error) {
	cmd := fmt.Sprintf(
		"read %d %d %d %d %d %d from %d raw",
		ch, plane, frame, nchans, nplanes, nframes, mem.handle,
	)
	reply, err := mem.conn.SendCommand(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("daserver: could not read memory %q: %w", mem.name, err)
	}

	var (
		toks = strings.Fields(reply)
		want = nchans * nplanes * nframes
	)
	if len(toks) != want {
		return nil, fmt.Errorf(
			"daserver: invalid number of counters read from %q (got=%d, want=%d): %w",
			mem.name, len(toks), want, tfg.ErrDeviceFault,
		)
	}

	out := make([]uint32, want)
	for i, tok := range toks {
		v, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			return nil, fmt.Errorf(
				"daserver: could not parse counter %d from %q: %w: %w",
				i, mem.name, tfg.ErrDeviceFault, err,
			)
		}
		out[i] = uint32(v)
	}
	return out, nil
}
