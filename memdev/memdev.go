// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memdev provides a scaler memory backed by a memory-mapped
// counter file.
//
// The file starts with a header of 8 little-endian 32b words:
//
//	magic, version, frames, planes, channels, enabled, 0, 0
//
// followed by frames×planes×channels counters, in frame-major order.
package memdev // import "github.com/go-lpc/tfg/memdev"

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/internal/mmap"
)

const (
	magic   = 0x53474654 // "TFGS"
	version = 1

	hdrSize = 8 * 4

	offMagic   = 0
	offVersion = 4
	offFrames  = 8
	offPlanes  = 12
	offChans   = 16
	offEnabled = 20
)

// Memory is a memory-mapped scaler memory.
type Memory struct {
	mu sync.RWMutex
	f  *os.File
	h  *mmap.Handle

	frames int
	planes int
	chans  int
}

// Open opens the counter file fname, creating it with the given
// geometry if needed. An existing file must have the same geometry.
func Open(fname string, frames, planes, channels int) (*Memory, error) {
	if frames <= 0 || planes <= 0 || channels <= 0 {
		return nil, fmt.Errorf(
			"memdev: invalid geometry (frames=%d, planes=%d, channels=%d): %w",
			frames, planes, channels, tfg.ErrConfig,
		)
	}

	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("memdev: could not open %q: %w", fname, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("memdev: could not stat %q: %w", fname, err)
	}
	mem := &Memory{
		f:      f,
		frames: frames,
		planes: planes,
		chans:  channels,
	}

	fresh := fi.Size() == 0
	if !fresh {
		hdr := make([]byte, hdrSize)
		_, err = f.ReadAt(hdr, 0)
		if err == nil {
			err = mem.checkHeader(hdr)
		}
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("memdev: invalid counter file %q: %w", fname, err)
		}
	}

	size := hdrSize + 4*frames*planes*channels
	mem.h, err = mmap.Map(f, size)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("memdev: could not map %q: %w", fname, err)
	}

	if fresh {
		mem.h.PutUint32At(offMagic, magic)
		mem.h.PutUint32At(offVersion, version)
		mem.h.PutUint32At(offFrames, uint32(frames))
		mem.h.PutUint32At(offPlanes, uint32(planes))
		mem.h.PutUint32At(offChans, uint32(channels))
	}
	return mem, nil
}

func (mem *Memory) checkHeader(hdr []byte) error {
	word := func(off int) uint32 { return binary.LittleEndian.Uint32(hdr[off:]) }
	if v := word(offMagic); v != magic {
		return fmt.Errorf("invalid magic 0x%x: %w", v, tfg.ErrDeviceFault)
	}
	if v := word(offVersion); v != version {
		return fmt.Errorf("invalid version %d: %w", v, tfg.ErrDeviceFault)
	}
	for _, geo := range []struct {
		name string
		off  int
		want int
	}{
		{"frames", offFrames, mem.frames},
		{"planes", offPlanes, mem.planes},
		{"channels", offChans, mem.chans},
	} {
		if v := int(word(geo.off)); v != geo.want {
			return fmt.Errorf(
				"invalid number of %s (got=%d, want=%d): %w",
				geo.name, v, geo.want, tfg.ErrLengthMismatch,
			)
		}
	}
	return nil
}

// Close unmaps and closes the counter file.
func (mem *Memory) Close() error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.close()
}

func (mem *Memory) close() error {
	if mem.h == nil {
		return nil
	}
	err := mem.h.Sync()
	if err != nil {
		return fmt.Errorf("memdev: could not sync counters: %w", err)
	}
	err = mem.h.Close()
	if err != nil {
		return fmt.Errorf("memdev: could not unmap counters: %w", err)
	}
	mem.h = nil
	err = mem.f.Close()
	if err != nil {
		return fmt.Errorf("memdev: could not close counter file: %w", err)
	}
	return nil
}

func (mem *Memory) offset(frame, plane, ch int) int {
	return hdrSize + 4*((frame*mem.planes+plane)*mem.chans+ch)
}

// Clear zeroes all the counters.
func (mem *Memory) Clear(ctx context.Context) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if mem.h == nil {
		return fmt.Errorf("memdev: memory closed: %w", tfg.ErrDeviceFault)
	}
	mem.h.Zero(hdrSize, mem.h.Len()-hdrSize)
	return nil
}

// Start enables counting.
func (mem *Memory) Start(ctx context.Context) error { return mem.enable(1) }

// Stop disables counting.
func (mem *Memory) Stop(ctx context.Context) error { return mem.enable(0) }

func (mem *Memory) enable(v uint32) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if mem.h == nil {
		return fmt.Errorf("memdev: memory closed: %w", tfg.ErrDeviceFault)
	}
	mem.h.PutUint32At(offEnabled, v)
	return nil
}

// Enabled returns whether counting is enabled.
func (mem *Memory) Enabled() bool {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return mem.h != nil && mem.h.Uint32At(offEnabled) != 0
}

func (mem *Memory) check(ch, plane, frame, nchans, nplanes, nframes int) error {
	switch {
	case ch < 0 || nchans < 0 || ch+nchans > mem.chans,
		plane < 0 || nplanes < 0 || plane+nplanes > mem.planes,
		frame < 0 || nframes < 0 || frame+nframes > mem.frames:
		return fmt.Errorf(
			"memdev: block (ch=%d+%d, plane=%d+%d, frame=%d+%d) out of bounds: %w",
			ch, nchans, plane, nplanes, frame, nframes, tfg.ErrDeviceFault,
		)
	}
	return nil
}

// Read returns a block of counters, in frame-major order.
func (mem *Memory) Read(ctx context.Context, ch, plane, frame, nchans, nplanes, nframes int) ([]uint32, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	if mem.h == nil {
		return nil, fmt.Errorf("memdev: memory closed: %w", tfg.ErrDeviceFault)
	}
	err := mem.check(ch, plane, frame, nchans, nplanes, nframes)
	if err != nil {
		return nil, err
	}

	out := make([]uint32, 0, nchans*nplanes*nframes)
	for f := frame; f < frame+nframes; f++ {
		for p := plane; p < plane+nplanes; p++ {
			for c := ch; c < ch+nchans; c++ {
				out = append(out, mem.h.Uint32At(mem.offset(f, p, c)))
			}
		}
	}
	return out, nil
}

// WriteFrame stores the counters of all the channels of a frame,
// in the first plane.
func (mem *Memory) WriteFrame(frame int, counts []uint32) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if mem.h == nil {
		return fmt.Errorf("memdev: memory closed: %w", tfg.ErrDeviceFault)
	}
	err := mem.check(0, 0, frame, len(counts), 1, 1)
	if err != nil {
		return err
	}
	for c, v := range counts {
		mem.h.PutUint32At(mem.offset(frame, 0, c), v)
	}
	return nil
}
