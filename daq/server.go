// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daq exposes a time-framed scaler as a TDAQ process.
//
// The process drives one physical scaler, whose data channels are shared
// by several logical detectors. Frames are streamed, scan line after scan
// line, on the /frames output as CBOR-encoded batches, one per detector.
package daq // import "github.com/go-lpc/tfg/daq"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/go-daq/tdaq"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/conddb"
	"github.com/go-lpc/tfg/daserver"
	"github.com/go-lpc/tfg/memdev"
	"github.com/go-lpc/tfg/scaler"
	"github.com/go-lpc/tfg/shutter"
)

// msgStream is the part of the TDAQ message stream used by the server.
type msgStream interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Link connects the server to the scaler hardware.
type Link struct {
	Conn   scaler.Commander
	Memory scaler.Memory
	Close  func(ctx context.Context) error
}

// Dialer opens the link to the scaler hardware described by cfg.
type Dialer func(ctx context.Context, cfg Config) (Link, error)

// Store archives detector configurations and dark-current baselines.
type Store interface {
	Detector(ctx context.Context, name string) (conddb.Detector, error)
	SaveBaseline(ctx context.Context, name string, b scaler.Baseline) error
	LastBaseline(ctx context.Context, name string) (scaler.Baseline, error)
	Close() error
}

var _ Store = (*conddb.DB)(nil)

// Option configures a Server.
type Option func(*Server)

// WithDialer sets how the server connects to the scaler hardware.
func WithDialer(dial Dialer) Option {
	return func(srv *Server) { srv.dial = dial }
}

// WithStore sets the condition store, in place of the configured
// condition database.
func WithStore(store Store) Option {
	return func(srv *Server) { srv.store = store }
}

// WithAlerter sets the alerter notified of faults.
func WithAlerter(a *Alerter) Option {
	return func(srv *Server) { srv.alert = a }
}

// WithShutter sets the shutter used for dark-current measurements, in
// place of the configured SMBus shutter.
func WithShutter(sh scaler.Shutter) Option {
	return func(srv *Server) { srv.shutter = sh }
}

// WithLogger sets the logger of the scaler device.
func WithLogger(msg *log.Logger) Option {
	return func(srv *Server) { srv.msg = msg }
}

// Server is a TDAQ process reading out a scaler.
type Server struct {
	cfg     Config
	msg     *log.Logger
	dial    Dialer
	store   Store
	alert   *Alerter
	shutter scaler.Shutter
	closers []io.Closer

	link   Link
	dev    *scaler.Device
	stream *scaler.Stream
	reg    *xsync.MapOf[string, *detector]
	dets   []*detector

	line   atomic.Int64
	frames atomic.Int64
	data   chan []byte
}

// NewServer creates a TDAQ process for the scaler described by cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfg.defaults()
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:  cfg,
		msg:  log.New(os.Stdout, "daq: ", 0),
		dial: dial,
		reg:  xsync.NewMapOf[string, *detector](),
		data: make(chan []byte, 1024),
	}
	if cfg.Alert != nil {
		srv.alert = NewAlerter(*cfg.Alert)
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv, nil
}

func dial(ctx context.Context, cfg Config) (Link, error) {
	cli, err := daserver.Dial(ctx, cfg.Server, daserver.WithTimeout(cfg.Timeout))
	if err != nil {
		return Link{}, fmt.Errorf("daq: could not dial DA.Server: %w", err)
	}

	if cfg.Memory.File != "" {
		mem, err := memdev.Open(cfg.Memory.File, cfg.Memory.Frames, 1, cfg.Scaler.Channels)
		if err != nil {
			_ = cli.Close()
			return Link{}, fmt.Errorf("daq: could not open counter file: %w", err)
		}
		return Link{
			Conn:   cli,
			Memory: mem,
			Close: func(context.Context) error {
				return errors.Join(mem.Close(), cli.Close())
			},
		}, nil
	}

	mem, err := daserver.OpenMemory(ctx, cli, cfg.Memory.Module)
	if err != nil {
		_ = cli.Close()
		return Link{}, fmt.Errorf("daq: could not open scaler memory: %w", err)
	}
	return Link{
		Conn:   cli,
		Memory: mem,
		Close: func(ctx context.Context) error {
			return errors.Join(mem.Close(ctx), cli.Close())
		},
	}, nil
}

// Detectors returns the names of the logical detectors, in configuration order.
func (srv *Server) Detectors() []string {
	names := make([]string, len(srv.dets))
	for i, det := range srv.dets {
		names[i] = det.name
	}
	return names
}

// Columns returns the output columns of the named detector.
func (srv *Server) Columns(name string) (scaler.Columns, bool) {
	det, ok := srv.reg.Load(name)
	if !ok {
		return nil, false
	}
	return append(scaler.Columns(nil), det.cols...), true
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return srv.configure(ctx.Ctx, ctx.Msg)
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	return srv.init(ctx.Ctx, ctx.Msg)
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return srv.reset(ctx.Ctx, ctx.Msg)
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return srv.start(ctx.Ctx, ctx.Msg)
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command... -> n=%s", humanize.Comma(srv.frames.Load()))
	return srv.stop(ctx.Ctx, ctx.Msg)
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.Close(ctx.Ctx)
}

// Frames is the /frames output handler.
func (srv *Server) Frames(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-srv.data:
		dst.Body = data
	}
	return nil
}

// Run is the TDAQ run handler: it streams frames until the run stops.
func (srv *Server) Run(ctx tdaq.Context) error {
	return srv.loop(ctx.Ctx, ctx.Msg)
}

func (srv *Server) configure(ctx context.Context, msg msgStream) error {
	if srv.link.Close != nil {
		err := srv.closeLink(ctx)
		if err != nil {
			msg.Warnf("could not close previous link: %+v", err)
		}
	}

	if srv.store == nil && srv.cfg.CondDB != "" {
		db, err := conddb.Open(srv.cfg.CondDB)
		if err != nil {
			return fmt.Errorf("daq: could not open condition db: %w", err)
		}
		srv.store = db
	}

	dets, dark, err := srv.detectors(ctx, msg)
	if err != nil {
		return err
	}

	opts := []scaler.Option{
		scaler.WithLogger(srv.msg),
		scaler.WithLayout(srv.cfg.Layout()),
		scaler.WithPollPeriod(srv.cfg.Poll),
	}
	if dark != nil {
		sh, err := srv.openShutter()
		if err != nil {
			return err
		}
		opts = append(opts, scaler.WithDarkCurrent(scaler.DarkCurrent{
			Shutter: sh,
			Time:    dark.Time,
			NoReset: dark.NoReset,
			Timeout: dark.Timeout,
		}))
	}

	link, err := srv.dial(ctx, srv.cfg)
	if err != nil {
		return fmt.Errorf("daq: could not connect to scaler %q: %w", srv.cfg.Name, err)
	}
	srv.link = link

	dev, err := scaler.New(link.Conn, link.Memory, opts...)
	if err != nil {
		return fmt.Errorf("daq: could not create scaler device: %w", err)
	}
	dev.SetCollectionTime(srv.cfg.CollectionTime)

	trig, err := srv.cfg.trigger()
	if err != nil {
		return err
	}
	stream, err := scaler.NewStream(dev,
		scaler.WithStreamTrigger(trig),
		scaler.WithPoll(srv.cfg.Poll),
	)
	if err != nil {
		return fmt.Errorf("daq: could not create scaler stream: %w", err)
	}

	srv.dev = dev
	srv.stream = stream
	srv.reg.Clear()
	srv.dets = srv.dets[:0]
	cols := dev.Columns()
	for _, cfg := range dets {
		det := newDetector(cfg, cols, srv.cfg.Scaler.TimeChannel)
		srv.reg.Store(det.name, det)
		srv.dets = append(srv.dets, det)
	}

	msg.Infof(
		"configured scaler %q: %d detectors, %d channels, %s frames/line (%s trigger)",
		srv.cfg.Name, len(srv.dets), srv.cfg.Scaler.Channels,
		humanize.Comma(int64(srv.cfg.program().Frames())), trig.Mode,
	)
	return nil
}

// detectors returns the detector configurations and the dark-current
// settings, updated from the condition store when one is available.
func (srv *Server) detectors(ctx context.Context, msg msgStream) ([]DetectorConfig, *DarkConfig, error) {
	dets := append([]DetectorConfig(nil), srv.cfg.Detectors...)
	dark := srv.cfg.Dark
	if srv.store == nil {
		return dets, dark, nil
	}

	var from string // detector providing the dark-current settings

	width := srv.cfg.Layout().Width()
	for i, cfg := range dets {
		db, err := srv.store.Detector(ctx, cfg.Name)
		if err != nil {
			if errors.Is(err, tfg.ErrConfig) {
				msg.Warnf("no condition data for detector %q: %+v", cfg.Name, err)
				continue
			}
			return nil, nil, fmt.Errorf("daq: could not retrieve detector %q: %w", cfg.Name, err)
		}
		err = srv.checkHardware(db)
		if err != nil {
			return nil, nil, err
		}
		if db.DarkTime > 0 {
			switch {
			case srv.cfg.Dark == nil:
				msg.Warnf("detector %q: dark-current settings ignored: no shutter configured", cfg.Name)
			case from != "" && (dark.Time != db.DarkTime || dark.NoReset != db.DarkNoReset):
				return nil, nil, fmt.Errorf(
					"daq: detector %q: dark-current settings conflict with detector %q: %w",
					cfg.Name, from, tfg.ErrConfig,
				)
			default:
				dc := *srv.cfg.Dark
				dc.Time = db.DarkTime
				dc.NoReset = db.DarkNoReset
				dark = &dc
				from = cfg.Name
			}
		}
		cfg.First = db.FirstChannel
		if db.NumChannels > 0 {
			cfg.Channels = db.NumChannels
		}
		cfg.LogValues = db.LogValues
		cfg.Ratio = db.Ratio
		cfg.I0 = db.I0
		cfg.It = db.It
		iref := db.Iref
		cfg.Iref = &iref
		if len(cfg.Names) != cfg.Channels {
			cfg.Names = nil
		}
		err = cfg.validate(width)
		if err != nil {
			return nil, nil, err
		}
		dets[i] = cfg
	}
	return dets, dark, nil
}

// checkHardware verifies the scaler description of a condition-store
// record against the configured hardware. A record without channels
// carries no hardware description.
func (srv *Server) checkHardware(db conddb.Detector) error {
	if db.Channels == 0 {
		return nil
	}
	hw := srv.cfg.Scaler
	switch {
	case db.Channels != hw.Channels:
		return fmt.Errorf(
			"daq: detector %q: inconsistent hardware channels (db=%d, cfg=%d): %w",
			db.Name, db.Channels, hw.Channels, tfg.ErrConfig,
		)
	case db.V2 != hw.V2:
		return fmt.Errorf(
			"daq: detector %q: inconsistent scaler version (db-v2=%v, cfg-v2=%v): %w",
			db.Name, db.V2, hw.V2, tfg.ErrConfig,
		)
	case db.TimeChannel != hw.TimeChannel:
		return fmt.Errorf(
			"daq: detector %q: inconsistent time channel (db=%v, cfg=%v): %w",
			db.Name, db.TimeChannel, hw.TimeChannel, tfg.ErrConfig,
		)
	}
	return nil
}

func (srv *Server) openShutter() (scaler.Shutter, error) {
	if srv.shutter != nil {
		return srv.shutter, nil
	}
	cfg := srv.cfg.Dark.Shutter
	sh, err := shutter.NewSMBus(cfg.Bus, cfg.Addr, cfg.Reg, shutter.WithLogger(srv.msg))
	if err != nil {
		return nil, fmt.Errorf("daq: could not open shutter: %w", err)
	}
	srv.shutter = sh
	srv.closers = append(srv.closers, sh)
	return sh, nil
}

func (srv *Server) init(ctx context.Context, msg msgStream) error {
	if srv.dev == nil {
		return fmt.Errorf("daq: scaler not configured: %w", tfg.ErrConfig)
	}
	srv.drain()
	srv.line.Store(0)
	srv.frames.Store(0)

	if srv.store == nil || srv.cfg.Dark != nil {
		return nil
	}

	b, err := srv.store.LastBaseline(ctx, srv.cfg.Name)
	switch {
	case err == nil:
		err = srv.dev.SetBaseline(b)
		if err != nil {
			return fmt.Errorf("daq: could not install archived baseline: %w", err)
		}
		msg.Infof("installed archived dark-current baseline (%d channels)", len(b.Counts))
	case errors.Is(err, tfg.ErrConfig):
		msg.Warnf("no archived dark-current baseline: %+v", err)
	default:
		return fmt.Errorf("daq: could not retrieve archived baseline: %w", err)
	}
	return nil
}

func (srv *Server) reset(ctx context.Context, msg msgStream) error {
	if srv.dev == nil {
		return nil
	}
	err := srv.stream.AtScanLineEnd(ctx)
	if err != nil {
		msg.Warnf("could not end scan line: %+v", err)
	}
	err = srv.dev.AtCommandFailure(ctx)
	if err != nil {
		return fmt.Errorf("daq: could not reset scaler: %w", err)
	}
	return srv.init(ctx, msg)
}

func (srv *Server) start(ctx context.Context, msg msgStream) error {
	if srv.dev == nil {
		return fmt.Errorf("daq: scaler not configured: %w", tfg.ErrConfig)
	}
	srv.line.Store(0)
	return srv.arm(ctx, msg)
}

// arm loads the timing program and starts the next scan line.
func (srv *Server) arm(ctx context.Context, msg msgStream) error {
	line := srv.line.Add(1)
	srv.dev.ClearFrameSets()
	srv.dev.AddFrameSet(srv.cfg.program().Sets()...)
	err := srv.stream.AtScanLineStart(ctx, srv.cfg.Points)
	if err != nil {
		return srv.fault(msg, fmt.Errorf("daq: could not start scan line %d: %w", line, err))
	}
	msg.Debugf("scan line %d armed (%s frames so far)", line, humanize.Comma(srv.frames.Load()))

	if srv.store == nil || srv.cfg.Dark == nil {
		return nil
	}
	b, ok := srv.dev.Baseline()
	if !ok {
		return nil
	}
	err = srv.store.SaveBaseline(ctx, srv.cfg.Name, b)
	if err != nil {
		msg.Warnf("could not archive dark-current baseline: %+v", err)
	}
	return nil
}

func (srv *Server) stop(ctx context.Context, msg msgStream) error {
	if srv.dev == nil {
		return nil
	}
	err := srv.stream.WaitForReadoutCompletion(ctx)
	if err != nil {
		return fmt.Errorf("daq: could not wait for readout: %w", err)
	}
	err = srv.stream.AtScanLineEnd(ctx)
	if err != nil {
		return fmt.Errorf("daq: could not end scan line: %w", err)
	}
	msg.Infof(
		"run stopped: %s frames over %d scan lines",
		humanize.Comma(srv.frames.Load()), srv.line.Load(),
	)
	return nil
}

func (srv *Server) loop(ctx context.Context, msg msgStream) error {
	for {
		err := srv.step(ctx, msg)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// step reads out the frames collected since the previous step and
// re-arms the scaler at the end of a scan line.
func (srv *Server) step(ctx context.Context, msg msgStream) error {
	frames, err := srv.stream.Pull(ctx, 0)
	switch {
	case err == nil:
	case errors.Is(err, scaler.ErrReadoutInProgress):
		return nil
	case errors.Is(err, tfg.ErrInterrupted):
		return err
	default:
		return srv.fault(msg, fmt.Errorf("daq: could not read out scan line %d: %w", srv.line.Load(), err))
	}

	if len(frames) > 0 {
		bs, err := batches(ctx, srv.dets, int(srv.line.Load()), frames)
		if err != nil {
			return srv.fault(msg, err)
		}
		p, err := encodeBatches(bs)
		if err != nil {
			return srv.fault(msg, err)
		}
		select {
		case srv.data <- p:
		case <-ctx.Done():
			return fmt.Errorf("daq: %w: %w", tfg.ErrInterrupted, ctx.Err())
		}
		srv.frames.Add(int64(len(frames)))
	}

	if srv.stream.ReadSoFar() < srv.dev.Program().Frames() {
		return nil
	}

	err = srv.stream.AtScanLineEnd(ctx)
	if err != nil {
		return srv.fault(msg, fmt.Errorf("daq: could not end scan line %d: %w", srv.line.Load(), err))
	}
	return srv.arm(ctx, msg)
}

func (srv *Server) fault(msg msgStream, err error) error {
	msg.Errorf("acquisition faulted: %+v", err)
	if srv.alert == nil {
		return err
	}
	aerr := srv.alert.Alert(
		fmt.Sprintf("scaler %q faulted", srv.cfg.Name),
		fmt.Sprintf(
			"scaler: %q\nserver: %q\nline:   %d\nframes: %s\nerror:  %+v\n",
			srv.cfg.Name, srv.cfg.Server, srv.line.Load(),
			humanize.Comma(srv.frames.Load()), err,
		),
	)
	if aerr != nil {
		msg.Warnf("could not send alert: %+v", aerr)
	}
	return err
}

func (srv *Server) drain() {
	for {
		select {
		case <-srv.data:
		default:
			return
		}
	}
}

func (srv *Server) closeLink(ctx context.Context) error {
	var errs []error
	if srv.dev != nil {
		errs = append(errs, srv.dev.Close())
	}
	if srv.link.Close != nil {
		errs = append(errs, srv.link.Close(ctx))
	}
	srv.link = Link{}
	srv.dev = nil
	srv.stream = nil
	return errors.Join(errs...)
}

// Close releases the hardware link and the condition store.
func (srv *Server) Close(ctx context.Context) error {
	errs := []error{srv.closeLink(ctx)}
	for _, c := range srv.closers {
		errs = append(errs, c.Close())
	}
	srv.closers = nil
	if srv.store != nil {
		errs = append(errs, srv.store.Close())
		srv.store = nil
	}
	err := errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("daq: could not close server: %w", err)
	}
	return nil
}
