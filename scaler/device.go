// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scaler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/status"
	"github.com/go-lpc/tfg/timing"
)

// Commander sends a textual command to the timing generator and
// returns its reply.
type Commander interface {
	SendCommand(ctx context.Context, cmd string) (string, error)
}

// Decoder reports the acquisition progress of the timing generator.
type Decoder interface {
	status.Decoder
	// Expect sets the number of frames of the running program.
	Expect(total int)
}

var _ Decoder = (*status.TextDecoder)(nil)

type config struct {
	msg     *log.Logger
	lay     Layout
	names   []string
	derived Derived
	dark    *DarkCurrent
	settle  time.Duration
	trig    timing.Trigger
	dec     Decoder
	poll    time.Duration
}

// Option configures a Device.
type Option func(*config)

// WithLogger sets the logger of the device.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) { cfg.msg = msg }
}

// WithLayout sets the channel layout of the device.
func WithLayout(lay Layout) Option {
	return func(cfg *config) { cfg.lay = lay }
}

// WithNames sets the names of the data channels.
func WithNames(names ...string) Option {
	return func(cfg *config) { cfg.names = names }
}

// WithDerived configures the derived channels.
func WithDerived(d Derived) Option {
	return func(cfg *config) { cfg.derived = d }
}

// WithDarkCurrent enables dark-current measurements at the start of
// each scan line.
func WithDarkCurrent(dc DarkCurrent) Option {
	return func(cfg *config) { cfg.dark = &dc }
}

// WithSettleDelay sets the minimum delay between the start of a
// collection and its readout.
func WithSettleDelay(d time.Duration) Option {
	return func(cfg *config) { cfg.settle = d }
}

// WithTrigger sets how loaded frame sets are triggered.
func WithTrigger(trig timing.Trigger) Option {
	return func(cfg *config) { cfg.trig = trig }
}

// WithDecoder sets the decoder of the timing generator status.
func WithDecoder(dec Decoder) Option {
	return func(cfg *config) { cfg.dec = dec }
}

// WithPollPeriod sets the period used to poll a busy device.
func WithPollPeriod(d time.Duration) Option {
	return func(cfg *config) { cfg.poll = d }
}

func newConfig() *config {
	return &config{
		msg:  log.New(os.Stdout, "scaler: ", 0),
		lay:  Layout{Channels: 4},
		poll: 100 * time.Millisecond,
		derived: Derived{
			I0: 0, It: 1, Iref: 2,
		},
	}
}

// Device is a time-framed scaler, driven by a timing frame generator.
//
// A Device serves a single acquisition session: its methods must not
// be called concurrently.
type Device struct {
	msg  *log.Logger
	conn Commander
	mem  Memory
	upl  *timing.Uploader
	dec  Decoder

	lay     Layout
	names   []string
	derived Derived
	dark    *darkCoordinator
	trig    timing.Trigger
	settle  time.Duration
	poll    time.Duration

	engine   *Engine
	pipeline Pipeline
	cols     Columns

	prog     timing.Program
	baseline *Baseline

	collectionTime time.Duration
	counted        time.Duration // live time of the last single-frame count
	lastCollect    time.Time
	preloaded      bool // frame sets loaded for a step scan

	lastFrameCollected int
}

// New creates a scaler device driven through conn, reading its counters
// from mem.
func New(conn Commander, mem Memory, opts ...Option) (*Device, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	dev := &Device{
		msg:     cfg.msg,
		conn:    conn,
		mem:     mem,
		upl:     timing.NewUploader(conn, timing.WithManualStart(true), timing.WithLogger(cfg.msg)),
		dec:     cfg.dec,
		lay:     cfg.lay,
		names:   cfg.names,
		derived: cfg.derived,
		trig:    cfg.trig,
		settle:  cfg.settle,
		poll:    cfg.poll,

		collectionTime: time.Second,
	}
	if dev.dec == nil {
		dev.dec = status.NewTextDecoder(conn, status.WithLogger(cfg.msg))
	}
	if dev.poll <= 0 {
		return nil, fmt.Errorf("scaler: invalid poll period %v: %w", dev.poll, tfg.ErrConfig)
	}

	if cfg.dark != nil {
		dc, err := newDarkCoordinator(*cfg.dark, cfg.msg)
		if err != nil {
			return nil, err
		}
		dev.dark = dc
	}

	var err error
	dev.engine, err = NewEngine(mem, dev.lay, dev.liveTime)
	if err != nil {
		return nil, err
	}

	err = dev.configure()
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// configure rebuilds the correction pipeline and its output columns.
func (dev *Device) configure() error {
	err := dev.derived.Validate(dev.lay.Width())
	if err != nil {
		return err
	}

	cols, err := baseColumns(dev.lay, dev.names)
	if err != nil {
		return err
	}

	pipe := Pipeline{
		DarkStage{
			Baseline:       dev.Baseline,
			CollectionTime: dev.CollectionTime,
		},
	}
	if dev.derived.enabled() {
		pipe = append(pipe, DerivedStage{dev.derived})
	}

	dev.pipeline = pipe
	dev.cols = append(cols, pipe.Columns()...)
	return nil
}

func (dev *Device) liveTime(frame int) (time.Duration, bool) {
	if dev.upl.Loaded() {
		return dev.prog.LiveTime(frame)
	}
	if frame == 0 && dev.counted > 0 {
		return dev.counted, true
	}
	return 0, false
}

// Layout returns the channel layout of the device.
func (dev *Device) Layout() Layout { return dev.lay }

// Columns returns the description of readout rows.
func (dev *Device) Columns() Columns {
	out := make(Columns, len(dev.cols))
	copy(out, dev.cols)
	return out
}

// ExtraNames returns the names of the columns of readout rows.
func (dev *Device) ExtraNames() []string { return dev.cols.Names() }

// OutputFormat returns the formats of the columns of readout rows.
func (dev *Device) OutputFormat() []string { return dev.cols.Formats() }

// SetLogValues toggles the ln(I0/It) derived channels.
func (dev *Device) SetLogValues(v bool) error {
	d := dev.derived
	d.LogValues = v
	return dev.setDerived(d)
}

// SetRatio toggles the It/I0 derived channel.
func (dev *Device) SetRatio(v bool) error {
	d := dev.derived
	d.Ratio = v
	return dev.setDerived(d)
}

func (dev *Device) setDerived(d Derived) error {
	old := dev.derived
	dev.derived = d
	err := dev.configure()
	if err != nil {
		dev.derived = old
		return err
	}
	return nil
}

// AddFrameSet appends frame sets to the timing program.
func (dev *Device) AddFrameSet(fs ...timing.FrameSet) {
	dev.prog.Add(fs...)
}

// ClearFrameSets empties the timing program.
func (dev *Device) ClearFrameSets() {
	dev.prog.Clear()
	dev.upl.Reset()
	dev.preloaded = false
}

// Program returns the timing program of the device.
func (dev *Device) Program() *timing.Program { return &dev.prog }

// LoadFrameSets uploads the timing program. Frames are then collected
// one at a time by CollectData.
func (dev *Device) LoadFrameSets(ctx context.Context) error {
	err := dev.upload(ctx)
	if err != nil {
		return err
	}
	dev.preloaded = true
	return nil
}

func (dev *Device) upload(ctx context.Context) error {
	dev.lastFrameCollected = 0
	err := dev.upl.Upload(ctx, &dev.prog, dev.trig)
	if err != nil {
		dev.ClearFrameSets()
		return fmt.Errorf("scaler: could not load frame sets: %w", err)
	}
	dev.dec.Expect(dev.upl.Total())
	return nil
}

// CollectionTime returns the collection time of single-frame counts.
func (dev *Device) CollectionTime() time.Duration { return dev.collectionTime }

// SetCollectionTime sets the collection time of single-frame counts.
func (dev *Device) SetCollectionTime(d time.Duration) { dev.collectionTime = d }

// LastFrameCollected returns the number of frames collected by
// CollectData since the frame sets were loaded.
func (dev *Device) LastFrameCollected() int { return dev.lastFrameCollected }

// CollectData collects the next frame.
// With loaded frame sets, the program is started on the first call and
// continued on the following ones. Otherwise, a single frame of the
// collection time is counted.
func (dev *Device) CollectData(ctx context.Context) error {
	dev.lastCollect = time.Now()
	if !dev.preloaded {
		return dev.countFrame(ctx, dev.collectionTime)
	}

	var err error
	switch dev.lastFrameCollected {
	case 0:
		err = dev.mem.Start(ctx)
		if err != nil {
			return fmt.Errorf("scaler: could not start memory: %w", tfg.Fault(err))
		}
		err = dev.upl.Start(ctx)
	default:
		err = dev.upl.Continue(ctx)
	}
	if err != nil {
		return fmt.Errorf("scaler: could not collect frame %d: %w", dev.lastFrameCollected, err)
	}
	dev.lastFrameCollected++
	return nil
}

// countFrame counts a single frame of duration d into a cleared memory.
func (dev *Device) countFrame(ctx context.Context, d time.Duration) error {
	err := dev.mem.Clear(ctx)
	if err != nil {
		return fmt.Errorf("scaler: could not clear memory: %w", tfg.Fault(err))
	}
	err = dev.mem.Start(ctx)
	if err != nil {
		return fmt.Errorf("scaler: could not start memory: %w", tfg.Fault(err))
	}
	return dev.CountAsync(ctx, d)
}

// CountAsync counts a single frame of duration d, without waiting for
// its completion.
func (dev *Device) CountAsync(ctx context.Context, d time.Duration) error {
	dev.preloaded = false
	err := dev.upl.CountAsync(ctx, d)
	if err != nil {
		return fmt.Errorf("scaler: could not count: %w", err)
	}
	dev.counted = d
	dev.dec.Expect(1)
	return nil
}

// IsBusy returns whether the timing generator is running.
func (dev *Device) IsBusy(ctx context.Context) (bool, error) {
	busy, err := dev.dec.Busy(ctx)
	if err != nil {
		return false, fmt.Errorf("scaler: could not read status: %w", tfg.Fault(err))
	}
	return busy, nil
}

// WaitWhileBusy polls the timing generator until it is not busy.
// A non-zero timeout bounds the wait.
func (dev *Device) WaitWhileBusy(ctx context.Context, timeout time.Duration) error {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tck := time.NewTicker(dev.poll)
	defer tck.Stop()
	for {
		busy, err := dev.IsBusy(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return waitError(parent, timeout)
		case err != nil:
			return err
		case !busy:
			return nil
		}
		select {
		case <-ctx.Done():
			return waitError(parent, timeout)
		case <-tck.C:
		}
	}
}

// waitError reports the end of a wait bounded by timeout, within the
// parent context.
func waitError(parent context.Context, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("scaler: %w: %w", tfg.ErrInterrupted, err)
	}
	return fmt.Errorf("scaler: device still busy after %v: %w", timeout, tfg.ErrDeviceFault)
}

// currentFrame returns the frame last collected by CollectData.
func (dev *Device) currentFrame() int {
	if !dev.preloaded || dev.lastFrameCollected == 0 {
		return 0
	}
	return dev.lastFrameCollected - 1
}

// Readout returns the row of the frame last collected, once the settle
// delay since the collection has elapsed.
func (dev *Device) Readout(ctx context.Context) ([]float64, error) {
	if dev.settle > 0 && !dev.lastCollect.IsZero() {
		err := sleep(ctx, dev.settle-time.Since(dev.lastCollect))
		if err != nil {
			return nil, err
		}
	}
	return dev.ReadFrame(ctx, dev.currentFrame())
}

// ReadFrame returns the row of the given frame.
func (dev *Device) ReadFrame(ctx context.Context, frame int) ([]float64, error) {
	rows, err := dev.ReadFrames(ctx, frame, frame)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// ReadFrames returns the rows of the frames in [start, final].
func (dev *Device) ReadFrames(ctx context.Context, start, final int) ([][]float64, error) {
	frames, err := dev.frames(ctx, start, final)
	if err != nil {
		return nil, err
	}
	rows := make([][]float64, len(frames))
	for i, f := range frames {
		rows[i] = f.Row()
	}
	return rows, nil
}

// frames reads and corrects the frames in [start, final].
func (dev *Device) frames(ctx context.Context, start, final int) ([]Frame, error) {
	frames, err := dev.engine.ReadFrames(ctx, start, final)
	if err != nil {
		return nil, err
	}
	for i := range frames {
		f := &frames[i]
		err = dev.pipeline.Correct(f)
		if err != nil {
			return nil, err
		}
		if n := len(f.Row()); n != len(dev.cols) {
			return nil, fmt.Errorf(
				"scaler: invalid row width for frame %d (got=%d, want=%d): %w",
				f.Index, n, len(dev.cols), tfg.ErrLengthMismatch,
			)
		}
	}
	return frames, nil
}

// AcquireBaseline measures the dark current and makes it the baseline
// of the following readouts.
func (dev *Device) AcquireBaseline(ctx context.Context) (Baseline, error) {
	if dev.dark == nil {
		return Baseline{}, fmt.Errorf("scaler: dark current not configured: %w", tfg.ErrConfig)
	}
	b, err := dev.dark.acquire(ctx, dev)
	if err != nil {
		return Baseline{}, err
	}
	dev.baseline = &b
	return b, nil
}

// DarkState returns the state of the dark-current measurement.
func (dev *Device) DarkState() DarkState {
	if dev.dark == nil {
		return DarkIdle
	}
	return dev.dark.State()
}

// SetBaseline overrides the dark-current baseline.
func (dev *Device) SetBaseline(b Baseline) error {
	if len(b.Counts) != dev.lay.Width() {
		return fmt.Errorf(
			"scaler: invalid dark-current width (got=%d, want=%d): %w",
			len(b.Counts), dev.lay.Width(), tfg.ErrLengthMismatch,
		)
	}
	b.Counts = append([]float64(nil), b.Counts...)
	dev.baseline = &b
	return nil
}

// Baseline returns the dark-current baseline, if any.
func (dev *Device) Baseline() (Baseline, bool) {
	if dev.baseline == nil {
		return Baseline{}, false
	}
	return *dev.baseline, true
}

// AtScanLineStart prepares the device for a new scan line, measuring
// the dark current when configured.
func (dev *Device) AtScanLineStart(ctx context.Context) error {
	dev.lastFrameCollected = 0
	if dev.dark == nil {
		return nil
	}
	_, err := dev.AcquireBaseline(ctx)
	return err
}

// AtScanLineEnd clears the timing program.
func (dev *Device) AtScanLineEnd(ctx context.Context) error {
	dev.ClearFrameSets()
	dev.lastFrameCollected = 0
	return nil
}

// AtCommandFailure stops the timing generator and clears the timing
// program.
func (dev *Device) AtCommandFailure(ctx context.Context) error {
	dev.ClearFrameSets()
	dev.lastFrameCollected = 0
	err := dev.upl.Stop(ctx)
	if err != nil {
		return fmt.Errorf("scaler: could not stop timing generator: %w", err)
	}
	return nil
}

var _ io.Closer = (*Device)(nil)

// Close stops the scaler memory.
func (dev *Device) Close() error {
	err := dev.mem.Stop(context.Background())
	if err != nil {
		return fmt.Errorf("scaler: could not stop memory: %w", tfg.Fault(err))
	}
	return nil
}
