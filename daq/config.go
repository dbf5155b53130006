// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-lpc/tfg"
	"github.com/go-lpc/tfg/scaler"
	"github.com/go-lpc/tfg/timing"
)

// Config describes a physical scaler and the logical detectors it serves.
type Config struct {
	Name    string        `yaml:"name"`
	Server  string        `yaml:"server"`  // DA.Server address
	Timeout time.Duration `yaml:"timeout"` // DA.Server command timeout

	Memory  MemoryConfig  `yaml:"memory"`
	Scaler  ScalerConfig  `yaml:"scaler"`
	Trigger TriggerConfig `yaml:"trigger"`
	Frames  []FrameConfig `yaml:"frames"`

	Points         int           `yaml:"points"` // points of a scan line
	CollectionTime time.Duration `yaml:"collection-time"`
	Poll           time.Duration `yaml:"poll"`

	Dark   *DarkConfig  `yaml:"dark"`
	CondDB string       `yaml:"conddb"` // name of the condition database
	Alert  *AlertConfig `yaml:"alert"`

	Detectors []DetectorConfig `yaml:"detectors"`
}

// MemoryConfig selects the scaler memory: a DA.Server memory module, or
// a memory-mapped counter file when File is set.
type MemoryConfig struct {
	Module string `yaml:"module"`
	File   string `yaml:"file"`
	Frames int    `yaml:"frames"` // capacity of the counter file
}

type ScalerConfig struct {
	Channels    int  `yaml:"channels"`
	V2          bool `yaml:"v2"`
	TimeChannel bool `yaml:"time-channel"`
}

type TriggerConfig struct {
	Mode   string `yaml:"mode"` // internal or external
	Socket int    `yaml:"socket"`
}

type FrameConfig struct {
	Frames    int           `yaml:"frames"`
	Dead      time.Duration `yaml:"dead"`
	Live      time.Duration `yaml:"live"`
	DeadPause int           `yaml:"dead-pause"`
	LivePause int           `yaml:"live-pause"`
}

// DarkConfig configures dark-current measurements at the start of each
// scan line.
type DarkConfig struct {
	Time    time.Duration `yaml:"time"`
	Timeout time.Duration `yaml:"timeout"`
	NoReset bool          `yaml:"no-reset"`
	Shutter ShutterConfig `yaml:"shutter"`
}

// ShutterConfig locates the SMBus GPIO expander driving the shutter.
type ShutterConfig struct {
	Bus  int   `yaml:"bus"`
	Addr uint8 `yaml:"addr"`
	Reg  uint8 `yaml:"reg"`
}

// DetectorConfig describes a logical detector: a window of the data
// channels of the scaler, with its own derived channels.
type DetectorConfig struct {
	Name      string   `yaml:"name"`
	First     int      `yaml:"first"`
	Channels  int      `yaml:"channels"`
	Names     []string `yaml:"names"`
	LogValues bool     `yaml:"log-values"`
	Ratio     bool     `yaml:"ratio"`
	I0        int      `yaml:"i0"`
	It        int      `yaml:"it"`
	Iref      *int     `yaml:"iref"`
}

func (det DetectorConfig) derived() scaler.Derived {
	iref := -1
	if det.Iref != nil {
		iref = *det.Iref
	}
	return scaler.Derived{
		LogValues: det.LogValues,
		Ratio:     det.Ratio,
		I0:        det.I0,
		It:        det.It,
		Iref:      iref,
	}
}

// LoadConfig decodes a YAML configuration and validates it.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("daq: could not decode configuration: %w: %w", tfg.ErrConfig, err)
	}
	cfg.defaults()
	err = cfg.Validate()
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) defaults() {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Memory.Module == "" {
		cfg.Memory.Module = "Scalers"
	}
	if cfg.Trigger.Mode == "" {
		cfg.Trigger.Mode = "external"
	}
	if cfg.CollectionTime == 0 {
		cfg.CollectionTime = time.Second
	}
	if cfg.Poll == 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	if cfg.Points == 0 {
		cfg.Points = cfg.program().Frames()
	}
	if cfg.Memory.File != "" && cfg.Memory.Frames == 0 {
		cfg.Memory.Frames = max(cfg.program().Frames(), 1)
	}
}

// Layout returns the full channel layout of the scaler.
func (cfg Config) Layout() scaler.Layout {
	return scaler.Layout{
		Channels:    cfg.Scaler.Channels,
		V2:          cfg.Scaler.V2,
		TimeChannel: cfg.Scaler.TimeChannel,
	}
}

// trigger returns the trigger of scan lines.
func (cfg Config) trigger() (timing.Trigger, error) {
	trig := timing.Trigger{Socket: cfg.Trigger.Socket}
	switch strings.ToLower(cfg.Trigger.Mode) {
	case "internal":
		trig.Mode = timing.Internal
	case "external":
		trig.Mode = timing.External
	default:
		return trig, fmt.Errorf("daq: invalid trigger mode %q: %w", cfg.Trigger.Mode, tfg.ErrConfig)
	}
	return trig, nil
}

func (cfg Config) program() *timing.Program {
	var prog timing.Program
	for _, fs := range cfg.Frames {
		prog.Add(timing.FrameSet{
			Frames:    fs.Frames,
			DeadTime:  fs.Dead,
			LiveTime:  fs.Live,
			DeadPause: fs.DeadPause,
			LivePause: fs.LivePause,
		})
	}
	return &prog
}

// Validate checks the configuration can be served by the scaler.
func (cfg Config) Validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("daq: missing scaler name: %w", tfg.ErrConfig)
	}
	if cfg.Server == "" {
		return fmt.Errorf("daq: missing DA.Server address: %w", tfg.ErrConfig)
	}
	lay := cfg.Layout()
	err := lay.Validate()
	if err != nil {
		return fmt.Errorf("daq: invalid scaler layout: %w", err)
	}
	_, err = cfg.trigger()
	if err != nil {
		return err
	}
	if cfg.program().Frames() <= 0 {
		return fmt.Errorf("daq: no frame: %w", tfg.ErrConfig)
	}
	if cfg.Points <= 0 {
		return fmt.Errorf("daq: invalid number of points %d: %w", cfg.Points, tfg.ErrConfig)
	}
	if cfg.Memory.File != "" && cfg.Memory.Frames < cfg.program().Frames() {
		return fmt.Errorf(
			"daq: counter file too small (frames=%d < %d): %w",
			cfg.Memory.Frames, cfg.program().Frames(), tfg.ErrConfig,
		)
	}
	if len(cfg.Detectors) == 0 {
		return fmt.Errorf("daq: no detector: %w", tfg.ErrConfig)
	}

	var (
		width = lay.Width()
		names = make(map[string]struct{}, len(cfg.Detectors))
	)
	for _, det := range cfg.Detectors {
		if det.Name == "" {
			return fmt.Errorf("daq: missing detector name: %w", tfg.ErrConfig)
		}
		if _, dup := names[det.Name]; dup {
			return fmt.Errorf("daq: duplicate detector %q: %w", det.Name, tfg.ErrConfig)
		}
		names[det.Name] = struct{}{}
		err := det.validate(width)
		if err != nil {
			return err
		}
	}
	return nil
}

func (det DetectorConfig) validate(width int) error {
	if det.First < 0 || det.Channels <= 0 || det.First+det.Channels > width {
		return fmt.Errorf(
			"daq: detector %q: window [%d, %d) out of range [0, %d): %w",
			det.Name, det.First, det.First+det.Channels, width, tfg.ErrConfig,
		)
	}
	if len(det.Names) != 0 && len(det.Names) != det.Channels {
		return fmt.Errorf(
			"daq: detector %q: invalid number of channel names (got=%d, want=%d): %w",
			det.Name, len(det.Names), det.Channels, tfg.ErrLengthMismatch,
		)
	}
	err := det.derived().Validate(det.Channels)
	if err != nil {
		return fmt.Errorf("daq: detector %q: %w", det.Name, err)
	}
	return nil
}
