// SPDX-License-Identifier: MIT

// Package config loads and validates the application configuration
// from YAML, layered as defaults, then file, then environment
// overrides. A watcher can reload the file at runtime; consumers
// decide which sections they can apply live.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mandersson1024/intonation-toy-sub007/internal/analysis"
	"github.com/mandersson1024/intonation-toy-sub007/internal/smooth"
	"github.com/mandersson1024/intonation-toy-sub007/internal/transfer"
)

// Duration wraps time.Duration so YAML accepts both "33ms" strings and
// plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(dur)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value at line %d", value.Line)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root of the application configuration.
type Config struct {
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	Audio     AudioConfig          `yaml:"audio"`
	Analyzer  AnalyzerConfig       `yaml:"analyzer"`
	Smoothing SmoothingConfig      `yaml:"smoothing"`
	Volume    VolumeConfig         `yaml:"volume"`
	Onset     analysis.OnsetConfig `yaml:"onset"`
	Pool      PoolConfig           `yaml:"pool"`
	Batching  BatchingConfig       `yaml:"batching"`
	Gate      GateConfig           `yaml:"gate"`
	Transport TransportConfig      `yaml:"transport"`
}

// AudioConfig holds capture settings.
type AudioConfig struct {
	InputDevice   int     `yaml:"input_device"` // -1 selects the system default
	SampleRate    float64 `yaml:"sample_rate"`
	InputChannels int     `yaml:"input_channels"`
	LowLatency    bool    `yaml:"low_latency"`
}

// AnalyzerConfig holds block extraction settings by name; BlockConfig
// resolves them into the typed form.
type AnalyzerConfig struct {
	BlockSize  int     `yaml:"block_size"`
	Strategy   string  `yaml:"strategy"`
	Overlap    float64 `yaml:"overlap"`
	Window     string  `yaml:"window"`
	RingBlocks int     `yaml:"ring_blocks"` // ring capacity in whole blocks
}

// BlockConfig resolves the names into an analysis.BlockConfig.
func (c AnalyzerConfig) BlockConfig() (analysis.BlockConfig, error) {
	strategy, err := analysis.ParseStrategy(c.Strategy)
	if err != nil {
		return analysis.BlockConfig{}, err
	}
	window, err := analysis.ParseWindowFunc(c.Window)
	if err != nil {
		return analysis.BlockConfig{}, err
	}
	return analysis.BlockConfig{
		Size:     c.BlockSize,
		Strategy: strategy,
		Overlap:  c.Overlap,
		Window:   window,
	}, nil
}

// RingCapacity returns the ring buffer size in samples.
func (c AnalyzerConfig) RingCapacity() int {
	return c.RingBlocks * c.BlockSize
}

// SmoothingConfig holds one pipeline per smoothed scalar.
type SmoothingConfig struct {
	Frequency smooth.Config `yaml:"frequency"`
	Clarity   smooth.Config `yaml:"clarity"`
}

// VolumeConfig extends the detector settings with the optional
// noise-floor calibration. The detector's sample rate is carried over
// from the audio section during load; a value in this section is
// ignored.
type VolumeConfig struct {
	analysis.VolumeConfig `yaml:",inline"`

	Calibrate           bool    `yaml:"calibrate"`
	CalibrationBlocks   int     `yaml:"calibration_blocks"`
	CalibrationMarginDB float64 `yaml:"calibration_margin_db"`
}

// PoolConfig holds the transfer pool settings. BufferCapacity 0 means
// derive from block size and batch size at wiring time.
type PoolConfig struct {
	Size           int `yaml:"pool_size"`
	BufferCapacity int `yaml:"buffer_capacity"`
	TimeoutMS      int `yaml:"timeout_ms"`
}

// Resolve builds the final transfer pool configuration, deriving the
// capacity when the file left it at 0.
func (c PoolConfig) Resolve(blockSize, batchSize int) transfer.PoolConfig {
	capacity := c.BufferCapacity
	if capacity == 0 {
		capacity = blockSize * batchSize
	}
	return transfer.PoolConfig{
		Size:           c.Size,
		BufferCapacity: capacity,
		TimeoutMS:      c.TimeoutMS,
	}
}

// BatchingConfig controls how many blocks are coalesced per transfer.
type BatchingConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// GateConfig holds the input gate settings. Blocks whose RMS stays
// under the threshold are metered but not forwarded to analysis.
type GateConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ThresholdDB float64 `yaml:"threshold_db"`
	HoldBlocks  int     `yaml:"hold_blocks"` // blocks the gate stays open after dropping below
}

// TransportConfig holds the outbound measurement transports.
type TransportConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket"`
	UDP       UDPConfig       `yaml:"udp"`
}

// WebSocketConfig configures the JSON measurement stream.
type WebSocketConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	MaxRateHz     int    `yaml:"max_rate_hz"`
}

// UDPConfig configures the binary measurement packets.
type UDPConfig struct {
	Enabled       bool     `yaml:"enabled"`
	TargetAddress string   `yaml:"target_address"`
	SendInterval  Duration `yaml:"send_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Debug:    false,
		LogLevel: "info",
		Audio: AudioConfig{
			InputDevice:   -1,
			SampleRate:    48000,
			InputChannels: 1,
			LowLatency:    true,
		},
		Analyzer: AnalyzerConfig{
			BlockSize:  1024,
			Strategy:   "sequential",
			Overlap:    0.5,
			Window:     "hamming",
			RingBlocks: 4,
		},
		Smoothing: SmoothingConfig{
			Frequency: smooth.DefaultConfig(),
			Clarity:   smooth.DefaultConfig(),
		},
		Volume: VolumeConfig{
			VolumeConfig:        analysis.DefaultVolumeConfig(),
			Calibrate:           false,
			CalibrationBlocks:   30,
			CalibrationMarginDB: 6,
		},
		Onset: analysis.DefaultOnsetConfig(),
		Pool: PoolConfig{
			Size:           8,
			BufferCapacity: 0,
			TimeoutMS:      0,
		},
		Batching: BatchingConfig{
			BatchSize: 1,
		},
		Gate: GateConfig{
			Enabled:     false,
			ThresholdDB: -70,
			HoldBlocks:  8,
		},
		Transport: TransportConfig{
			WebSocket: WebSocketConfig{
				Enabled:       false,
				ListenAddress: "127.0.0.1:8765",
				Path:          "/measurements",
				MaxRateHz:     30,
			},
			UDP: UDPConfig{
				Enabled:       false,
				TargetAddress: "127.0.0.1:9090",
				SendInterval:  Duration(33 * time.Millisecond), // ~30 Hz
			},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides, then validates the result. An empty path
// searches the default locations; absence of a file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range []string{"config.yaml", "intonation.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	// The detector rate always follows the capture rate.
	cfg.Volume.SampleRate = cfg.Audio.SampleRate

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every section; the first failure wins.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %v", c.Audio.SampleRate)
	}
	if c.Audio.InputChannels < 1 {
		return fmt.Errorf("audio.input_channels must be at least 1, got %d", c.Audio.InputChannels)
	}
	if c.Audio.InputDevice < -1 {
		return fmt.Errorf("audio.input_device must be -1 or a device index, got %d", c.Audio.InputDevice)
	}

	blockCfg, err := c.Analyzer.BlockConfig()
	if err != nil {
		return fmt.Errorf("analyzer: %w", err)
	}
	if err := blockCfg.Validate(); err != nil {
		return fmt.Errorf("analyzer: %w", err)
	}
	if c.Analyzer.RingBlocks < 2 {
		return fmt.Errorf("analyzer.ring_blocks must be at least 2, got %d", c.Analyzer.RingBlocks)
	}

	if err := c.Smoothing.Frequency.Validate(); err != nil {
		return fmt.Errorf("smoothing.frequency: %w", err)
	}
	if err := c.Smoothing.Clarity.Validate(); err != nil {
		return fmt.Errorf("smoothing.clarity: %w", err)
	}

	if err := c.Volume.VolumeConfig.Validate(); err != nil {
		return fmt.Errorf("volume: %w", err)
	}
	if c.Volume.Calibrate {
		if c.Volume.CalibrationBlocks < 1 {
			return fmt.Errorf("volume.calibration_blocks must be at least 1, got %d", c.Volume.CalibrationBlocks)
		}
		if c.Volume.CalibrationMarginDB < 0 {
			return fmt.Errorf("volume.calibration_margin_db must be non-negative, got %v", c.Volume.CalibrationMarginDB)
		}
	}

	if err := c.Onset.Validate(); err != nil {
		return fmt.Errorf("onset: %w", err)
	}

	if c.Pool.Size < 1 || c.Pool.Size > 256 {
		return fmt.Errorf("pool.pool_size must be within [1, 256], got %d", c.Pool.Size)
	}
	if c.Pool.BufferCapacity < 0 {
		return fmt.Errorf("pool.buffer_capacity must be 0 (derived) or positive, got %d", c.Pool.BufferCapacity)
	}
	if c.Pool.TimeoutMS < 0 {
		return fmt.Errorf("pool.timeout_ms must be non-negative, got %d", c.Pool.TimeoutMS)
	}

	if c.Batching.BatchSize < 1 || c.Batching.BatchSize > 64 {
		return fmt.Errorf("batching.batch_size must be within [1, 64], got %d", c.Batching.BatchSize)
	}

	if c.Gate.ThresholdDB < -96 || c.Gate.ThresholdDB >= 0 {
		return fmt.Errorf("gate.threshold_db must be within [-96, 0), got %v", c.Gate.ThresholdDB)
	}
	if c.Gate.HoldBlocks < 0 {
		return fmt.Errorf("gate.hold_blocks must be non-negative, got %d", c.Gate.HoldBlocks)
	}

	if ws := c.Transport.WebSocket; ws.Enabled {
		if !strings.Contains(ws.ListenAddress, ":") {
			return fmt.Errorf("transport.websocket.listen_address %q needs a host:port form", ws.ListenAddress)
		}
		if !strings.HasPrefix(ws.Path, "/") {
			return fmt.Errorf("transport.websocket.path %q must start with /", ws.Path)
		}
		if ws.MaxRateHz < 1 {
			return fmt.Errorf("transport.websocket.max_rate_hz must be at least 1, got %d", ws.MaxRateHz)
		}
	}
	if udp := c.Transport.UDP; udp.Enabled {
		if !strings.Contains(udp.TargetAddress, ":") {
			return fmt.Errorf("transport.udp.target_address %q needs a host:port form", udp.TargetAddress)
		}
		if udp.SendInterval <= 0 {
			return fmt.Errorf("transport.udp.send_interval must be positive, got %v", time.Duration(udp.SendInterval))
		}
	}

	return nil
}

// applyEnvOverrides layers ENV_* variables over the loaded values.
// Unset or unparsable variables leave the configuration untouched.
func (c *Config) applyEnvOverrides() {
	if val, ok := os.LookupEnv("ENV_DEBUG"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Debug = b
			logrus.WithField("debug", b).Debug("configuration override from environment")
		}
	}
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		c.LogLevel = val
		logrus.WithField("log_level", val).Debug("configuration override from environment")
	}
	if val, ok := os.LookupEnv("ENV_WS_ENABLED"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Transport.WebSocket.Enabled = b
			logrus.WithField("websocket_enabled", b).Debug("configuration override from environment")
		}
	}
	if val, ok := os.LookupEnv("ENV_WS_LISTEN_ADDRESS"); ok {
		c.Transport.WebSocket.ListenAddress = val
		logrus.WithField("websocket_listen_address", val).Debug("configuration override from environment")
	}
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Transport.UDP.Enabled = b
			logrus.WithField("udp_enabled", b).Debug("configuration override from environment")
		}
	}
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		c.Transport.UDP.TargetAddress = val
		logrus.WithField("udp_target_address", val).Debug("configuration override from environment")
	}
	if val, ok := os.LookupEnv("ENV_UDP_SEND_INTERVAL"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			c.Transport.UDP.SendInterval = Duration(dur)
			logrus.WithField("udp_send_interval", dur).Debug("configuration override from environment")
		}
	}
}
