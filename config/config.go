// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/filemq/bus"
)

// Config holds all configuration for a bus process.
type Config struct {
	Bus     BusConfig     `yaml:"bus"`
	Ack     AckConfig     `yaml:"ack"`
	Compact CompactConfig `yaml:"compact"`
	Wake    WakeConfig    `yaml:"wake"`
	Log     LogConfig     `yaml:"log"`
	Otel    OtelConfig    `yaml:"otel"`
}

// BusConfig holds the shared-directory settings.
type BusConfig struct {
	// Directory shared by every process on this bus
	Dir string `yaml:"dir"`

	// Maximum serialized message size in bytes
	MaxMessageSize int `yaml:"max_message_size"`

	// Processed-ID history kept per cursor for dedup
	ProcessedIDLimit int `yaml:"processed_id_limit"`
}

// AckConfig holds delivery-confirmation settings.
type AckConfig struct {
	// Default confirmation window for ack.required messages
	Deadline time.Duration `yaml:"deadline"`

	// Deadline misses before a message is dead-lettered
	MaxRetries int `yaml:"max_retries"`

	// How often the maintenance sweep runs
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CompactConfig holds log compaction settings.
type CompactConfig struct {
	// Log size that triggers compaction
	Threshold int64 `yaml:"threshold"`

	// How often the maintenance loop checks the threshold
	Interval time.Duration `yaml:"interval"`

	// Age past which a crashed compactor's lock is reclaimed
	LockStale time.Duration `yaml:"lock_stale"`

	// Archive compression: none, s2, zstd
	Compression string `yaml:"compression"`
}

// WakeConfig holds wake signal settings.
type WakeConfig struct {
	// Per-recipient wake raise budget
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`

	// Consumer-side marker poll interval
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	Endpoint        string  `yaml:"endpoint"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Dir:              "./data/bus",
			MaxMessageSize:   bus.DefaultMaxMessageSize,
			ProcessedIDLimit: bus.DefaultProcessedIDLimit,
		},
		Ack: AckConfig{
			Deadline:      bus.DefaultAckDeadline,
			MaxRetries:    bus.DefaultMaxAckRetries,
			SweepInterval: bus.DefaultAckSweepInterval,
		},
		Compact: CompactConfig{
			Threshold:   bus.DefaultCompactThreshold,
			Interval:    bus.DefaultCompactInterval,
			LockStale:   bus.DefaultLockStale,
			Compression: "none",
		},
		Wake: WakeConfig{
			RatePerSec:   bus.DefaultWakeRatePerSec,
			Burst:        bus.DefaultWakeBurst,
			PollInterval: bus.DefaultWakePollInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			ServiceName:     "filemq",
			ServiceVersion:  "1.0.0",
			Endpoint:        "localhost:4317",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load reads configuration from a YAML file, filling unset fields with
// defaults. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Bus.Dir == "" {
		return fmt.Errorf("bus.dir cannot be empty")
	}
	if c.Bus.MaxMessageSize < 1024 {
		return fmt.Errorf("bus.max_message_size must be at least 1KB")
	}
	if c.Bus.MaxMessageSize > 1024*1024 {
		return fmt.Errorf("bus.max_message_size must stay within the 1MB atomic append bound")
	}
	if c.Bus.ProcessedIDLimit < 1 {
		return fmt.Errorf("bus.processed_id_limit must be at least 1")
	}

	if c.Ack.Deadline < time.Second {
		return fmt.Errorf("ack.deadline must be at least 1 second")
	}
	if c.Ack.MaxRetries < 1 {
		return fmt.Errorf("ack.max_retries must be at least 1")
	}
	if c.Ack.SweepInterval < time.Second {
		return fmt.Errorf("ack.sweep_interval must be at least 1 second")
	}

	if c.Compact.Threshold < 64*1024 {
		return fmt.Errorf("compact.threshold must be at least 64KB")
	}
	if c.Compact.Interval < time.Second {
		return fmt.Errorf("compact.interval must be at least 1 second")
	}
	if c.Compact.LockStale < 10*time.Second {
		return fmt.Errorf("compact.lock_stale must be at least 10 seconds")
	}
	if _, err := bus.ParseCompression(c.Compact.Compression); err != nil {
		return fmt.Errorf("compact.compression: %w", err)
	}

	if c.Wake.RatePerSec <= 0 {
		return fmt.Errorf("wake.rate_per_sec must be positive")
	}
	if c.Wake.Burst < 1 {
		return fmt.Errorf("wake.burst must be at least 1")
	}
	if c.Wake.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("wake.poll_interval must be at least 10ms")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
		return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// BusOptions maps the configuration onto bus options.
func (c *Config) BusOptions() []bus.Option {
	compression, _ := bus.ParseCompression(c.Compact.Compression)

	return []bus.Option{
		bus.WithMaxMessageSize(c.Bus.MaxMessageSize),
		bus.WithProcessedIDLimit(c.Bus.ProcessedIDLimit),
		bus.WithAckDeadline(c.Ack.Deadline),
		bus.WithMaxAckRetries(c.Ack.MaxRetries),
		bus.WithCompactThreshold(c.Compact.Threshold),
		bus.WithLockStale(c.Compact.LockStale),
		bus.WithCompression(compression),
		bus.WithWakeRate(c.Wake.RatePerSec, c.Wake.Burst),
	}
}
