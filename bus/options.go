// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"log/slog"
	"time"
)

// BusConfig holds the tunables for one bus instance. All processes sharing a
// bus directory should run with the same thresholds; mismatched limits are
// safe but make compaction and retry timing harder to reason about.
type BusConfig struct {
	MaxMessageSize   int
	ProcessedIDLimit int

	AckDeadline   time.Duration
	MaxAckRetries int

	CompactThreshold int64
	LockStale        time.Duration
	Compression      CompressionType

	WakeRatePerSec float64
	WakeBurst      int

	Logger  *slog.Logger
	Metrics *Metrics
}

// DefaultBusConfig returns the default configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		MaxMessageSize:   DefaultMaxMessageSize,
		ProcessedIDLimit: DefaultProcessedIDLimit,
		AckDeadline:      DefaultAckDeadline,
		MaxAckRetries:    DefaultMaxAckRetries,
		CompactThreshold: DefaultCompactThreshold,
		LockStale:        DefaultLockStale,
		Compression:      CompressionNone,
		WakeRatePerSec:   DefaultWakeRatePerSec,
		WakeBurst:        DefaultWakeBurst,
	}
}

// Option is a function that configures the bus.
type Option func(*BusConfig)

// Apply applies options to a bus configuration.
func (c *BusConfig) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// WithMaxMessageSize sets the serialized message size ceiling. It must stay
// within the platform's atomic single-write guarantee for appends to shared
// files.
func WithMaxMessageSize(size int) Option {
	return func(c *BusConfig) {
		c.MaxMessageSize = size
	}
}

// WithProcessedIDLimit sets how many processed message IDs each cursor keeps
// for dedup.
func WithProcessedIDLimit(limit int) Option {
	return func(c *BusConfig) {
		c.ProcessedIDLimit = limit
	}
}

// WithAckDeadline sets the default confirmation window for messages that do
// not carry their own.
func WithAckDeadline(deadline time.Duration) Option {
	return func(c *BusConfig) {
		c.AckDeadline = deadline
	}
}

// WithMaxAckRetries sets how many deadline misses are retried before a
// message is dead-lettered.
func WithMaxAckRetries(retries int) Option {
	return func(c *BusConfig) {
		c.MaxAckRetries = retries
	}
}

// WithCompactThreshold sets the log size that triggers compaction.
func WithCompactThreshold(bytes int64) Option {
	return func(c *BusConfig) {
		c.CompactThreshold = bytes
	}
}

// WithLockStale sets the age past which a compaction lock left by a crashed
// process is reclaimed.
func WithLockStale(age time.Duration) Option {
	return func(c *BusConfig) {
		c.LockStale = age
	}
}

// WithCompression sets the compression type for archived log segments.
func WithCompression(ct CompressionType) Option {
	return func(c *BusConfig) {
		c.Compression = ct
	}
}

// WithWakeRate sets the per-recipient wake raise budget.
func WithWakeRate(raisesPerSec float64, burst int) Option {
	return func(c *BusConfig) {
		c.WakeRatePerSec = raisesPerSec
		c.WakeBurst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *BusConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(c *BusConfig) {
		c.Metrics = m
	}
}

// Compression presets

// FastCompression returns options for fast archive compression (S2).
func FastCompression() Option {
	return WithCompression(CompressionS2)
}

// HighCompression returns options for high compression ratio (Zstd).
func HighCompression() Option {
	return WithCompression(CompressionZstd)
}

// NoCompression stores archives uncompressed.
func NoCompression() Option {
	return WithCompression(CompressionNone)
}
