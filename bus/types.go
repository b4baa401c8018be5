// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"time"
)

// Bus errors.
var (
	ErrBusClosed          = errors.New("bus is closed")
	ErrCursorNotFound     = errors.New("cursor not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrMessageTooLarge    = errors.New("message exceeds maximum size")
	ErrCompactionRunning  = errors.New("compaction already in progress")
	ErrPendingNotFound    = errors.New("pending ack entry not found")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrUnknownPriority    = errors.New("unknown priority")
)

// MessageType identifies the kind of bus message. It determines which
// fields are required at send time.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotify       MessageType = "notify"
	TypeTaskDelegate MessageType = "task_delegate"
	TypeBroadcast    MessageType = "broadcast"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotify, TypeTaskDelegate, TypeBroadcast:
		return true
	default:
		return false
	}
}

// ParseMessageType parses a message type name as it appears in flags and
// configuration.
func ParseMessageType(name string) (MessageType, error) {
	t := MessageType(name)
	if !t.Valid() {
		return "", ErrUnknownMessageType
	}
	return t, nil
}

// Priority drives wake behavior at send time and ordering at read time.
type Priority string

const (
	PriorityBlocking Priority = "blocking"
	PriorityNormal   Priority = "normal"
	PriorityFYI      Priority = "fyi"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityBlocking, PriorityNormal, PriorityFYI:
		return true
	default:
		return false
	}
}

// ParsePriority parses a priority name as it appears in flags and
// configuration.
func ParsePriority(name string) (Priority, error) {
	p := Priority(name)
	if !p.Valid() {
		return "", ErrUnknownPriority
	}
	return p, nil
}

// rank returns the delivery ordering rank: blocking < normal < fyi.
func (p Priority) rank() int {
	switch p {
	case PriorityBlocking:
		return 0
	case PriorityNormal:
		return 1
	case PriorityFYI:
		return 2
	default:
		return 3
	}
}

// Wildcard is the recipient that addresses every consumer.
const Wildcard = "*"

// Ack response statuses carried in the payload of confirmation messages.
const (
	StatusAcknowledged = "acknowledged"
	StatusRejected     = "rejected"
)

// ReasonAckTimeout is the DLQ reason recorded when a required
// acknowledgment never arrived within the retry budget.
const ReasonAckTimeout = "ack_timeout"

// CompressionType selects archive compression for compacted segments.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota // No compression
	CompressionS2                          // S2 (Snappy-compatible, fastest)
	CompressionZstd                        // Zstd (best compression ratio)
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression parses a compression name as it appears in configuration.
func ParseCompression(name string) (CompressionType, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, errors.New("unknown compression type: " + name)
	}
}

// Default configuration values.
const (
	// DefaultMaxMessageSize bounds one serialized log line. Appends are a
	// single write(2) on an O_APPEND handle; staying well under the
	// platform's atomic append limit is what keeps unsynchronized
	// multi-process writers from interleaving bytes.
	DefaultMaxMessageSize = 64 * 1024

	// DefaultProcessedIDLimit bounds the per-cursor dedup history.
	DefaultProcessedIDLimit = 500

	DefaultAckDeadline      = 30 * time.Second
	DefaultMaxAckRetries    = 3
	DefaultAckSweepInterval = 5 * time.Second

	DefaultCompactThreshold = 10 * 1024 * 1024 // 10MB
	DefaultCompactInterval  = 30 * time.Second
	DefaultLockStale        = 2 * time.Minute

	DefaultWakeRatePerSec   = 2.0
	DefaultWakeBurst        = 1
	DefaultWakePollInterval = 500 * time.Millisecond
)

// Default message TTLs keyed by priority.
const (
	DefaultTTLBlocking = 5 * time.Minute
	DefaultTTLNormal   = time.Hour
	DefaultTTLFYI      = 24 * time.Hour
)

// DefaultTTL returns the default time-to-live for a priority.
func DefaultTTL(p Priority) time.Duration {
	switch p {
	case PriorityBlocking:
		return DefaultTTLBlocking
	case PriorityFYI:
		return DefaultTTLFYI
	default:
		return DefaultTTLNormal
	}
}

// On-disk names. Everything the bus persists lives under a single shared
// directory; these are the file and directory names inside it.
const (
	LogFileName     = "messages.log"
	PendingFileName = "pending_acks.log"
	DLQFileName     = "dlq.log"
	LockFileName    = "compact.lock"
	CursorDirName   = "cursors"
	ArchiveDirName  = "archive"
	WakeDirName     = "wake"

	CursorExtension = ".cur"
	WakeExtension   = ".wake"
	TempExtension   = ".tmp"
)
