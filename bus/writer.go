// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a globally unique message ID with a millisecond
// timestamp prefix, so IDs sort roughly by send time.
func NewMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Send validates, stamps, and appends one message to the log, returning the
// assigned message ID.
//
// The append is a single write on a file opened with O_APPEND, which is what
// makes unsynchronized concurrent senders safe; the serialized line must fit
// the configured size ceiling for that to hold. Blocking-priority messages to
// a concrete recipient raise that recipient's wake marker, and messages with
// ack.required register a pending confirmation. Crossing the compaction
// threshold triggers compaction asynchronously; its failure never fails the
// send.
func (b *Bus) Send(m *Message) (string, error) {
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	if m == nil {
		return "", &ValidationError{Violations: []string{"message is required"}}
	}

	start := time.Now()

	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if err := m.Validate(); err != nil {
		if b.metrics != nil {
			b.metrics.RecordError("validation")
		}
		return "", err
	}

	if m.ID == "" {
		m.ID = NewMessageID()
	}
	m.Timestamp = time.Now().UTC()
	if m.TTL <= 0 {
		m.TTL = DefaultTTL(m.Priority).Milliseconds()
	}

	seq, err := b.seq.Next(m.From)
	if err != nil {
		return "", err
	}
	m.SenderSeq = seq

	line, err := EncodeLine(m)
	if err != nil {
		return "", err
	}
	if len(line) > b.cfg.MaxMessageSize {
		return "", fmt.Errorf("%w: %d bytes over %d byte ceiling", ErrMessageTooLarge, len(line), b.cfg.MaxMessageSize)
	}

	if err := appendLine(b.logPath, line); err != nil {
		if b.metrics != nil {
			b.metrics.RecordError("append")
		}
		return "", fmt.Errorf("failed to append message: %w", err)
	}

	if m.Ack != nil && m.Ack.Required {
		if err := b.tracker.Register(m); err != nil {
			// The message is already on the log; a resend after this error
			// is deduplicated by consumers via processed IDs.
			return "", err
		}
	}

	if m.Priority == PriorityBlocking && m.To != "" && m.To != Wildcard {
		if err := b.notifier.Raise(m.To); err != nil {
			b.logger.Warn("failed to raise wake",
				slog.String("to", m.To),
				slog.Any("error", err))
		} else if b.metrics != nil {
			b.metrics.RecordWake()
		}
	}

	if b.metrics != nil {
		b.metrics.RecordSend(m.Type, m.Priority, int64(len(line)), time.Since(start).Seconds()*1000)
	}

	b.maybeCompact()

	return m.ID, nil
}
