// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one bus message, serialized as a single JSON object per log
// line. Once appended its bytes are immutable; delivery state lives in
// cursor and pending-ack files, never in the log itself.
type Message struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"ts"`
	Type          MessageType     `json:"type"`
	From          string          `json:"from"`
	To            string          `json:"to,omitempty"`
	Priority      Priority        `json:"priority"`
	TTL           int64           `json:"ttl_ms"`
	SenderSeq     int64           `json:"sender_seq"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Ack           *AckPolicy      `json:"ack,omitempty"`
}

// AckPolicy asks the recipient to emit a correlated response within the
// deadline. A zero DeadlineMS falls back to the bus default ack window.
type AckPolicy struct {
	Required   bool  `json:"required"`
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
}

// AckPayload is the body of a confirmation response.
type AckPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ValidationError rejects an outbound message before any write. It carries
// every violation found, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + strings.Join(e.Violations, "; ")
}

// Validate checks the fields the declared type requires. It returns a
// *ValidationError listing all violations, or nil.
func (m *Message) Validate() error {
	var violations []string

	if m.From == "" {
		violations = append(violations, "from is required")
	}
	if !m.Type.Valid() {
		violations = append(violations, fmt.Sprintf("unknown type %q", m.Type))
	}
	if m.Priority != "" && !m.Priority.Valid() {
		violations = append(violations, fmt.Sprintf("unknown priority %q", m.Priority))
	}

	switch m.Type {
	case TypeRequest, TypeTaskDelegate:
		if m.To == "" {
			violations = append(violations, fmt.Sprintf("to is required for type %q", m.Type))
		}
	case TypeResponse:
		if m.CorrelationID == "" {
			violations = append(violations, "correlation_id is required for type \"response\"")
		}
	}

	if m.Ack != nil && m.Ack.DeadlineMS < 0 {
		violations = append(violations, "ack.deadline_ms cannot be negative")
	}
	if m.TTL < 0 {
		violations = append(violations, "ttl_ms cannot be negative")
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// Expired reports whether the message is past its TTL at the given time.
// Messages without a TTL never expire.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(time.Duration(m.TTL) * time.Millisecond))
}

// VisibleTo reports whether the message is addressed to the given consumer.
// Broadcasts, wildcard recipients, and unaddressed messages are visible to
// everyone; only a different concrete recipient hides a message.
func (m *Message) VisibleTo(consumerID string) bool {
	if m.Type == TypeBroadcast {
		return true
	}
	switch m.To {
	case "", Wildcard, consumerID:
		return true
	default:
		return false
	}
}

// ExpiresAt returns the instant the message becomes invisible to ordinary
// reads, or the zero time when it never expires.
func (m *Message) ExpiresAt() time.Time {
	if m.TTL <= 0 {
		return time.Time{}
	}
	return m.Timestamp.Add(time.Duration(m.TTL) * time.Millisecond)
}

// AckDeadline returns the confirmation deadline for a message that requires
// one, using fallback when the policy does not name a window.
func (m *Message) AckDeadline(fallback time.Duration) time.Time {
	window := fallback
	if m.Ack != nil && m.Ack.DeadlineMS > 0 {
		window = time.Duration(m.Ack.DeadlineMS) * time.Millisecond
	}
	return m.Timestamp.Add(window)
}
