// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// PendingAck is one outstanding delivery confirmation, durable and
// independent of the log.
type PendingAck struct {
	MessageID  string `json:"message_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	DeadlineAt int64  `json:"deadline_at"`
	Retries    int    `json:"retries"`
	CreatedAt  int64  `json:"created_at"`
}

// Due reports whether the confirmation deadline has passed.
func (p PendingAck) Due(now time.Time) bool {
	return now.UnixMilli() > p.DeadlineAt
}

// SweepResult reports one timeout sweep pass.
type SweepResult struct {
	Retried      int `json:"retried"`
	DeadLettered int `json:"dlqd"`
}

// AckTracker records messages sent with ack.required and escalates the ones
// whose confirmation never arrives. New entries are single atomic appends;
// retries and removals rewrite the file via temp-then-rename, the same
// discipline the log itself uses.
type AckTracker struct {
	mu sync.Mutex

	path       string
	deadline   time.Duration
	maxRetries int

	notifier *Notifier
	dlq      *DLQ

	logger *slog.Logger
}

// NewAckTracker creates a tracker rooted at the bus directory.
func NewAckTracker(root string, deadline time.Duration, maxRetries int, notifier *Notifier, dlq *DLQ, logger *slog.Logger) *AckTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if deadline <= 0 {
		deadline = DefaultAckDeadline
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxAckRetries
	}

	return &AckTracker{
		path:       filepath.Join(root, PendingFileName),
		deadline:   deadline,
		maxRetries: maxRetries,
		notifier:   notifier,
		dlq:        dlq,
		logger:     logger,
	}
}

// Register records an outstanding confirmation for a message sent with
// ack.required.
func (t *AckTracker) Register(m *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := PendingAck{
		MessageID:  m.ID,
		From:       m.From,
		To:         m.To,
		DeadlineAt: m.AckDeadline(t.deadline).UnixMilli(),
		CreatedAt:  time.Now().UnixMilli(),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal pending ack: %w", err)
	}
	line = append(line, '\n')

	if err := appendLine(t.path, line); err != nil {
		return fmt.Errorf("failed to append pending ack: %w", err)
	}

	return nil
}

// Pending returns all outstanding entries. Later lines supersede earlier ones
// for the same message ID; malformed lines are skipped.
func (t *AckTracker) Pending() ([]PendingAck, error) {
	data, err := readFileIfExists(t.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending acks: %w", err)
	}

	var entries []PendingAck
	index := make(map[string]int)
	forEachLine(data, func(line []byte) bool {
		var entry PendingAck
		if err := json.Unmarshal(line, &entry); err != nil {
			t.logger.Warn("skipping malformed pending ack line", slog.Any("error", err))
			return true
		}
		if entry.MessageID == "" {
			return true
		}

		if i, ok := index[entry.MessageID]; ok {
			entries[i] = entry
		} else {
			index[entry.MessageID] = len(entries)
			entries = append(entries, entry)
		}
		return true
	})

	return entries, nil
}

// Count returns the number of outstanding entries.
func (t *AckTracker) Count() (int, error) {
	entries, err := t.Pending()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Clear drops the entry for a confirmed message. Returns ErrPendingNotFound
// when the message is not tracked, which callers racing the timeout sweep
// should treat as success.
func (t *AckTracker) Clear(messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := t.Pending()
	if err != nil {
		return err
	}

	kept := entries[:0]
	found := false
	for _, entry := range entries {
		if entry.MessageID == messageID {
			found = true
			continue
		}
		kept = append(kept, entry)
	}

	if !found {
		return ErrPendingNotFound
	}

	return t.writeAll(kept)
}

// Sweep processes overdue entries: within-budget ones get a retry (wake
// re-raised, deadline pushed forward), exhausted ones move to the DLQ with
// reason ack_timeout and leave the pending set.
func (t *AckTracker) Sweep(now time.Time) (SweepResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result SweepResult

	entries, err := t.Pending()
	if err != nil {
		return result, err
	}
	if len(entries) == 0 {
		return result, nil
	}

	kept := make([]PendingAck, 0, len(entries))
	var wake []string
	changed := false

	for _, entry := range entries {
		if !entry.Due(now) {
			kept = append(kept, entry)
			continue
		}

		if entry.Retries < t.maxRetries {
			entry.Retries++
			entry.DeadlineAt = now.Add(t.deadline).UnixMilli()
			kept = append(kept, entry)
			wake = append(wake, entry.To)
			changed = true
			result.Retried++

			t.logger.Debug("retrying unacknowledged message",
				slog.String("message_id", entry.MessageID),
				slog.String("to", entry.To),
				slog.Int("retries", entry.Retries))
			continue
		}

		t.logger.Warn("ack retries exhausted",
			slog.String("message_id", entry.MessageID),
			slog.String("to", entry.To),
			slog.Int("retries", entry.Retries))

		if err := t.dlq.Move(entry.MessageID, ReasonAckTimeout, map[string]any{
			"from":    entry.From,
			"to":      entry.To,
			"retries": entry.Retries,
		}); err != nil {
			// Keep the entry so the next sweep tries the move again.
			t.logger.Error("failed to dead-letter message", slog.String("message_id", entry.MessageID), slog.Any("error", err))
			kept = append(kept, entry)
			continue
		}

		changed = true
		result.DeadLettered++
	}

	if changed {
		if err := t.writeAll(kept); err != nil {
			return result, err
		}
	}

	for _, recipient := range wake {
		if err := t.notifier.Raise(recipient); err != nil {
			t.logger.Warn("failed to raise wake for retry", slog.String("to", recipient), slog.Any("error", err))
		}
	}

	return result, nil
}

// writeAll rewrites the pending file with the given entries.
func (t *AckTracker) writeAll(entries []PendingAck) error {
	var buf []byte
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal pending ack: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if err := atomicReplace(t.path, buf); err != nil {
		return fmt.Errorf("failed to rewrite pending acks: %w", err)
	}
	return nil
}
