// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DLQEntry is one dead-lettered message record. OriginalMessage is best
// effort: the message may already have been compacted out of the log, in
// which case it is null but the entry is still recorded.
type DLQEntry struct {
	MessageID       string         `json:"message_id"`
	Reason          string         `json:"reason"`
	MovedAt         time.Time      `json:"moved_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	OriginalMessage *Message       `json:"original_message"`
}

// DLQ is the durable dead letter sink: an append-only newline-delimited JSON
// file, reviewed and cleared only by explicit operator action.
type DLQ struct {
	mu sync.Mutex

	path    string
	logPath string

	logger *slog.Logger
}

// NewDLQ creates a DLQ rooted at the bus directory.
func NewDLQ(root string, logger *slog.Logger) *DLQ {
	if logger == nil {
		logger = slog.Default()
	}

	return &DLQ{
		path:    filepath.Join(root, DLQFileName),
		logPath: filepath.Join(root, LogFileName),
		logger:  logger,
	}
}

// Move records a dead-lettered message. The original message is looked up by
// scanning the current log; a miss is not an error.
func (d *DLQ) Move(messageID, reason string, metadata map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := DLQEntry{
		MessageID:       messageID,
		Reason:          reason,
		MovedAt:         time.Now().UTC(),
		Metadata:        metadata,
		OriginalMessage: d.lookup(messageID),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}
	line = append(line, '\n')

	if err := appendLine(d.path, line); err != nil {
		return fmt.Errorf("failed to append DLQ entry: %w", err)
	}

	d.logger.Info("moved message to DLQ",
		slog.String("message_id", messageID),
		slog.String("reason", reason))

	return nil
}

// lookup scans the current log for a message by ID.
func (d *DLQ) lookup(messageID string) *Message {
	data, err := readFileIfExists(d.logPath)
	if err != nil || len(data) == 0 {
		return nil
	}

	var found *Message
	forEachLine(data, func(line []byte) bool {
		m, err := DecodeLine(line)
		if err != nil {
			return true
		}
		if m.ID == messageID {
			found = m
			return false
		}
		return true
	})

	return found
}

// Messages returns all DLQ entries. Malformed lines are skipped.
func (d *DLQ) Messages() ([]DLQEntry, error) {
	data, err := readFileIfExists(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	var entries []DLQEntry
	forEachLine(data, func(line []byte) bool {
		var entry DLQEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			d.logger.Warn("skipping malformed DLQ line", slog.Any("error", err))
			return true
		}
		entries = append(entries, entry)
		return true
	})

	return entries, nil
}

// Count returns the number of DLQ entries.
func (d *DLQ) Count() (int, error) {
	entries, err := d.Messages()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Clear removes all DLQ entries. Clearing an empty DLQ is not an error.
func (d *DLQ) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear DLQ: %w", err)
	}

	d.logger.Info("cleared DLQ")
	return nil
}
