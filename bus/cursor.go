// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Cursor is one consumer's durable read position in the log.
//
// ByteOffset advances on every successful read, so offset rollback cannot be
// relied on for redelivery; ProcessedIDs is the dedup mechanism that makes
// at-least-once consumption safe across consumer restarts.
type Cursor struct {
	SessionID    string   `json:"session_id"`
	ByteOffset   int64    `json:"byte_offset"`
	LastSeq      int64    `json:"last_seq"`
	ProcessedIDs []string `json:"processed_ids"`
	UpdatedAt    int64    `json:"updated_at"`
}

// Clone returns a deep copy.
func (c *Cursor) Clone() *Cursor {
	out := *c
	out.ProcessedIDs = append([]string(nil), c.ProcessedIDs...)
	return &out
}

// ProcessedSet returns the processed IDs as a lookup set.
func (c *Cursor) ProcessedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.ProcessedIDs))
	for _, id := range c.ProcessedIDs {
		set[id] = struct{}{}
	}
	return set
}

// Merge folds ids into the processed set, keeping at most limit entries.
// Older entries are dropped first.
func (c *Cursor) Merge(ids []string, limit int) {
	if len(ids) == 0 {
		return
	}

	seen := c.ProcessedSet()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		c.ProcessedIDs = append(c.ProcessedIDs, id)
	}

	if limit > 0 && len(c.ProcessedIDs) > limit {
		c.ProcessedIDs = append([]string(nil), c.ProcessedIDs[len(c.ProcessedIDs)-limit:]...)
	}
}

// CursorStore manages per-consumer cursor files under a bus root directory.
type CursorStore struct {
	mu sync.Mutex

	dir        string
	logPath    string
	archiveDir string

	logger *slog.Logger
}

// NewCursorStore creates or opens the cursor directory under root.
func NewCursorStore(root string, logger *slog.Logger) (*CursorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Join(root, CursorDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cursor directory: %w", err)
	}

	return &CursorStore{
		dir:        dir,
		logPath:    filepath.Join(root, LogFileName),
		archiveDir: filepath.Join(root, ArchiveDirName),
		logger:     logger,
	}, nil
}

// path returns the cursor file path for a consumer.
func (cs *CursorStore) path(consumerID string) string {
	return filepath.Join(cs.dir, consumerID+CursorExtension)
}

// logSize returns the current log size; a missing log counts as empty.
func (cs *CursorStore) logSize() (int64, error) {
	return fileSize(cs.logPath)
}

// Load returns the cursor for a consumer, creating one positioned at the
// current log end if none exists. A cursor that fails validation is recovered
// to a safe boundary rather than reset to zero: offset 0 when an archive
// exists (everything before the current log is already archived), otherwise
// the current log end.
func (cs *CursorStore) Load(consumerID string) (*Cursor, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	data, err := os.ReadFile(cs.path(consumerID))
	if err != nil {
		if os.IsNotExist(err) {
			return cs.initialize(consumerID)
		}
		return nil, fmt.Errorf("failed to read cursor for %q: %w", consumerID, err)
	}

	size, err := cs.logSize()
	if err != nil {
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cs.recover(consumerID, size, err)
	}
	if c.ByteOffset < 0 || c.ByteOffset > size {
		return cs.recover(consumerID, size, fmt.Errorf("byte offset %d outside log bounds [0, %d]", c.ByteOffset, size))
	}

	c.SessionID = consumerID
	if c.ProcessedIDs == nil {
		c.ProcessedIDs = []string{}
	}

	return &c, nil
}

// initialize creates a cursor at the current log end so a fresh consumer
// sees only future traffic.
func (cs *CursorStore) initialize(consumerID string) (*Cursor, error) {
	size, err := cs.logSize()
	if err != nil {
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}

	c := &Cursor{
		SessionID:    consumerID,
		ByteOffset:   size,
		ProcessedIDs: []string{},
	}
	if err := cs.save(c); err != nil {
		return nil, err
	}

	return c, nil
}

// recover replaces an invalid cursor. Resetting to zero would replay the
// whole log at every corruption, so the recovered offset is 0 only when the
// range before the current log is known to be archived already; otherwise the
// cursor jumps to the end and accepts the bounded loss.
func (cs *CursorStore) recover(consumerID string, logSize int64, cause error) (*Cursor, error) {
	var offset int64
	if _, err := os.Stat(cs.archiveDir); err != nil {
		offset = logSize
	}

	cs.logger.Warn("recovered corrupted cursor",
		slog.String("consumer_id", consumerID),
		slog.Int64("byte_offset", offset),
		slog.Any("error", cause))

	c := &Cursor{
		SessionID:    consumerID,
		ByteOffset:   offset,
		ProcessedIDs: []string{},
	}
	if err := cs.save(c); err != nil {
		return nil, err
	}

	return c, nil
}

// Save persists a cursor via write-to-temp-then-rename.
func (cs *CursorStore) Save(c *Cursor) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.save(c)
}

func (cs *CursorStore) save(c *Cursor) error {
	c.UpdatedAt = time.Now().UnixMilli()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}

	path := cs.path(c.SessionID)
	tempPath := path + TempExtension
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cursor file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename cursor file: %w", err)
	}

	return nil
}

// Get returns a consumer's cursor without creating one, for inspection.
// Returns ErrCursorNotFound when the consumer has no cursor file yet.
func (cs *CursorStore) Get(consumerID string) (*Cursor, error) {
	data, err := os.ReadFile(cs.path(consumerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCursorNotFound
		}
		return nil, fmt.Errorf("failed to read cursor for %q: %w", consumerID, err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cursor for %q: %w", consumerID, err)
	}

	c.SessionID = consumerID
	return &c, nil
}

// Delete removes a consumer's cursor file. Deleting a missing cursor is not
// an error.
func (cs *CursorStore) Delete(consumerID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := os.Remove(cs.path(consumerID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cursor for %q: %w", consumerID, err)
	}
	return nil
}

// List returns the consumer IDs that have cursor files.
func (cs *CursorStore) List() ([]string, error) {
	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, CursorExtension) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, CursorExtension))
	}

	return ids, nil
}

// MinOffset returns the minimum byte offset across all cursor files and
// whether any cursors exist. An unreadable cursor counts as offset 0 so
// compaction never removes bytes its consumer may still need.
func (cs *CursorStore) MinOffset() (int64, bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ids, err := cs.List()
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}

	min := int64(-1)
	for _, id := range ids {
		var offset int64
		data, err := os.ReadFile(cs.path(id))
		if err == nil {
			var c Cursor
			if err := json.Unmarshal(data, &c); err == nil && c.ByteOffset > 0 {
				offset = c.ByteOffset
			}
		}
		if min < 0 || offset < min {
			min = offset
		}
	}

	return min, true, nil
}

// ShiftAll rewrites every cursor's byte offset down by delta, clamping at
// zero. The compactor calls this after truncating the log head so relative
// read positions stay correct.
func (cs *CursorStore) ShiftAll(delta int64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ids, err := cs.List()
	if err != nil {
		return err
	}

	for _, id := range ids {
		data, err := os.ReadFile(cs.path(id))
		if err != nil {
			cs.logger.Warn("skipping unreadable cursor during shift", slog.String("consumer_id", id), slog.Any("error", err))
			continue
		}

		var c Cursor
		if err := json.Unmarshal(data, &c); err != nil {
			cs.logger.Warn("skipping corrupted cursor during shift", slog.String("consumer_id", id), slog.Any("error", err))
			continue
		}

		c.SessionID = id
		c.ByteOffset -= delta
		if c.ByteOffset < 0 {
			c.ByteOffset = 0
		}

		if err := cs.save(&c); err != nil {
			return err
		}
	}

	return nil
}
