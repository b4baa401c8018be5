// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"
)

// ReadOptions narrow a read batch. Filters are advisory narrowing, not
// separate inboxes: the cursor advances over the full scanned range either
// way, so a message skipped by a type or topic filter is not redelivered by a
// later broader read.
type ReadOptions struct {
	Types          []MessageType
	Topics         []string
	IncludeExpired bool
}

// match applies the type and topic allow-lists.
func (o ReadOptions) match(m *Message) bool {
	if len(o.Types) > 0 {
		ok := false
		for _, t := range o.Types {
			if m.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(o.Topics) > 0 {
		ok := false
		for _, topic := range o.Topics {
			if m.Topic == topic {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	return true
}

// ReadResult is one read batch plus the advanced cursor to pass back to
// Acknowledge.
type ReadResult struct {
	Messages []*Message
	Cursor   *Cursor
}

// Read returns the messages newly visible to a consumer and durably advances
// its cursor over the scanned byte range.
//
// Each line in the unread range is decoded tolerantly: malformed lines are
// skipped, never fatal, so one racing writer's partial state cannot break
// other consumers. Visible messages are ordered by priority band, FIFO per
// sender within a band, arrival order otherwise. The advanced offset is
// persisted before returning, so redelivery after a consumer crash is
// governed by the processed-ID set, not by offset rollback.
func (b *Bus) Read(consumerID string, opts ReadOptions) (*ReadResult, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if consumerID == "" {
		return nil, fmt.Errorf("consumer id is required")
	}

	start := time.Now()

	cur, err := b.cursors.Load(consumerID)
	if err != nil {
		return nil, err
	}

	size, err := fileSize(b.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}

	// A compaction between the cursor load and the stat can shrink the log;
	// the on-disk cursor was shifted along with it, so reload once.
	if cur.ByteOffset > size {
		if cur, err = b.cursors.Load(consumerID); err != nil {
			return nil, err
		}
	}
	if cur.ByteOffset >= size {
		return &ReadResult{Messages: []*Message{}, Cursor: cur}, nil
	}

	window, err := b.readRange(cur.ByteOffset, size)
	if err != nil {
		return nil, err
	}

	seen := cur.ProcessedSet()
	now := time.Now()

	messages := []*Message{}
	forEachLine(window, func(line []byte) bool {
		m, err := DecodeLine(line)
		if err != nil {
			b.logger.Debug("skipping malformed log line", slog.Any("error", err))
			return true
		}

		if m.SenderSeq > cur.LastSeq {
			cur.LastSeq = m.SenderSeq
		}

		if _, dup := seen[m.ID]; dup {
			return true
		}
		if !opts.IncludeExpired && m.Expired(now) {
			return true
		}
		if !m.VisibleTo(consumerID) {
			return true
		}
		if !opts.match(m) {
			return true
		}

		messages = append(messages, m)
		return true
	})

	sortBatch(messages)

	cur.ByteOffset += int64(len(window))
	if err := b.cursors.Save(cur); err != nil {
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.RecordRead(len(messages), time.Since(start).Seconds()*1000)
	}

	return &ReadResult{Messages: messages, Cursor: cur}, nil
}

// Lookup scans the live log for a message by ID. Messages already moved to
// the archive by compaction are not found here; see ReadArchive for those.
func (b *Bus) Lookup(messageID string) (*Message, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if messageID == "" {
		return nil, fmt.Errorf("%w: empty message id", ErrMessageNotFound)
	}

	data, err := readFileIfExists(b.logPath)
	if err != nil {
		return nil, err
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
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	return found, nil
}

// readRange reads the log bytes in [from, to). A log shrunk by a concurrent
// compaction yields a short window; the tolerant line decode and the
// processed-ID set absorb the misalignment.
func (b *Bus) readRange(from, to int64) ([]byte, error) {
	f, err := os.Open(b.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	buf := make([]byte, to-from)
	n, err := f.ReadAt(buf, from)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read log range: %w", err)
	}

	return buf[:n], nil
}

// sortBatch orders a read batch: priority bands first, then FIFO per sender
// within each band. Each sender's messages are rewritten across their own
// positions in ascending sequence order, which keeps arrival order as the
// tiebreak between senders.
func sortBatch(messages []*Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Priority.rank() < messages[j].Priority.rank()
	})

	start := 0
	for start < len(messages) {
		end := start + 1
		for end < len(messages) && messages[end].Priority.rank() == messages[start].Priority.rank() {
			end++
		}
		orderSenders(messages[start:end])
		start = end
	}
}

// orderSenders enforces ascending sequence order per sender within one
// priority band.
func orderSenders(band []*Message) {
	positions := make(map[string][]int)
	for i, m := range band {
		positions[m.From] = append(positions[m.From], i)
	}

	for _, idxs := range positions {
		if len(idxs) < 2 {
			continue
		}

		group := make([]*Message, len(idxs))
		for k, i := range idxs {
			group[k] = band[i]
		}
		sort.SliceStable(group, func(a, b int) bool {
			return group[a].SenderSeq < group[b].SenderSeq
		})
		for k, i := range idxs {
			band[i] = group[k]
		}
	}
}
