// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bus implements a brokerless, durable message bus for independent
// processes sharing a filesystem. Coordination happens entirely through an
// append-only newline-delimited JSON log and per-consumer cursor files; every
// cross-process mutation is a single atomic file operation, either a bounded
// append or a write-temp-then-rename.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Bus ties the components together over one shared bus directory. A Bus
// value is safe for concurrent use; safety across processes comes from the
// file discipline, not from this struct.
type Bus struct {
	cfg BusConfig

	root    string
	logPath string

	seq       *SequenceStore
	cursors   *CursorStore
	tracker   *AckTracker
	dlq       *DLQ
	notifier  *Notifier
	compactor *Compactor

	breaker    *gobreaker.CircuitBreaker
	compacting atomic.Bool
	closed     atomic.Bool

	metrics *Metrics
	logger  *slog.Logger
}

// New opens or creates a bus rooted at dir. Any number of processes may open
// the same directory concurrently.
func New(dir string, opts ...Option) (*Bus, error) {
	cfg := DefaultBusConfig()
	cfg.Apply(opts...)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bus directory: %w", err)
	}

	logPath := filepath.Join(dir, LogFileName)

	cursors, err := NewCursorStore(dir, logger)
	if err != nil {
		return nil, err
	}

	notifier, err := NewNotifier(dir, cfg.WakeRatePerSec, cfg.WakeBurst, logger)
	if err != nil {
		return nil, err
	}

	dlq := NewDLQ(dir, logger)

	b := &Bus{
		cfg:       cfg,
		root:      dir,
		logPath:   logPath,
		seq:       NewSequenceStore(logPath),
		cursors:   cursors,
		tracker:   NewAckTracker(dir, cfg.AckDeadline, cfg.MaxAckRetries, notifier, dlq, logger),
		dlq:       dlq,
		notifier:  notifier,
		compactor: NewCompactor(dir, cursors, cfg.LockStale, cfg.Compression, logger),
		metrics:   cfg.Metrics,
		logger:    logger,
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus-compaction",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("compaction circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return b, nil
}

// Root returns the bus directory.
func (b *Bus) Root() string {
	return b.root
}

// Acknowledge commits read progress for a consumer: the given message IDs
// join its processed set (bounded to the configured limit) and the cursor is
// persisted. Consumers should acknowledge after processing, not after
// reading; the processed set is what prevents redelivery after a crash.
func (b *Bus) Acknowledge(consumerID string, cursor *Cursor, ids []string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	cur, err := b.cursors.Load(consumerID)
	if err != nil {
		return err
	}

	if cursor != nil {
		if cursor.ByteOffset > cur.ByteOffset {
			cur.ByteOffset = cursor.ByteOffset
		}
		if cursor.LastSeq > cur.LastSeq {
			cur.LastSeq = cursor.LastSeq
		}
	}
	if size, err := fileSize(b.logPath); err == nil && cur.ByteOffset > size {
		cur.ByteOffset = size
	}

	cur.Merge(ids, b.cfg.ProcessedIDLimit)

	if err := b.cursors.Save(cur); err != nil {
		return err
	}

	if b.metrics != nil {
		b.metrics.RecordAck(len(ids))
	}
	return nil
}

// SendAck confirms delivery of a message: an ordinary response correlated to
// the original ID with an acknowledged status, plus clearing the pending ack
// entry. Losing the race with the timeout sweep is fine; the sweep's retry is
// absorbed by consumer dedup.
func (b *Bus) SendAck(from string, original *Message) (string, error) {
	return b.confirm(from, original, StatusAcknowledged, "")
}

// SendNack rejects a message with a reason. The pending ack entry is left in
// place so the sender-side retry path still runs.
func (b *Bus) SendNack(from string, original *Message, reason string) (string, error) {
	return b.confirm(from, original, StatusRejected, reason)
}

func (b *Bus) confirm(from string, original *Message, status, reason string) (string, error) {
	if original == nil || original.ID == "" {
		return "", &ValidationError{Violations: []string{"original message with id is required"}}
	}

	payload, err := json.Marshal(AckPayload{Status: status, Reason: reason})
	if err != nil {
		return "", err
	}

	id, err := b.Send(&Message{
		Type:          TypeResponse,
		From:          from,
		To:            original.From,
		Priority:      PriorityNormal,
		CorrelationID: original.ID,
		Topic:         original.Topic,
		Payload:       payload,
	})
	if err != nil {
		return "", err
	}

	if status == StatusAcknowledged {
		if err := b.tracker.Clear(original.ID); err != nil && !errors.Is(err, ErrPendingNotFound) {
			b.logger.Warn("failed to clear pending ack",
				slog.String("message_id", original.ID),
				slog.Any("error", err))
		}
	}

	return id, nil
}

// ProcessAckTimeouts runs one timeout sweep over the pending ack set.
// Maintenance actors call this periodically; it is safe to call from several
// processes, at the cost of occasional duplicate retries.
func (b *Bus) ProcessAckTimeouts() (SweepResult, error) {
	if b.closed.Load() {
		return SweepResult{}, ErrBusClosed
	}

	result, err := b.tracker.Sweep(time.Now())
	if err != nil {
		return result, err
	}

	if b.metrics != nil {
		b.metrics.RecordSweep(result)
	}
	return result, nil
}

// PendingAcks returns the outstanding confirmation entries.
func (b *Bus) PendingAcks() ([]PendingAck, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	return b.tracker.Pending()
}

// Compact runs one synchronous compaction pass. Returns
// ErrCompactionRunning when another process holds the lock; callers treat
// that as a soft failure and retry on their next cycle.
func (b *Bus) Compact() (*CompactResult, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	start := time.Now()
	result, err := b.compactor.Compact()
	if err != nil {
		if b.metrics != nil {
			if errors.Is(err, ErrCompactionRunning) {
				b.metrics.RecordCompactionSkipped("lock_contention")
			} else {
				b.metrics.RecordError("compaction")
			}
		}
		return nil, err
	}

	if b.metrics != nil {
		if result.Removed > 0 {
			b.metrics.RecordCompaction(result.Removed, time.Since(start).Seconds()*1000)
		} else {
			b.metrics.RecordCompactionSkipped("nothing_removable")
		}
	}
	return result, nil
}

// maybeCompact triggers an asynchronous compaction when the log has crossed
// the size threshold. At most one trigger is in flight per process, and the
// circuit breaker backs off when compaction fails repeatedly. Send never
// fails because of anything here.
func (b *Bus) maybeCompact() {
	if b.cfg.CompactThreshold <= 0 {
		return
	}

	size, err := fileSize(b.logPath)
	if err != nil || size < b.cfg.CompactThreshold {
		return
	}

	if !b.compacting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer b.compacting.Store(false)

		start := time.Now()
		_, err := b.breaker.Execute(func() (interface{}, error) {
			result, err := b.compactor.Compact()
			if err != nil {
				if errors.Is(err, ErrCompactionRunning) {
					// Another process is on it; not a failure.
					return nil, nil
				}
				return nil, err
			}

			if b.metrics != nil && result.Removed > 0 {
				b.metrics.RecordCompaction(result.Removed, time.Since(start).Seconds()*1000)
			}
			return nil, nil
		})
		if err != nil {
			b.logger.Warn("background compaction failed", slog.Any("error", err))
		}
	}()
}

// MoveToDLQ dead-letters a message by ID with an operator-supplied reason.
func (b *Bus) MoveToDLQ(messageID, reason string, metadata map[string]any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	if err := b.dlq.Move(messageID, reason, metadata); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.RecordDeadLettered(1)
	}
	return nil
}

// DLQMessages returns all dead letter entries.
func (b *Bus) DLQMessages() ([]DLQEntry, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	return b.dlq.Messages()
}

// ClearDLQ removes all dead letter entries. Explicit operator action only;
// nothing in the bus clears the DLQ on its own.
func (b *Bus) ClearDLQ() error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	return b.dlq.Clear()
}

// CheckWake consumes the consumer's wake marker, reporting whether something
// urgent arrived since the last check.
func (b *Bus) CheckWake(consumerID string) (bool, error) {
	if b.closed.Load() {
		return false, ErrBusClosed
	}
	return b.notifier.Consume(consumerID)
}

// Watch returns a poll watcher for the consumer's wake marker. The caller
// owns its lifecycle.
func (b *Bus) Watch(consumerID string, interval time.Duration) *Watcher {
	return NewWatcher(b.notifier, consumerID, interval, b.logger)
}

// Cursor returns a consumer's current cursor for inspection without creating
// one. Returns ErrCursorNotFound for consumers that have never read.
func (b *Bus) Cursor(consumerID string) (*Cursor, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	return b.cursors.Get(consumerID)
}

// Consumers returns the IDs of all consumers with a cursor.
func (b *Bus) Consumers() ([]string, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	return b.cursors.List()
}

// ReleaseConsumer deletes a consumer's cursor and wake marker at the end of
// its session.
func (b *Bus) ReleaseConsumer(consumerID string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	if err := b.cursors.Delete(consumerID); err != nil {
		return err
	}
	b.notifier.Forget(consumerID)
	_, err := b.notifier.Consume(consumerID)
	return err
}

// Archives lists compacted log segments, oldest first.
func (b *Bus) Archives() ([]string, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	return b.compactor.ListArchives()
}

// ReadArchive returns the decompressed contents of one archived segment.
func (b *Bus) ReadArchive(name string) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	return b.compactor.ReadArchive(name)
}

// Stats is a point-in-time snapshot of the bus's on-disk state.
type Stats struct {
	LogSize     int64 `json:"log_size"`
	LogMessages int   `json:"log_messages"`
	Consumers   int   `json:"consumers"`
	MinOffset   int64 `json:"min_offset"`
	PendingAcks int   `json:"pending_acks"`
	DLQEntries  int   `json:"dlq_entries"`
	Archives    int   `json:"archives"`
}

// Stats scans the bus directory and reports its current shape.
func (b *Bus) Stats() (*Stats, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	stats := &Stats{}

	size, err := fileSize(b.logPath)
	if err != nil {
		return nil, err
	}
	stats.LogSize = size

	data, err := readFileIfExists(b.logPath)
	if err != nil {
		return nil, err
	}
	forEachLine(data, func(line []byte) bool {
		if _, err := DecodeLine(line); err == nil {
			stats.LogMessages++
		}
		return true
	})

	ids, err := b.cursors.List()
	if err != nil {
		return nil, err
	}
	stats.Consumers = len(ids)

	min, any, err := b.cursors.MinOffset()
	if err != nil {
		return nil, err
	}
	if any {
		stats.MinOffset = min
	}

	if stats.PendingAcks, err = b.tracker.Count(); err != nil {
		return nil, err
	}
	if stats.DLQEntries, err = b.dlq.Count(); err != nil {
		return nil, err
	}

	archives, err := b.compactor.ListArchives()
	if err != nil {
		return nil, err
	}
	stats.Archives = len(archives)

	return stats, nil
}

// Close stops background goroutines. On-disk state needs no shutdown
// handling; every mutation was already atomic.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.notifier.Stop()
	return nil
}
