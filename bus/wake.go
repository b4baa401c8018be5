// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/filemq/ratelimit"
)

// Notifier raises per-consumer wake markers. A marker is a boolean "something
// urgent arrived" flag, not a message channel: raising an already-raised
// marker is a no-op, and the consumer clears it on its own poll check.
//
// Raises are rate limited per recipient to keep hot senders from hammering
// the shared filesystem; a limited raise is dropped only when the marker is
// already in place, so the flag itself is never lost.
type Notifier struct {
	dir     string
	limiter *ratelimit.KeyLimiter

	logger *slog.Logger
}

// NewNotifier creates the wake directory under root and starts the raise
// limiter.
func NewNotifier(root string, raisesPerSec float64, burst int, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if raisesPerSec <= 0 {
		raisesPerSec = DefaultWakeRatePerSec
	}
	if burst <= 0 {
		burst = DefaultWakeBurst
	}

	dir := filepath.Join(root, WakeDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wake directory: %w", err)
	}

	return &Notifier{
		dir:     dir,
		limiter: ratelimit.NewKeyLimiter(raisesPerSec, burst, 5*time.Minute),
		logger:  logger,
	}, nil
}

// path returns the marker path for a recipient.
func (n *Notifier) path(recipient string) string {
	return filepath.Join(n.dir, recipient+WakeExtension)
}

// allow checks the per-recipient raise budget.
func (n *Notifier) allow(recipient string) bool {
	return n.limiter.Allow(recipient)
}

// Raise sets the wake marker for a concrete recipient. Wildcard and empty
// recipients have no single marker to raise and are ignored.
func (n *Notifier) Raise(recipient string) error {
	if recipient == "" || recipient == Wildcard {
		return nil
	}

	if !n.allow(recipient) && n.Raised(recipient) {
		return nil
	}

	stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := os.WriteFile(n.path(recipient), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("failed to raise wake for %q: %w", recipient, err)
	}

	return nil
}

// Raised reports whether a wake marker is currently set for a recipient.
func (n *Notifier) Raised(recipient string) bool {
	_, err := os.Stat(n.path(recipient))
	return err == nil
}

// Consume clears the wake marker for a recipient and reports whether one was
// set.
func (n *Notifier) Consume(recipient string) (bool, error) {
	err := os.Remove(n.path(recipient))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to consume wake for %q: %w", recipient, err)
}

// Forget drops the raise budget state for a recipient. Called when a
// consumer is released so a returning consumer starts with a fresh burst.
func (n *Notifier) Forget(recipient string) {
	n.limiter.Forget(recipient)
}

// Stop stops the raise limiter.
func (n *Notifier) Stop() {
	n.limiter.Stop()
}

// Watcher polls one consumer's wake marker and signals on a channel when it
// fires. Polling is the portable fallback for shared filesystems where change
// notification is unreliable; the interval bounds wake latency.
type Watcher struct {
	notifier   *Notifier
	consumerID string
	interval   time.Duration

	ch     chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewWatcher creates a watcher for one consumer's marker.
func NewWatcher(notifier *Notifier, consumerID string, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultWakePollInterval
	}

	return &Watcher{
		notifier:   notifier,
		consumerID: consumerID,
		interval:   interval,
		ch:         make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		logger:     logger,
	}
}

// C returns the channel that receives one signal per consumed wake marker.
func (w *Watcher) C() <-chan struct{} {
	return w.ch
}

// Start launches the poll loop.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			raised, err := w.notifier.Consume(w.consumerID)
			if err != nil {
				w.logger.Warn("wake poll failed", slog.String("consumer_id", w.consumerID), slog.Any("error", err))
				continue
			}
			if raised {
				select {
				case w.ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Stop stops the poll loop and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}
