// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Maintainer runs the periodic duties a live bus needs: the ack timeout
// sweep and threshold-driven compaction. Any process may run one; the sweep
// tolerates concurrent runners and compaction serializes on the lease lock.
type Maintainer struct {
	bus *Bus

	sweepInterval   time.Duration
	compactInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewMaintainer creates a maintainer for a bus. Non-positive intervals fall
// back to the defaults.
func NewMaintainer(b *Bus, sweepInterval, compactInterval time.Duration) *Maintainer {
	if sweepInterval <= 0 {
		sweepInterval = DefaultAckSweepInterval
	}
	if compactInterval <= 0 {
		compactInterval = DefaultCompactInterval
	}

	return &Maintainer{
		bus:             b,
		sweepInterval:   sweepInterval,
		compactInterval: compactInterval,
		stopCh:          make(chan struct{}),
		logger:          b.logger,
	}
}

// Start launches the sweep and compaction loops.
func (mt *Maintainer) Start(ctx context.Context) {
	mt.wg.Add(2)
	go mt.sweepLoop(ctx)
	go mt.compactLoop(ctx)
}

// Stop stops the loops and waits for them to finish.
func (mt *Maintainer) Stop() {
	close(mt.stopCh)
	mt.wg.Wait()
}

func (mt *Maintainer) sweepLoop(ctx context.Context) {
	defer mt.wg.Done()

	ticker := time.NewTicker(mt.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mt.stopCh:
			return
		case <-ticker.C:
			result, err := mt.bus.ProcessAckTimeouts()
			if err != nil {
				mt.logger.Warn("ack timeout sweep failed", slog.Any("error", err))
				continue
			}
			if result.Retried > 0 || result.DeadLettered > 0 {
				mt.logger.Info("ack timeout sweep",
					slog.Int("retried", result.Retried),
					slog.Int("dead_lettered", result.DeadLettered))
			}
		}
	}
}

func (mt *Maintainer) compactLoop(ctx context.Context) {
	defer mt.wg.Done()

	ticker := time.NewTicker(mt.compactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mt.stopCh:
			return
		case <-ticker.C:
			size, err := fileSize(mt.bus.logPath)
			if err != nil || size < mt.bus.cfg.CompactThreshold {
				continue
			}

			if _, err := mt.bus.Compact(); err != nil {
				if errors.Is(err, ErrCompactionRunning) {
					mt.logger.Debug("compaction already in progress")
					continue
				}
				mt.logger.Warn("scheduled compaction failed", slog.Any("error", err))
			}
		}
	}
}
