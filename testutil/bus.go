// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides helpers for integration tests that exercise
// several bus handles over one shared directory, the way separate processes
// would.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/absmach/filemq/bus"
)

// TestBus is a group of bus instances sharing one directory. Each instance
// stands in for a separate process: they coordinate only through the files,
// never through shared memory.
type TestBus struct {
	t    *testing.T
	Dir  string
	opts []bus.Option

	mu          sync.Mutex
	instances   []*bus.Bus
	maintainers []*bus.Maintainer
	stopped     bool
}

// NewTestBus creates n instances over one fresh directory. Instances log to
// a discard handler unless the caller passes its own logger option.
func NewTestBus(t *testing.T, n int, opts ...bus.Option) *TestBus {
	t.Helper()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]bus.Option{bus.WithLogger(quiet)}, opts...)

	tb := &TestBus{
		t:    t,
		Dir:  t.TempDir(),
		opts: opts,
	}
	for i := 0; i < n; i++ {
		b, err := bus.New(tb.Dir, opts...)
		require.NoError(t, err)
		tb.instances = append(tb.instances, b)
	}

	t.Cleanup(tb.Stop)
	return tb
}

// Instance returns instance i.
func (tb *TestBus) Instance(i int) *bus.Bus {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.instances[i]
}

// Reopen closes instance i and opens a fresh one over the same directory,
// simulating a process restart.
func (tb *TestBus) Reopen(i int) *bus.Bus {
	tb.t.Helper()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	require.NoError(tb.t, tb.instances[i].Close())
	b, err := bus.New(tb.Dir, tb.opts...)
	require.NoError(tb.t, err)
	tb.instances[i] = b
	return b
}

// StartMaintainer runs sweep and compaction loops against instance i, as the
// daemon process would. The maintainer is stopped by Stop.
func (tb *TestBus) StartMaintainer(i int, sweepInterval, compactInterval time.Duration) *bus.Maintainer {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	m := bus.NewMaintainer(tb.instances[i], sweepInterval, compactInterval)
	m.Start(context.Background())
	tb.maintainers = append(tb.maintainers, m)
	return m
}

// Stop stops all maintainers and closes every instance. Safe to call twice.
func (tb *TestBus) Stop() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.stopped {
		return
	}
	tb.stopped = true

	for _, m := range tb.maintainers {
		m.Stop()
	}
	for _, b := range tb.instances {
		_ = b.Close()
	}
}

// Prime creates consumer cursors on instance i so history starts accruing
// for them from this point.
func (tb *TestBus) Prime(i int, consumers ...string) {
	tb.t.Helper()

	b := tb.Instance(i)
	for _, c := range consumers {
		_, err := b.Read(c, bus.ReadOptions{})
		require.NoError(tb.t, err)
	}
}

// SendN sends n messages of one type from one sender and returns their IDs.
func SendN(t *testing.T, b *bus.Bus, typ bus.MessageType, from, to string, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := b.Send(&bus.Message{Type: typ, From: from, To: to})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// Drain reads until an empty batch comes back, acknowledging each batch, and
// returns everything received in order.
func Drain(t *testing.T, b *bus.Bus, consumer string) []*bus.Message {
	t.Helper()

	var all []*bus.Message
	for {
		res, err := b.Read(consumer, bus.ReadOptions{})
		require.NoError(t, err)
		if len(res.Messages) == 0 {
			return all
		}

		ids := make([]string, 0, len(res.Messages))
		for _, m := range res.Messages {
			ids = append(ids, m.ID)
		}
		require.NoError(t, b.Acknowledge(consumer, res.Cursor, ids))
		all = append(all, res.Messages...)
	}
}
