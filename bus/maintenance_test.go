// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMaintainer_SweepLoopDeadLettersOverdueAcks(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir,
		WithAckDeadline(50*time.Millisecond),
		WithMaxAckRetries(1),
	)

	_, err := b.Send(&Message{
		Type: TypeRequest,
		From: "agent-1",
		To:   "agent-2",
		Ack:  &AckPolicy{Required: true},
	})
	require.NoError(t, err)

	maint := NewMaintainer(b, 20*time.Millisecond, time.Hour)
	maint.Start(context.Background())
	defer maint.Stop()

	require.Eventually(t, func() bool {
		n, err := b.dlq.Count()
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	pending, err := b.PendingAcks()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMaintainer_CompactLoopArchivesBacklog(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir, WithCompactThreshold(1))

	// Sent before any consumer exists, so the send-side trigger has nothing
	// to remove. Priming afterwards puts the cursor at the log end, leaving
	// the whole backlog removable for the scheduled pass.
	_, err := b.Send(&Message{Type: TypeNotify, From: "agent-1"})
	require.NoError(t, err)
	primeConsumer(t, b, "agent-2")

	maint := NewMaintainer(b, time.Hour, 20*time.Millisecond)
	maint.Start(context.Background())
	defer maint.Stop()

	require.Eventually(t, func() bool {
		names, err := b.Archives()
		return err == nil && len(names) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMaintainer_StopAndContextCancel(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	maint := NewMaintainer(b, time.Hour, time.Hour)
	maint.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		maint.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("maintainer did not stop")
	}
}
