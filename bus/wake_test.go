// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_RaiseConsume(t *testing.T) {
	dir := t.TempDir()

	n, err := NewNotifier(dir, 10, 5, nil)
	require.NoError(t, err)
	defer n.Stop()

	assert.False(t, n.Raised("agent-1"))

	raised, err := n.Consume("agent-1")
	require.NoError(t, err)
	assert.False(t, raised, "consuming an unraised marker is a no-op")

	require.NoError(t, n.Raise("agent-1"))
	assert.True(t, n.Raised("agent-1"))

	// The marker file lives in the wake directory.
	_, err = os.Stat(filepath.Join(dir, WakeDirName, "agent-1"+WakeExtension))
	assert.NoError(t, err)

	raised, err = n.Consume("agent-1")
	require.NoError(t, err)
	assert.True(t, raised)
	assert.False(t, n.Raised("agent-1"))
}

func TestNotifier_IgnoresWildcardAndEmpty(t *testing.T) {
	dir := t.TempDir()

	n, err := NewNotifier(dir, 10, 5, nil)
	require.NoError(t, err)
	defer n.Stop()

	require.NoError(t, n.Raise(""))
	require.NoError(t, n.Raise(Wildcard))

	entries, err := os.ReadDir(filepath.Join(dir, WakeDirName))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNotifier_RateLimitNeverLosesFlag(t *testing.T) {
	dir := t.TempDir()

	// One raise per hour, burst 1: the second raise has no budget left.
	n, err := NewNotifier(dir, 1.0/3600, 1, nil)
	require.NoError(t, err)
	defer n.Stop()

	require.NoError(t, n.Raise("agent-1"))
	require.NoError(t, n.Raise("agent-1"))
	assert.True(t, n.Raised("agent-1"))

	raised, err := n.Consume("agent-1")
	require.NoError(t, err)
	assert.True(t, raised)

	// Past the budget with no marker on disk the raise must still land;
	// the limiter only suppresses rewrites of an existing marker.
	require.NoError(t, n.Raise("agent-1"))
	assert.True(t, n.Raised("agent-1"))
}

func TestWatcher_SignalsOnWake(t *testing.T) {
	dir := t.TempDir()

	n, err := NewNotifier(dir, 10, 5, nil)
	require.NoError(t, err)
	defer n.Stop()

	w := NewWatcher(n, "agent-1", 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, n.Raise("agent-1"))

	select {
	case <-w.C():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never signaled")
	}

	// The poll consumed the marker.
	assert.False(t, n.Raised("agent-1"))
}

func TestWatcher_StopTerminatesLoop(t *testing.T) {
	dir := t.TempDir()

	n, err := NewNotifier(dir, 10, 5, nil)
	require.NoError(t, err)
	defer n.Stop()

	w := NewWatcher(n, "agent-1", 10*time.Millisecond, nil)
	w.Start(context.Background())
	w.Stop()

	require.NoError(t, n.Raise("agent-1"))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, n.Raised("agent-1"), "stopped watcher must not consume markers")
}
