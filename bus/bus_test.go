// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, dir string, opts ...Option) *Bus {
	t.Helper()

	b, err := New(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBus_NewCreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "team")
	newTestBus(t, dir)

	for _, sub := range []string{CursorDirName, WakeDirName} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	// The archive directory appears only once compaction runs.
	_, err := os.Stat(filepath.Join(dir, ArchiveDirName))
	assert.True(t, os.IsNotExist(err))
}

func TestBus_AcknowledgeMergesProcessedIDs(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	_, err := b.Read("agent-2", ReadOptions{})
	require.NoError(t, err)

	_, err = b.Send(&Message{Type: TypeNotify, From: "agent-1", To: "agent-2"})
	require.NoError(t, err)

	res, err := b.Read("agent-2", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	ids := []string{res.Messages[0].ID}
	require.NoError(t, b.Acknowledge("agent-2", res.Cursor, ids))

	cur, err := b.Cursor("agent-2")
	require.NoError(t, err)
	assert.Equal(t, ids, cur.ProcessedIDs)
	assert.Equal(t, res.Cursor.ByteOffset, cur.ByteOffset)

	// Acknowledging with a nil cursor only merges IDs.
	require.NoError(t, b.Acknowledge("agent-2", nil, []string{"extra"}))
	cur, err = b.Cursor("agent-2")
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], "extra"}, cur.ProcessedIDs)
}

func TestBus_AcknowledgeClampsOffsetToLog(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	_, err := b.Read("agent-2", ReadOptions{})
	require.NoError(t, err)

	stale := &Cursor{SessionID: "agent-2", ByteOffset: 1 << 20}
	require.NoError(t, b.Acknowledge("agent-2", stale, nil))

	cur, err := b.Cursor("agent-2")
	require.NoError(t, err)
	size, err := fileSize(b.logPath)
	require.NoError(t, err)
	assert.Equal(t, size, cur.ByteOffset)
}

func TestBus_SendAckClearsPendingAndResponds(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	// Sender's cursor exists before traffic so the response is visible.
	_, err := b.Read("agent-1", ReadOptions{})
	require.NoError(t, err)

	reqID, err := b.Send(&Message{
		Type:     TypeRequest,
		From:     "agent-1",
		To:       "agent-2",
		Priority: PriorityBlocking,
		Ack:      &AckPolicy{Required: true},
	})
	require.NoError(t, err)

	pending, err := b.PendingAcks()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	original, err := b.Lookup(reqID)
	require.NoError(t, err)

	respID, err := b.SendAck("agent-2", original)
	require.NoError(t, err)
	assert.NotEmpty(t, respID)

	pending, err = b.PendingAcks()
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err := b.Read("agent-1", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	resp := res.Messages[0]
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, reqID, resp.CorrelationID)
	assert.Equal(t, "agent-1", resp.To)

	var body AckPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &body))
	assert.Equal(t, StatusAcknowledged, body.Status)
}

func TestBus_SendNackKeepsPending(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	_, err := b.Read("agent-1", ReadOptions{})
	require.NoError(t, err)

	reqID, err := b.Send(&Message{
		Type: TypeRequest,
		From: "agent-1",
		To:   "agent-2",
		Ack:  &AckPolicy{Required: true},
	})
	require.NoError(t, err)

	original, err := b.Lookup(reqID)
	require.NoError(t, err)

	_, err = b.SendNack("agent-2", original, "cannot comply")
	require.NoError(t, err)

	// The rejection does not settle the delivery; the retry path still runs.
	pending, err := b.PendingAcks()
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	res, err := b.Read("agent-1", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	var body AckPayload
	require.NoError(t, json.Unmarshal(res.Messages[0].Payload, &body))
	assert.Equal(t, StatusRejected, body.Status)
	assert.Equal(t, "cannot comply", body.Reason)
}

func TestBus_AckTimeoutFlow(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir, WithMaxAckRetries(1))

	id, err := b.Send(&Message{
		Type: TypeRequest,
		From: "agent-1",
		To:   "agent-2",
		Ack:  &AckPolicy{Required: true},
	})
	require.NoError(t, err)

	m, err := b.Lookup(id)
	require.NoError(t, err)

	// First miss retries and re-raises the wake marker.
	res, err := b.tracker.Sweep(m.AckDeadline(b.cfg.AckDeadline).Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.True(t, b.notifier.Raised("agent-2"))

	// Second miss exhausts the budget and dead-letters.
	res, err = b.tracker.Sweep(m.AckDeadline(b.cfg.AckDeadline).Add(b.cfg.AckDeadline + 2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	entries, err := b.DLQMessages()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].MessageID)
	assert.Equal(t, ReasonAckTimeout, entries[0].Reason)
	require.NotNil(t, entries[0].OriginalMessage, "original captured from the live log")
	assert.Equal(t, "agent-1", entries[0].OriginalMessage.From)

	pending, err := b.PendingAcks()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBus_MoveToDLQAndClear(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	id, err := b.Send(&Message{Type: TypeNotify, From: "agent-1"})
	require.NoError(t, err)

	require.NoError(t, b.MoveToDLQ(id, "poison", map[string]any{"attempts": 5}))

	entries, err := b.DLQMessages()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "poison", entries[0].Reason)

	require.NoError(t, b.ClearDLQ())
	entries, err = b.DLQMessages()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBus_ReleaseConsumer(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	_, err := b.Read("agent-2", ReadOptions{})
	require.NoError(t, err)
	require.NoError(t, b.notifier.Raise("agent-2"))

	require.NoError(t, b.ReleaseConsumer("agent-2"))

	_, err = b.Cursor("agent-2")
	assert.ErrorIs(t, err, ErrCursorNotFound)
	assert.False(t, b.notifier.Raised("agent-2"))
}

func TestBus_Stats(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	_, err := b.Read("agent-2", ReadOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.Send(&Message{Type: TypeNotify, From: "agent-1", To: "agent-2"})
		require.NoError(t, err)
	}
	_, err = b.Send(&Message{
		Type: TypeRequest, From: "agent-1", To: "agent-2",
		Ack: &AckPolicy{Required: true},
	})
	require.NoError(t, err)
	require.NoError(t, b.MoveToDLQ("missing", "manual", nil))

	st, err := b.Stats()
	require.NoError(t, err)
	assert.Equal(t, 4, st.LogMessages)
	assert.Positive(t, st.LogSize)
	assert.Equal(t, 1, st.Consumers)
	assert.Equal(t, int64(0), st.MinOffset)
	assert.Equal(t, 1, st.PendingAcks)
	assert.Equal(t, 1, st.DLQEntries)
	assert.Equal(t, 0, st.Archives)
}

func TestBus_ClosedRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "double close is safe")

	_, err = b.Send(&Message{Type: TypeNotify, From: "a"})
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = b.Read("agent-2", ReadOptions{})
	assert.ErrorIs(t, err, ErrBusClosed)

	assert.ErrorIs(t, b.Acknowledge("agent-2", nil, nil), ErrBusClosed)

	_, err = b.Stats()
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = b.Compact()
	assert.ErrorIs(t, err, ErrBusClosed)
}
