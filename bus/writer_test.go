// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_StampsDefaults(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	m := &Message{Type: TypeNotify, From: "agent-1"}
	id, err := b.Send(m)
	require.NoError(t, err)

	assert.NotEmpty(t, id)
	assert.Equal(t, id, m.ID)
	assert.Equal(t, PriorityNormal, m.Priority)
	assert.Equal(t, DefaultTTLNormal.Milliseconds(), m.TTL)
	assert.Equal(t, int64(1), m.SenderSeq)
	assert.WithinDuration(t, time.Now(), m.Timestamp, 5*time.Second)

	m2 := &Message{Type: TypeNotify, From: "agent-1", Priority: PriorityFYI}
	_, err = b.Send(m2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m2.SenderSeq)
	assert.Equal(t, DefaultTTLFYI.Milliseconds(), m2.TTL)
}

func TestSend_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	_, err := b.Send(nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = b.Send(&Message{Type: TypeRequest, From: "agent-1"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations[0], "to is required")

	// Nothing reached the log.
	size, err := fileSize(b.logPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestSend_RejectsOversized(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir, WithMaxMessageSize(1024))

	m := &Message{
		Type:    TypeNotify,
		From:    "agent-1",
		Payload: []byte(fmt.Sprintf("%q", strings.Repeat("x", 2048))),
	}
	_, err := b.Send(m)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestSend_BlockingRaisesWake(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	_, err := b.Send(&Message{Type: TypeNotify, From: "agent-1", To: "agent-2"})
	require.NoError(t, err)
	assert.False(t, b.notifier.Raised("agent-2"), "normal priority does not wake")

	_, err = b.Send(&Message{
		Type: TypeRequest, From: "agent-1", To: "agent-2",
		Priority: PriorityBlocking,
	})
	require.NoError(t, err)
	assert.True(t, b.notifier.Raised("agent-2"))

	// Broadcast blocking has no single marker to raise.
	_, err = b.Send(&Message{Type: TypeBroadcast, From: "agent-1", Priority: PriorityBlocking})
	require.NoError(t, err)

	woke, err := b.CheckWake("agent-2")
	require.NoError(t, err)
	assert.True(t, woke)
}

func TestSend_AckRequiredRegistersPending(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	id, err := b.Send(&Message{
		Type: TypeRequest, From: "agent-1", To: "agent-2",
		Ack: &AckPolicy{Required: true, DeadlineMS: 60000},
	})
	require.NoError(t, err)

	pending, err := b.PendingAcks()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].MessageID)
	assert.Equal(t, "agent-2", pending[0].To)

	// Without the flag nothing is tracked.
	_, err = b.Send(&Message{Type: TypeNotify, From: "agent-1", Ack: &AckPolicy{Required: false}})
	require.NoError(t, err)

	pending, err = b.PendingAcks()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSend_ConcurrentSendersKeepLogWellFormed(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir)

	const perSender = 200
	var wg sync.WaitGroup
	for _, sender := range []string{"agent-1", "agent-2"} {
		wg.Add(1)
		go func(from string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := b.Send(&Message{Type: TypeNotify, From: from, Topic: "load"})
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	res, err := b.Verify()
	require.NoError(t, err)
	assert.True(t, res.Clean())
	assert.Equal(t, 2*perSender, res.Messages)

	// Every sender's sequence numbers came out dense and unique.
	data, err := os.ReadFile(b.logPath)
	require.NoError(t, err)

	seqs := map[string]map[int64]bool{}
	forEachLine(data, func(line []byte) bool {
		m, err := DecodeLine(line)
		require.NoError(t, err)
		if seqs[m.From] == nil {
			seqs[m.From] = map[int64]bool{}
		}
		seqs[m.From][m.SenderSeq] = true
		return true
	})
	for sender, set := range seqs {
		assert.Len(t, set, perSender, "sender %s", sender)
		for i := int64(1); i <= perSender; i++ {
			assert.True(t, set[i], "sender %s missing seq %d", sender, i)
		}
	}
}

func TestNewMessageID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
