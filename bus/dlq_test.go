// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDLQ_MoveCapturesOriginal(t *testing.T) {
	dir := t.TempDir()

	m := &Message{ID: "m1", Type: TypeRequest, From: "agent-1", To: "agent-2", Priority: PriorityBlocking}
	line, err := EncodeLine(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LogFileName), line, 0o644))

	d := NewDLQ(dir, nil)

	err = d.Move("m1", ReasonAckTimeout, map[string]any{"retries": 3})
	require.NoError(t, err)

	entries, err := d.Messages()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].MessageID)
	assert.Equal(t, ReasonAckTimeout, entries[0].Reason)
	assert.False(t, entries[0].MovedAt.IsZero())
	assert.EqualValues(t, 3, entries[0].Metadata["retries"])
	require.NotNil(t, entries[0].OriginalMessage)
	assert.Equal(t, "agent-2", entries[0].OriginalMessage.To)
}

func TestDLQ_MoveWithoutOriginal(t *testing.T) {
	dir := t.TempDir()
	d := NewDLQ(dir, nil)

	// The message was compacted out of the log; the entry is still recorded.
	require.NoError(t, d.Move("gone", "manual", nil))

	entries, err := d.Messages()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].OriginalMessage)
}

func TestDLQ_CountAndClear(t *testing.T) {
	dir := t.TempDir()
	d := NewDLQ(dir, nil)

	count, err := d.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, d.Move("m1", "manual", nil))
	require.NoError(t, d.Move("m2", "manual", nil))

	count, err = d.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, d.Clear())
	require.NoError(t, d.Clear(), "clearing an empty DLQ is not an error")

	count, err = d.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDLQ_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	d := NewDLQ(dir, nil)

	require.NoError(t, d.Move("m1", "manual", nil))
	require.NoError(t, appendLine(filepath.Join(dir, DLQFileName), []byte("torn wr\n")))
	require.NoError(t, d.Move("m2", "manual", nil))

	entries, err := d.Messages()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
