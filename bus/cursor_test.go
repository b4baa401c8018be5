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

func writeLog(t *testing.T, dir string, size int) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = 'x'
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, LogFileName), data, 0o644))
}

func TestCursorStore_InitializeAtLogEnd(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 100)

	cs, err := NewCursorStore(dir, nil)
	require.NoError(t, err)

	c, err := cs.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", c.SessionID)
	assert.Equal(t, int64(100), c.ByteOffset, "fresh consumers start at the log end")
	assert.NotNil(t, c.ProcessedIDs)

	// The cursor file is persisted immediately.
	_, err = os.Stat(filepath.Join(dir, CursorDirName, "agent-1"+CursorExtension))
	assert.NoError(t, err)
}

func TestCursorStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 500)

	cs, err := NewCursorStore(dir, nil)
	require.NoError(t, err)

	c := &Cursor{
		SessionID:    "agent-1",
		ByteOffset:   250,
		LastSeq:      9,
		ProcessedIDs: []string{"m1", "m2"},
	}
	require.NoError(t, cs.Save(c))
	assert.Positive(t, c.UpdatedAt)

	got, err := cs.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.ByteOffset)
	assert.Equal(t, int64(9), got.LastSeq)
	assert.Equal(t, []string{"m1", "m2"}, got.ProcessedIDs)
}

func TestCursorStore_RecoverCorruptedNoArchive(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 300)

	cs, err := NewCursorStore(dir, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, CursorDirName, "agent-1"+CursorExtension)
	require.NoError(t, os.WriteFile(path, []byte("{{{ not json"), 0o644))

	// Without an archive the history before the log may never have been
	// compacted; skipping to the end bounds the replay a reset would cause.
	c, err := cs.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), c.ByteOffset)
	assert.Empty(t, c.ProcessedIDs)
}

func TestCursorStore_RecoverCorruptedWithArchive(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 300)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ArchiveDirName), 0o755))

	cs, err := NewCursorStore(dir, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, CursorDirName, "agent-1"+CursorExtension)
	require.NoError(t, os.WriteFile(path, []byte("{{{ not json"), 0o644))

	// An archive means everything before the current log was compacted
	// away, so replaying the live log from zero is bounded and safe.
	c, err := cs.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.ByteOffset)
}

func TestCursorStore_RecoverOffsetBeyondLog(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 100)

	cs, err := NewCursorStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, cs.Save(&Cursor{SessionID: "agent-1", ByteOffset: 100}))
	writeLog(t, dir, 40) // log shrank out from under the cursor

	c, err := cs.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), c.ByteOffset)
}

func TestCursorStore_GetDoesNotCreate(t *testing.T) {
	dir := t.TempDir()

	cs, err := NewCursorStore(dir, nil)
	require.NoError(t, err)

	_, err = cs.Get("nobody")
	assert.ErrorIs(t, err, ErrCursorNotFound)

	ids, err := cs.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = cs.Load("agent-1")
	require.NoError(t, err)

	got, err := cs.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.SessionID)
}

func TestCursorStore_DeleteAndList(t *testing.T) {
	dir := t.TempDir()

	cs, err := NewCursorStore(dir, nil)
	require.NoError(t, err)

	_, err = cs.Load("agent-1")
	require.NoError(t, err)
	_, err = cs.Load("agent-2")
	require.NoError(t, err)

	ids, err := cs.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, ids)

	require.NoError(t, cs.Delete("agent-1"))
	require.NoError(t, cs.Delete("agent-1"), "deleting a missing cursor is not an error")

	ids, err = cs.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-2"}, ids)
}

func TestCursorStore_MinOffset(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 1000)

	cs, err := NewCursorStore(dir, nil)
	require.NoError(t, err)

	_, any, err := cs.MinOffset()
	require.NoError(t, err)
	assert.False(t, any)

	require.NoError(t, cs.Save(&Cursor{SessionID: "a", ByteOffset: 600}))
	require.NoError(t, cs.Save(&Cursor{SessionID: "b", ByteOffset: 200}))

	min, any, err := cs.MinOffset()
	require.NoError(t, err)
	assert.True(t, any)
	assert.Equal(t, int64(200), min)

	// An unreadable cursor pins the minimum at zero.
	path := filepath.Join(dir, CursorDirName, "c"+CursorExtension)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	min, any, err = cs.MinOffset()
	require.NoError(t, err)
	assert.True(t, any)
	assert.Equal(t, int64(0), min)
}

func TestCursorStore_ShiftAll(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 1000)

	cs, err := NewCursorStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, cs.Save(&Cursor{SessionID: "a", ByteOffset: 600, LastSeq: 3}))
	require.NoError(t, cs.Save(&Cursor{SessionID: "b", ByteOffset: 100}))

	require.NoError(t, cs.ShiftAll(200))

	a, err := cs.Load("a")
	require.NoError(t, err)
	assert.Equal(t, int64(400), a.ByteOffset)
	assert.Equal(t, int64(3), a.LastSeq, "shift preserves the rest of the cursor")

	b, err := cs.Load("b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.ByteOffset, "shift clamps at zero")
}

func TestCursor_Merge(t *testing.T) {
	c := &Cursor{SessionID: "a"}

	c.Merge([]string{"m1", "m2"}, 5)
	assert.Equal(t, []string{"m1", "m2"}, c.ProcessedIDs)

	c.Merge([]string{"m2", "m3", ""}, 5)
	assert.Equal(t, []string{"m1", "m2", "m3"}, c.ProcessedIDs)

	c.Merge([]string{"m4", "m5", "m6"}, 4)
	assert.Equal(t, []string{"m3", "m4", "m5", "m6"}, c.ProcessedIDs, "oldest entries fall off first")
}

func TestCursor_Clone(t *testing.T) {
	c := &Cursor{SessionID: "a", ByteOffset: 10, ProcessedIDs: []string{"m1"}}
	clone := c.Clone()
	clone.ProcessedIDs[0] = "changed"
	clone.ByteOffset = 99

	assert.Equal(t, "m1", c.ProcessedIDs[0])
	assert.Equal(t, int64(10), c.ByteOffset)
}
