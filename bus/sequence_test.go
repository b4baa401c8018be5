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

func TestSequenceStore_FreshLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), LogFileName)
	seq := NewSequenceStore(logPath)

	n, err := seq.Next("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = seq.Next("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Senders count independently.
	n, err = seq.Next("agent-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSequenceStore_BootstrapFromLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, LogFileName)

	var data []byte
	for i, m := range []*Message{
		{ID: "a1", Type: TypeNotify, From: "agent-1", SenderSeq: 1},
		{ID: "a2", Type: TypeNotify, From: "agent-1", SenderSeq: 2},
		{ID: "b1", Type: TypeNotify, From: "agent-2", SenderSeq: 41},
	} {
		line, err := EncodeLine(m)
		require.NoError(t, err, "message %d", i)
		data = append(data, line...)
	}
	data = append(data, []byte("not a json line\n")...)
	require.NoError(t, os.WriteFile(logPath, data, 0o644))

	seq := NewSequenceStore(logPath)

	n, err := seq.Next("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = seq.Next("agent-2")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = seq.Next("agent-3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
