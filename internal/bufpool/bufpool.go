// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the scratch buffers used to encode log lines.
// Every send serializes one message; pooling keeps that from allocating a
// fresh buffer per append.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past the message size ceiling are dropped rather than
// pooled, so one oversized payload cannot pin memory for the process
// lifetime.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns a buffer to the pool unless it has grown too large to keep.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
