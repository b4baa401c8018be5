// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/absmach/filemq/internal/bufpool"
)

// The log is newline-delimited JSON: one self-describing message object per
// line, every line independently parseable. A torn or foreign line must only
// ever cost that one line, so decoding is tolerant and line splitting never
// depends on well-formed neighbors.

// EncodeLine serializes a message as one log line, trailing newline included.
func EncodeLine(m *Message) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	line := make([]byte, buf.Len())
	copy(line, buf.Bytes())
	return line, nil
}

// DecodeLine parses one log line. Lines that are not a JSON message object,
// or that carry no id, are reported as errors; callers skip them.
func DecodeLine(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("decode message: missing id")
	}
	return &m, nil
}

// forEachLine calls fn for every non-empty line in data. Splitting is a plain
// byte scan so that an oversized or corrupt line cannot abort the walk. fn
// returns false to stop early.
func forEachLine(data []byte, fn func(line []byte) bool) {
	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !fn(line) {
			return
		}
	}
}
