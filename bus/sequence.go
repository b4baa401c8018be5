// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"os"
	"sync"
)

// SequenceStore hands out per-sender sequence numbers. Sequence numbers give
// readers a FIFO-within-sender sort key that survives the physical log order,
// which is only monotonic for a single writing process.
//
// Counters live in memory. The first request for a sender in a process
// lifetime bootstraps the counter by scanning the current log for that
// sender's historical maximum, so continuity survives restarts without a
// separate counter file. The scan is idempotent and tolerant of malformed
// lines.
type SequenceStore struct {
	mu      sync.Mutex
	logPath string
	next    map[string]int64
}

// NewSequenceStore creates a sequence store backed by the given log file.
func NewSequenceStore(logPath string) *SequenceStore {
	return &SequenceStore{
		logPath: logPath,
		next:    make(map[string]int64),
	}
}

// Next returns the next sequence number for sender, bootstrapping from the
// log on first use.
func (s *SequenceStore) Next(sender string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.next[sender]
	if !ok {
		max, err := s.scanMax(sender)
		if err != nil {
			return 0, fmt.Errorf("bootstrap sequence for %q: %w", sender, err)
		}
		seq = max + 1
	}

	s.next[sender] = seq + 1
	return seq, nil
}

// scanMax returns the highest sequence number sender has in the current log.
// A missing log means no history.
func (s *SequenceStore) scanMax(sender string) (int64, error) {
	data, err := os.ReadFile(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var max int64
	forEachLine(data, func(line []byte) bool {
		m, err := DecodeLine(line)
		if err != nil {
			return true
		}
		if m.From == sender && m.SenderSeq > max {
			max = m.SenderSeq
		}
		return true
	})

	return max, nil
}
