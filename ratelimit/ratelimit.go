// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyLimiter manages independent token buckets keyed by an arbitrary string,
// such as a wake recipient or a sender ID. Keys that go quiet are dropped by
// a background cleanup loop so the map does not grow with every consumer the
// bus has ever seen.
type KeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyLimiter creates a keyed limiter allowing r events per second with the
// given burst per key. A non-positive cleanup interval falls back to five
// minutes.
func NewKeyLimiter(r float64, burst int, cleanupInterval time.Duration) *KeyLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	l := &KeyLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks the budget for one key. An empty key is always allowed.
func (l *KeyLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[key] = e
	} else {
		e.lastSeen = time.Now()
	}
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the bucket for one key. The next Allow for that key starts
// with a fresh burst.
func (l *KeyLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// cleanupLoop periodically removes stale entries.
func (l *KeyLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *KeyLimiter) Stop() {
	close(l.stopCh)
}
