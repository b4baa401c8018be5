// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestKeyLimiter_Allow(t *testing.T) {
	// Create limiter with 5 events per second, burst of 2
	limiter := NewKeyLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	key := "agent-1"

	// First 2 events should succeed (burst)
	if !limiter.Allow(key) {
		t.Error("First event should be allowed")
	}
	if !limiter.Allow(key) {
		t.Error("Second event (within burst) should be allowed")
	}

	// Third event should be rate limited (burst exhausted, no tokens yet)
	if limiter.Allow(key) {
		t.Error("Third event should be rate limited (burst exhausted)")
	}

	// Wait for token refill
	time.Sleep(250 * time.Millisecond)

	// Should be allowed now (token refilled)
	if !limiter.Allow(key) {
		t.Error("Event after token refill should be allowed")
	}
}

func TestKeyLimiter_DifferentKeys(t *testing.T) {
	limiter := NewKeyLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	// First event for each key should succeed
	if !limiter.Allow("agent-1") {
		t.Error("First event for agent-1 should be allowed")
	}
	if !limiter.Allow("agent-2") {
		t.Error("First event for agent-2 should be allowed")
	}

	// Second event for each key should be rate limited
	if limiter.Allow("agent-1") {
		t.Error("Second event for agent-1 should be rate limited")
	}
	if limiter.Allow("agent-2") {
		t.Error("Second event for agent-2 should be rate limited")
	}
}

func TestKeyLimiter_EmptyKey(t *testing.T) {
	limiter := NewKeyLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	// The empty key should always be allowed
	for i := 0; i < 5; i++ {
		if !limiter.Allow("") {
			t.Errorf("Event %d for empty key should be allowed", i)
		}
	}
}

func TestKeyLimiter_Forget(t *testing.T) {
	limiter := NewKeyLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	key := "agent-1"

	// Use up the burst
	if !limiter.Allow(key) {
		t.Error("First event should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("Second event should be rate limited")
	}

	// Forget the key
	limiter.Forget(key)

	// Key should get a fresh bucket
	if !limiter.Allow(key) {
		t.Error("First event after Forget should be allowed (fresh bucket)")
	}
}
