// server/ratelimit_test.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"fmt"
	"testing"
	"time"
)

func testRateLimitsConfig() RateLimitsConfig {
	return RateLimitsConfig{
		Enabled:    true,
		CallInvite: RatePolicy{Enabled: true, Period: time.Hour, Burst: 3, PerMinute: 0},
		FailedAuth: RatePolicy{Enabled: true, Period: time.Hour, Burst: 2, PerMinute: 0},
		WsToken:    RatePolicy{Enabled: true, Period: time.Hour, Burst: 2, PerMinute: 0},
	}
}

func TestCallInviteBurst(t *testing.T) {
	rl := NewRateLimiters(testRateLimitsConfig(), NewMetrics())

	for i := range 3 {
		if _, ok := rl.CheckCallInvite("1000001"); !ok {
			t.Fatalf("invite %d refused within burst", i)
		}
	}
	retry, ok := rl.CheckCallInvite("1000001")
	if ok {
		t.Fatal("invite allowed after burst exhausted")
	}
	if retry <= 0 {
		t.Errorf("retry-after %v, want > 0", retry)
	}

	// Other keys have their own bucket.
	if _, ok := rl.CheckCallInvite("1000002"); !ok {
		t.Error("other client refused")
	}
}

func TestCallInvitePerMinuteCeiling(t *testing.T) {
	config := testRateLimitsConfig()
	config.CallInvite = RatePolicy{Enabled: true, Period: time.Millisecond, Burst: 1000, PerMinute: 2}
	rl := NewRateLimiters(config, NewMetrics())

	for i := range 2 {
		if _, ok := rl.CheckCallInvite("1000001"); !ok {
			t.Fatalf("invite %d refused within ceiling", i)
		}
	}
	if _, ok := rl.CheckCallInvite("1000001"); ok {
		t.Error("invite allowed past per-minute ceiling")
	}
}

func TestRateLimitersDisabled(t *testing.T) {
	config := testRateLimitsConfig()
	config.Enabled = false
	rl := NewRateLimiters(config, NewMetrics())

	for i := range 100 {
		if _, ok := rl.CheckCallInvite("1000001"); !ok {
			t.Fatalf("invite %d refused with limits disabled", i)
		}
	}
	if rl.FailedAuthBlocked("10.0.0.1") {
		t.Error("failed auth blocked with limits disabled")
	}
}

func TestFailedAuthPeekAndRecord(t *testing.T) {
	rl := NewRateLimiters(testRateLimitsConfig(), NewMetrics())

	if rl.FailedAuthBlocked("10.0.0.1") {
		t.Fatal("fresh key blocked")
	}
	rl.RecordFailedAuth("10.0.0.1")
	if rl.FailedAuthBlocked("10.0.0.1") {
		t.Fatal("blocked after one failure with burst 2")
	}
	rl.RecordFailedAuth("10.0.0.1")
	if !rl.FailedAuthBlocked("10.0.0.1") {
		t.Error("not blocked after exhausting the budget")
	}

	// Peeking never charges the bucket.
	if rl.FailedAuthBlocked("10.0.0.2") || rl.FailedAuthBlocked("10.0.0.2") {
		t.Fatal("untouched key blocked")
	}
	rl.RecordFailedAuth("10.0.0.2")
	if rl.FailedAuthBlocked("10.0.0.2") {
		t.Error("peeks consumed permits")
	}
}

func TestWsTokenLimiter(t *testing.T) {
	rl := NewRateLimiters(testRateLimitsConfig(), NewMetrics())

	for i := range 2 {
		if _, ok := rl.CheckWsToken("10.0.0.1"); !ok {
			t.Fatalf("token request %d refused within burst", i)
		}
	}
	if _, ok := rl.CheckWsToken("10.0.0.1"); ok {
		t.Error("token request allowed after burst exhausted")
	}
}

func TestKeyedLimiterPrune(t *testing.T) {
	kl := newKeyedLimiter(1, 1)
	for i := range limiterPruneThreshold {
		kl.get(fmt.Sprintf("key-%d", i)).Allow()
	}
	// Make the existing entries stale, then trigger a prune.
	kl.mu.Lock()
	for _, entry := range kl.entries {
		entry.lastSeen = time.Now().Add(-2 * limiterIdleExpiry)
	}
	kl.mu.Unlock()

	kl.get("fresh")
	kl.mu.Lock()
	n := len(kl.entries)
	kl.mu.Unlock()
	if n != 1 {
		t.Errorf("got %d entries after prune, want 1", n)
	}
}
