// server/ratelimit.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterPruneThreshold = 1024
	limiterIdleExpiry     = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter maintains one token bucket per key (client id or remote
// IP), created on first use and pruned once idle.
type keyedLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newKeyedLimiter(limit rate.Limit, burst int) *keyedLimiter {
	return &keyedLimiter{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

// limiterForPolicy builds the primary bucket of a policy: Burst permits,
// one replenished every Period. Returns nil when the policy is off.
func limiterForPolicy(policy RatePolicy) *keyedLimiter {
	if !policy.Enabled || policy.Burst <= 0 || policy.Period <= 0 {
		return nil
	}
	return newKeyedLimiter(rate.Every(policy.Period), policy.Burst)
}

// perMinuteLimiter builds the ceiling bucket of a policy: PerMinute
// permits per minute, bursting up to the full minute. Returns nil when
// no ceiling is configured.
func perMinuteLimiter(policy RatePolicy) *keyedLimiter {
	if !policy.Enabled || policy.PerMinute <= 0 {
		return nil
	}
	return newKeyedLimiter(rate.Every(time.Minute/time.Duration(policy.PerMinute)), policy.PerMinute)
}

func (kl *keyedLimiter) get(key string) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	entry, ok := kl.entries[key]
	if !ok {
		if len(kl.entries) >= limiterPruneThreshold {
			kl.pruneLocked(now)
		}
		entry = &limiterEntry{lim: rate.NewLimiter(kl.limit, kl.burst)}
		kl.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.lim
}

func (kl *keyedLimiter) pruneLocked(now time.Time) {
	for key, entry := range kl.entries {
		if now.Sub(entry.lastSeen) > limiterIdleExpiry {
			delete(kl.entries, key)
		}
	}
}

// check consumes a permit for key if one is available now; otherwise it
// reports how long until the next permit.
func (kl *keyedLimiter) check(key string) (time.Duration, bool) {
	r := kl.get(key).Reserve()
	if !r.OK() {
		return limiterIdleExpiry, false
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return delay, false
	}
	return 0, true
}

// blocked reports whether key currently has no permits, without
// consuming one.
func (kl *keyedLimiter) blocked(key string) bool {
	return kl.get(key).Tokens() < 1
}

// record consumes a permit for key if one is available, charging the
// bucket without refusing anything.
func (kl *keyedLimiter) record(key string) {
	kl.get(key).Allow()
}

// RateLimiters bundles the per-concern keyed limiters. A nil limiter
// means that concern is unlimited. For each concern the per-minute
// ceiling is checked before the sustained policy; a permit consumed
// from the ceiling is not returned when the sustained check refuses.
type RateLimiters struct {
	metrics *Metrics

	callInvite          *keyedLimiter
	callInvitePerMinute *keyedLimiter
	failedAuth          *keyedLimiter
	failedAuthPerMinute *keyedLimiter
	wsToken             *keyedLimiter
	wsTokenPerMinute    *keyedLimiter
}

func NewRateLimiters(config RateLimitsConfig, metrics *Metrics) *RateLimiters {
	rl := &RateLimiters{metrics: metrics}
	if !config.Enabled {
		return rl
	}
	rl.callInvite = limiterForPolicy(config.CallInvite)
	rl.callInvitePerMinute = perMinuteLimiter(config.CallInvite)
	rl.failedAuth = limiterForPolicy(config.FailedAuth)
	rl.failedAuthPerMinute = perMinuteLimiter(config.FailedAuth)
	rl.wsToken = limiterForPolicy(config.WsToken)
	rl.wsTokenPerMinute = perMinuteLimiter(config.WsToken)
	return rl
}

// CheckCallInvite gates a call invite from the given client. On refusal
// it returns how long the client should wait before retrying.
func (rl *RateLimiters) CheckCallInvite(key string) (time.Duration, bool) {
	if retry, ok := rl.checkLimiter(rl.callInvitePerMinute, "call_invite_per_minute", key); !ok {
		return retry, false
	}
	return rl.checkLimiter(rl.callInvite, "call_invite", key)
}

// CheckWsToken gates websocket token issuance for the given remote IP.
func (rl *RateLimiters) CheckWsToken(key string) (time.Duration, bool) {
	if retry, ok := rl.checkLimiter(rl.wsTokenPerMinute, "ws_token_per_minute", key); !ok {
		return retry, false
	}
	return rl.checkLimiter(rl.wsToken, "ws_token", key)
}

// FailedAuthBlocked reports whether the given key has exhausted its
// failed login budget, without charging it.
func (rl *RateLimiters) FailedAuthBlocked(key string) bool {
	if rl.failedAuthPerMinute != nil && rl.failedAuthPerMinute.blocked(key) {
		rl.metrics.RateLimitHit("failed_auth_per_minute")
		return true
	}
	if rl.failedAuth != nil && rl.failedAuth.blocked(key) {
		rl.metrics.RateLimitHit("failed_auth")
		return true
	}
	return false
}

// RecordFailedAuth charges a failed login attempt against the given key.
func (rl *RateLimiters) RecordFailedAuth(key string) {
	if rl.failedAuthPerMinute != nil {
		rl.failedAuthPerMinute.record(key)
	}
	if rl.failedAuth != nil {
		rl.failedAuth.record(key)
	}
}

func (rl *RateLimiters) checkLimiter(kl *keyedLimiter, name, key string) (time.Duration, bool) {
	if kl == nil {
		return 0, true
	}
	retry, ok := kl.check(key)
	if !ok {
		rl.metrics.RateLimitHit(name)
	}
	return retry, ok
}
