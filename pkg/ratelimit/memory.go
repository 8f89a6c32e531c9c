// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryLimiter is the in-process fallback backend. Same algorithm as the
// Redis limiter over a per-principal timestamp slice held in a TTL cache.
// State is volatile (lost on restart, not shared across replicas), which is
// why deployments give it a lower quota than the distributed path.
type MemoryLimiter struct {
	// the cache synchronizes single operations, but a check is a
	// read-modify-write, so the limiter serializes through its own mutex
	mu     sync.Mutex
	cache  *gocache.Cache
	clock  clock.Clock
	max    int
	window time.Duration
}

// NewMemoryLimiter returns an in-process limiter admitting max requests per
// window.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		cache:  gocache.New(window+keyGrace, 10*time.Minute),
		clock:  clock.New(),
		max:    max,
		window: window,
	}
}

// Check applies the sliding-window decision against the in-process state.
// The error return exists to satisfy the Limiter contract; it is always nil.
func (l *MemoryLimiter) Check(_ context.Context, principal string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := float64(l.clock.Now().UnixNano()) / float64(time.Second)
	windowSec := l.window.Seconds()
	cutoff := now - windowSec

	var timestamps []float64
	expiry := time.Time{}
	if entry, exp, found := l.cache.GetWithExpiration(principal); found {
		timestamps = entry.([]float64)
		expiry = exp
	}

	// strict > keep: an entry aged exactly one window leaves the window
	kept := make([]float64, 0, len(timestamps)+1)
	for _, ts := range timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.max {
		retryAfter := int(kept[0]+windowSec-now) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		// keep the trimmed view without extending the entry's life
		ttl := gocache.DefaultExpiration
		if !expiry.IsZero() {
			ttl = time.Until(expiry)
		}
		l.cache.Set(principal, kept, ttl)
		return Result{Allowed: false, RetryAfter: retryAfter}, nil
	}

	kept = append(kept, now)
	l.cache.Set(principal, kept, l.window+keyGrace)
	return Result{Allowed: true, Remaining: l.max - len(kept)}, nil
}

// CleanupExpired drops principals whose entries have aged out. Called
// periodically by the maintenance schedule.
func (l *MemoryLimiter) CleanupExpired() {
	l.cache.DeleteExpired()
}

// TrackedPrincipals reports how many principals currently hold window state.
func (l *MemoryLimiter) TrackedPrincipals() int {
	return l.cache.ItemCount()
}
