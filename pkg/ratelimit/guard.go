// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ratelimit

import (
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// ConcurrencyGuard bounds the number of jobs running inline when the
// distributed queue is unavailable. Slots are taken after the rate check and
// before spawning the job; release happens on every exit path.
type ConcurrencyGuard struct {
	sem    *semaphore.Weighted
	active *atomic.Int64
	limit  int64
}

// NewConcurrencyGuard returns a guard with the given number of slots.
func NewConcurrencyGuard(limit int) *ConcurrencyGuard {
	return &ConcurrencyGuard{
		sem:    semaphore.NewWeighted(int64(limit)),
		active: atomic.NewInt64(0),
		limit:  int64(limit),
	}
}

// TryAcquire takes a slot without blocking and reports whether one was
// granted.
func (g *ConcurrencyGuard) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.active.Inc()
	return true
}

// Release returns a slot. Releasing with no slot held is a no-op so a
// double release cannot corrupt the semaphore.
func (g *ConcurrencyGuard) Release() {
	for {
		cur := g.active.Load()
		if cur <= 0 {
			return
		}
		if g.active.CompareAndSwap(cur, cur-1) {
			g.sem.Release(1)
			return
		}
	}
}

// Active reports the number of slots currently held.
func (g *ConcurrencyGuard) Active() int64 {
	return g.active.Load()
}

// Limit reports the configured slot count.
func (g *ConcurrencyGuard) Limit() int64 {
	return g.limit
}
