// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package ratelimit implements per-principal sliding-window admission and
// the fallback concurrency guard. Two limiter backends share one contract:
// the distributed one keeps request timestamps in a Redis sorted set, the
// in-process one keeps them in a TTL cache and is used when Redis is
// unreachable.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/atelier-labs/render-agent/pkg/util/log"
)

// keyPrefix namespaces the per-principal sorted sets.
const keyPrefix = "ratelimit:"

// keyGrace extends key TTLs past the window so a set survives long enough
// to answer retry-after queries at the window edge.
const keyGrace = 60 * time.Second

// Result is a single admission decision.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the suggested client wait in whole seconds. Zero when
	// allowed.
	RetryAfter int
}

// Limiter is the admission contract shared by both backends.
type Limiter interface {
	// Check decides whether one more request by principal is admitted now
	// and records it if so.
	Check(ctx context.Context, principal string) (Result, error)
}

// RedisLimiter is the distributed backend. The window state lives in a
// sorted set scored by request time, so every replica sees the same counts.
type RedisLimiter struct {
	client *redis.Client
	clock  clock.Clock
	max    int
	window time.Duration
}

// NewRedisLimiter returns a limiter admitting max requests per window.
func NewRedisLimiter(client *redis.Client, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		clock:  clock.New(),
		max:    max,
		window: window,
	}
}

// Check trims entries older than the window, counts what is left and either
// denies with a retry hint or records the request. A request aged exactly
// one window is trimmed, so a caller arriving at the boundary is counted in
// the new window.
//
// A Redis failure fails open: the request is admitted and the error is
// returned for the caller to log. Rate limiting going dark must not take the
// product surface with it.
func (l *RedisLimiter) Check(ctx context.Context, principal string) (Result, error) {
	key := keyPrefix + principal
	now := float64(l.clock.Now().UnixNano()) / float64(time.Second)
	windowSec := l.window.Seconds()
	cutoff := strconv.FormatFloat(now-windowSec, 'f', -1, 64)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("rate limiter: backend check failed for %s, failing open: %v", principal, err)
		return Result{Allowed: true}, err
	}

	count := int(card.Val())
	if count >= l.max {
		retryAfter := int(windowSec)
		oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			retryAfter = int(oldest[0].Score+windowSec-now) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
		}
		return Result{Allowed: false, RetryAfter: retryAfter}, nil
	}

	member := strconv.FormatInt(l.clock.Now().UnixNano(), 10)
	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: now, Member: member})
	pipe.Expire(ctx, key, l.window+keyGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("rate limiter: backend record failed for %s, failing open: %v", principal, err)
		return Result{Allowed: true}, err
	}

	return Result{Allowed: true, Remaining: l.max - count - 1}, nil
}
