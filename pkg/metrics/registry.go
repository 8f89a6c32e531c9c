// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics implements the in-memory observability core of the render
// agent: named counters, gauges, per-endpoint latency samples, per-minute
// time-series for request and error counters, and a bounded ring of recent
// errors. Nothing is persisted; a restart starts from zero.
//
// All recording entry points are void and cannot fail, so a metrics problem
// can never abort a job.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/atelier-labs/render-agent/pkg/util/log"
)

const (
	// latencySampleLimit bounds the per-endpoint sample ring.
	latencySampleLimit = 100
	// errorRingLimit bounds the recent-error ring.
	errorRingLimit = 50
	// errorMessageLimit bounds the stored length of one error message.
	errorMessageLimit = 300
	// bucketWindowMinutes bounds the per-minute time-series retention.
	bucketWindowMinutes = 60
	// errorRateWindowMinutes is the lookback for the derived error rate.
	errorRateWindowMinutes = 5

	p95MinSamples = 20
	p99MinSamples = 100
)

// ErrorEvent is one entry of the recent-error ring.
type ErrorEvent struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// LatencySummary summarizes the retained samples of one endpoint.
// Percentiles above the median need a minimum sample count before they mean
// anything, so p95 and p99 stay unset below their thresholds.
type LatencySummary struct {
	Count int      `json:"count"`
	AvgMs float64  `json:"avg_ms"`
	P50Ms float64  `json:"p50_ms"`
	P95Ms *float64 `json:"p95_ms,omitempty"`
	P99Ms *float64 `json:"p99_ms,omitempty"`
}

// MinuteCount is one time-series bucket.
type MinuteCount struct {
	Minute string `json:"minute"`
	Count  int64  `json:"count"`
}

// Snapshot is the consistent point-in-time view returned by the /metrics
// endpoint.
type Snapshot struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Counters      map[string]int64          `json:"counters"`
	Gauges        map[string]float64        `json:"gauges"`
	Latency       map[string]LatencySummary `json:"latency"`
	Timeseries    map[string][]MinuteCount  `json:"timeseries"`
	ErrorRate5m   float64                   `json:"error_rate_5m"`
	RecentErrors  []ErrorEvent              `json:"recent_errors"`
}

// Registry is the process-wide metrics store. A single mutex guards every
// map; writers hold it briefly and Snapshot copies everything under the same
// lock.
type Registry struct {
	mu    sync.Mutex
	clock clock.Clock

	started  time.Time
	counters map[string]int64
	gauges   map[string]float64
	latency  map[string][]float64
	buckets  map[string]map[int64]int64
	errors   []ErrorEvent
}

// NewRegistry returns an empty registry using the wall clock.
func NewRegistry() *Registry {
	return newRegistry(clock.New())
}

func newRegistry(c clock.Clock) *Registry {
	return &Registry{
		clock:    c,
		started:  c.Now(),
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		latency:  make(map[string][]float64),
		buckets:  make(map[string]map[int64]int64),
	}
}

// recoverRecording swallows a panic raised while recording. Recording is
// advisory; the caller's job outcome must never depend on it.
func recoverRecording() {
	if p := recover(); p != nil {
		log.Errorf("metrics: recording panicked: %v", p)
	}
}

// IncrCounter increments a named counter by one.
func (r *Registry) IncrCounter(name string) {
	r.AddCounter(name, 1)
}

// AddCounter increments a named counter by delta. Counters whose name starts
// with "requests." or "errors." also feed the per-minute time-series.
func (r *Registry) AddCounter(name string, delta int64) {
	defer recoverRecording()
	if delta <= 0 {
		return
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters[name] += delta
	if !isBucketed(name) {
		return
	}

	minute := now.Truncate(time.Minute).Unix()
	b := r.buckets[name]
	if b == nil {
		b = make(map[int64]int64)
		r.buckets[name] = b
	}
	b[minute] += delta

	// Stale buckets are dropped on the next write to their series.
	horizon := minute - bucketWindowMinutes*60
	for m := range b {
		if m < horizon {
			delete(b, m)
		}
	}
}

// SetGauge sets a named gauge to the given value.
func (r *Registry) SetGauge(name string, value float64) {
	defer recoverRecording()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gauges[name] = value
}

// ObserveLatency records one latency sample for an endpoint, keeping only
// the most recent latencySampleLimit samples.
func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	defer recoverRecording()
	ms := float64(d) / float64(time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()

	samples := append(r.latency[endpoint], ms)
	if len(samples) > latencySampleLimit {
		samples = samples[len(samples)-latencySampleLimit:]
	}
	r.latency[endpoint] = samples
}

// RecordError appends an event to the recent-error ring, truncating long
// messages.
func (r *Registry) RecordError(source, message string) {
	defer recoverRecording()
	if len(message) > errorMessageLimit {
		message = message[:errorMessageLimit]
	}
	evt := ErrorEvent{At: r.clock.Now(), Source: source, Message: message}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, evt)
	if len(r.errors) > errorRingLimit {
		r.errors = r.errors[len(r.errors)-errorRingLimit:]
	}
}

// Snapshot returns a consistent copy of the registry state.
func (r *Registry) Snapshot() *Snapshot {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{
		UptimeSeconds: now.Sub(r.started).Seconds(),
		Counters:      make(map[string]int64, len(r.counters)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		Latency:       make(map[string]LatencySummary, len(r.latency)),
		Timeseries:    make(map[string][]MinuteCount, len(r.buckets)),
		RecentErrors:  append([]ErrorEvent{}, r.errors...),
	}
	for name, v := range r.counters {
		snap.Counters[name] = v
	}
	for name, v := range r.gauges {
		snap.Gauges[name] = v
	}
	for endpoint, samples := range r.latency {
		snap.Latency[endpoint] = summarize(samples)
	}

	horizon := now.Truncate(time.Minute).Unix() - bucketWindowMinutes*60
	for name, b := range r.buckets {
		series := make([]MinuteCount, 0, len(b))
		for minute, count := range b {
			if minute < horizon {
				continue
			}
			series = append(series, MinuteCount{
				Minute: time.Unix(minute, 0).UTC().Format(time.RFC3339),
				Count:  count,
			})
		}
		sort.Slice(series, func(i, j int) bool { return series[i].Minute < series[j].Minute })
		snap.Timeseries[name] = series
	}

	snap.ErrorRate5m = r.errorRateLocked(now)
	return snap
}

// errorRateLocked derives errors/requests over the last five minutes from
// the bucketed series. Callers must hold r.mu.
func (r *Registry) errorRateLocked(now time.Time) float64 {
	oldest := now.Truncate(time.Minute).Unix() - (errorRateWindowMinutes-1)*60

	var requests, errs int64
	for name, b := range r.buckets {
		for minute, count := range b {
			if minute < oldest {
				continue
			}
			switch {
			case strings.HasPrefix(name, "requests."):
				requests += count
			case strings.HasPrefix(name, "errors."):
				errs += count
			}
		}
	}
	if requests == 0 {
		return 0
	}
	return float64(errs) / float64(requests)
}

func isBucketed(name string) bool {
	return strings.HasPrefix(name, "requests.") || strings.HasPrefix(name, "errors.")
}

func summarize(samples []float64) LatencySummary {
	n := len(samples)
	if n == 0 {
		return LatencySummary{}
	}

	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, s := range sorted {
		sum += s
	}

	out := LatencySummary{
		Count: n,
		AvgMs: sum / float64(n),
		P50Ms: percentile(sorted, 0.50),
	}
	if n >= p95MinSamples {
		p := percentile(sorted, 0.95)
		out.P95Ms = &p
	}
	if n >= p99MinSamples {
		p := percentile(sorted, 0.99)
		out.P99Ms = &p
	}
	return out
}

// percentile picks the nearest-rank value from an ascending sample slice.
func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
