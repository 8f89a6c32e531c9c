// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package dispatch

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atelier-labs/render-agent/pkg/metrics"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/ratelimit"
	"github.com/atelier-labs/render-agent/pkg/util/log"
)

const maintenanceOpTimeout = 30 * time.Second

// Maintenance runs a replica's periodic housekeeping on a cron schedule.
// In queued mode that is stale-job recovery plus queue depth gauges; in
// fallback mode it is only the in-memory limiter sweep, since there is no
// queue to tend.
type Maintenance struct {
	cron    *cron.Cron
	queue   *queue.Queue
	memory  *ratelimit.MemoryLimiter
	metrics *metrics.Registry
}

// NewMaintenance schedules the queued-mode jobs: recover jobs abandoned by
// dead replicas every two minutes, refresh queue depth gauges every thirty
// seconds.
func NewMaintenance(q *queue.Queue, reg *metrics.Registry) *Maintenance {
	m := &Maintenance{
		cron:    cron.New(),
		queue:   q,
		metrics: reg,
	}
	m.cron.AddFunc("@every 2m", m.recoverStale)
	m.cron.AddFunc("@every 30s", m.refreshQueueGauges)
	return m
}

// NewFallbackMaintenance schedules the single fallback-mode job: expire
// idle principals from the in-memory limiter every ten minutes so a long
// Redis outage does not leak window state.
func NewFallbackMaintenance(mem *ratelimit.MemoryLimiter, reg *metrics.Registry) *Maintenance {
	m := &Maintenance{
		cron:    cron.New(),
		memory:  mem,
		metrics: reg,
	}
	m.cron.AddFunc("@every 10m", m.sweepLimiter)
	return m
}

// Start begins running the scheduled jobs in the cron's own goroutine.
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for any job already running to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Maintenance) recoverStale() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceOpTimeout)
	defer cancel()

	recovered, err := m.queue.RecoverStale(ctx)
	if err != nil {
		log.Warnf("maintenance: stale recovery failed: %v", err)
		m.metrics.RecordError("maintenance", err.Error())
		return
	}
	if recovered > 0 {
		log.Infof("maintenance: requeued %d stale jobs", recovered)
		m.metrics.AddCounter("jobs.recovered", int64(recovered))
	}
}

func (m *Maintenance) refreshQueueGauges() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceOpTimeout)
	defer cancel()

	stats, err := m.queue.Stats(ctx)
	if err != nil {
		log.Debugf("maintenance: queue stats failed: %v", err)
		return
	}
	m.metrics.SetGauge("queue.pending", float64(stats.Pending))
	m.metrics.SetGauge("queue.processing", float64(stats.Processing))
	m.metrics.SetGauge("queue.dead_letter", float64(stats.DeadLetter))
}

func (m *Maintenance) sweepLimiter() {
	m.memory.CleanupExpired()
	m.metrics.SetGauge("ratelimit.tracked_principals", float64(m.memory.TrackedPrincipals()))
}
