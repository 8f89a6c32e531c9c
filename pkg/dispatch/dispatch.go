// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package dispatch consumes the job queue. One dispatcher goroutine runs
// per replica; parallelism comes from running more replicas, which keeps
// per-job provider pressure predictable.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/atelier-labs/render-agent/pkg/jobstore"
	"github.com/atelier-labs/render-agent/pkg/metrics"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/util/log"
)

const defaultDequeueTimeout = 5 * time.Second

// Handler runs one dequeued job to completion and returns its output URL.
// The pipeline orchestrator is the production implementation.
type Handler interface {
	Run(ctx context.Context, meta *queue.TaskMeta) (string, error)
}

// RowMarker is the slice of the job store the dispatcher writes to.
type RowMarker interface {
	Mark(ctx context.Context, jobID, status string, upd jobstore.Update) error
}

// Options tune the consumer loop.
type Options struct {
	// DequeueTimeout bounds each blocking pop so the loop can observe Stop.
	DequeueTimeout time.Duration
}

// Dispatcher pulls jobs off the queue and hands them to the handler,
// acking on success and nacking on failure. Queue state stays consistent
// across crashes: anything in flight when the process dies is recovered by
// the next Start.
type Dispatcher struct {
	queue   *queue.Queue
	jobs    RowMarker
	handler Handler
	metrics *metrics.Registry
	timeout time.Duration

	started *atomic.Bool
	stopped *atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	clock   clock.Clock
}

// New builds a dispatcher. jobs may be nil when no row store is configured.
func New(q *queue.Queue, jobs RowMarker, handler Handler, reg *metrics.Registry, opts Options) *Dispatcher {
	timeout := opts.DequeueTimeout
	if timeout <= 0 {
		timeout = defaultDequeueTimeout
	}
	return &Dispatcher{
		queue:   q,
		jobs:    jobs,
		handler: handler,
		metrics: reg,
		timeout: timeout,
		started: atomic.NewBool(false),
		stopped: atomic.NewBool(false),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		clock:   clock.New(),
	}
}

// Start recovers jobs stranded by a previous run, then spawns the consumer
// loop. Calling Start twice is an error.
func (d *Dispatcher) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	recovered, err := d.queue.RecoverStale(context.Background())
	if err != nil {
		log.Warnf("dispatch: stale recovery on startup failed: %v", err)
	} else if recovered > 0 {
		log.Infof("dispatch: requeued %d jobs stranded by a previous run", recovered)
	}
	d.metrics.SetGauge("queue.recovered_on_start", float64(recovered))

	go d.loop()
	return nil
}

// Stop signals the loop and waits up to timeout for it to drain. A job
// interrupted mid-flight stays on the processing list for stale recovery.
func (d *Dispatcher) Stop(timeout time.Duration) {
	if !d.started.Load() || !d.stopped.CompareAndSwap(false, true) {
		return
	}
	close(d.stop)
	select {
	case <-d.done:
	case <-d.clock.After(timeout):
		log.Warnf("dispatch: loop did not drain within %s", timeout)
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.stop
		cancel()
	}()

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		jobID, err := d.queue.Dequeue(ctx, d.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("dispatch: dequeue failed: %v", err)
			d.metrics.RecordError("dispatch", fmt.Sprintf("dequeue: %v", err))
			d.pause(ctx, time.Second)
			continue
		}
		if jobID == "" {
			continue
		}
		d.handle(ctx, jobID)
	}
}

func (d *Dispatcher) handle(ctx context.Context, jobID string) {
	start := d.clock.Now()

	meta, err := d.queue.Meta(ctx, jobID)
	if err != nil {
		// Without metadata the job can neither run nor be retried. Ack it
		// off the processing list instead of wedging it there.
		log.Warnf("dispatch: job %s has no metadata, dropping: %v", jobID, err)
		if ackErr := d.queue.Ack(ctx, jobID, ""); ackErr != nil {
			log.Errorf("dispatch: job %s: defensive ack failed: %v", jobID, ackErr)
		}
		d.metrics.IncrCounter("jobs.dropped")
		d.metrics.RecordError("dispatch", fmt.Sprintf("job %s missing metadata", jobID))
		return
	}

	if d.jobs != nil {
		if err := d.jobs.Mark(ctx, jobID, queue.StatusProcessing, jobstore.Update{}); err != nil {
			log.Warnf("dispatch: job %s: failed to mark row processing: %v", jobID, err)
		}
	}
	log.Infof("dispatch: job %s (%s) started, attempt %d", jobID, meta.Kind, meta.Retries+1)

	outputURL, err := d.handler.Run(ctx, meta)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown raced the handler. Leave the job in flight so
			// recovery requeues it without burning a retry.
			log.Infof("dispatch: job %s interrupted by shutdown, leaving in flight", jobID)
			return
		}
		dead, nackErr := d.queue.Nack(ctx, jobID, err)
		if nackErr != nil {
			log.Errorf("dispatch: job %s: nack failed: %v", jobID, nackErr)
		}
		d.metrics.IncrCounter("jobs.failed")
		d.metrics.IncrCounter("errors.pipeline")
		if dead {
			d.metrics.IncrCounter("jobs.dead_letter")
			log.Errorf("dispatch: job %s exhausted retries and was dead-lettered: %v", jobID, err)
		} else {
			log.Warnf("dispatch: job %s failed, requeued: %v", jobID, err)
		}
		d.metrics.RecordError("pipeline", err.Error())
		return
	}

	if err := d.queue.Ack(ctx, jobID, outputURL); err != nil {
		log.Errorf("dispatch: job %s: ack failed: %v", jobID, err)
	}
	elapsed := d.clock.Since(start)
	d.metrics.IncrCounter("jobs.completed")
	d.metrics.ObserveLatency("pipeline."+meta.Kind, elapsed)
	log.Infof("dispatch: job %s (%s) completed in %s", jobID, meta.Kind, elapsed)
}

func (d *Dispatcher) pause(ctx context.Context, delay time.Duration) {
	t := d.clock.Timer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
