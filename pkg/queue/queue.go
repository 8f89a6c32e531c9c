// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package queue implements the reliable job queue backing the render agent.
//
// Jobs live on a pending list and are moved atomically onto a processing
// list when a worker picks them up, so a crash between pickup and completion
// never loses the job. A metadata hash per job records status, retries and
// timestamps; it expires on its own after the retention window.
package queue

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/atelier-labs/render-agent/pkg/util/log"
)

const (
	pendingKey    = "taskqueue:jobs"
	processingKey = "taskqueue:processing"
	deadLetterKey = "taskqueue:dead_letter"
	metaKeyPrefix = "taskqueue:meta:"

	// Failure messages stored in the metadata hash are capped so a noisy
	// provider response cannot bloat Redis.
	errorMessageLimit = 200

	defaultMaxRetries   = 3
	defaultStaleTimeout = 10 * time.Minute
	defaultMetaTTL      = 2 * time.Hour
	defaultDeadListPage = 20
)

// ErrNotFound is returned when a job id has no metadata hash, either because
// it never existed or because its retention window has passed.
var ErrNotFound = errors.New("queue: job not found")

// Options tunes queue behavior. Zero values fall back to the defaults.
type Options struct {
	MaxRetries   int
	StaleTimeout time.Duration
	MetaTTL      time.Duration
}

// Queue is the Redis-backed task queue. All operations are safe for
// concurrent use from multiple processes.
type Queue struct {
	client       *redis.Client
	clock        clock.Clock
	maxRetries   int
	staleTimeout time.Duration
	metaTTL      time.Duration
}

// New builds a Queue on top of an established Redis client.
func New(client *redis.Client, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = defaultStaleTimeout
	}
	if opts.MetaTTL <= 0 {
		opts.MetaTTL = defaultMetaTTL
	}
	return &Queue{
		client:       client,
		clock:        clock.New(),
		maxRetries:   opts.MaxRetries,
		staleTimeout: opts.StaleTimeout,
		metaTTL:      opts.MetaTTL,
	}
}

func metaKey(jobID string) string {
	return metaKeyPrefix + jobID
}

// Enqueue records the job metadata and pushes the id onto the pending list
// in one transaction. It returns the job's 1-based queue position.
func (q *Queue) Enqueue(ctx context.Context, userID, jobID, kind string, payload map[string]interface{}) (int, error) {
	meta := &TaskMeta{
		JobID:      jobID,
		UserID:     userID,
		Kind:       kind,
		Payload:    payload,
		Status:     StatusQueued,
		EnqueuedAt: q.clock.Now().UTC(),
	}
	fields, err := meta.hashFields()
	if err != nil {
		return 0, errors.Wrapf(err, "enqueue job %s", jobID)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), fields)
	pipe.Expire(ctx, metaKey(jobID), q.metaTTL)
	length := pipe.LPush(ctx, pendingKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "enqueue job %s", jobID)
	}
	return int(length.Val()), nil
}

// Dequeue blocks up to timeout for the next job and atomically moves it onto
// the processing list. It returns "" with a nil error when the wait times
// out empty-handed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	jobID, err := q.client.BRPopLPush(ctx, pendingKey, processingKey, timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "dequeue")
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), map[string]interface{}{
		"status":                StatusProcessing,
		"processing_started_at": formatTime(q.clock.Now()),
	})
	pipe.Expire(ctx, metaKey(jobID), q.metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		// The job is already tracked on the processing list. A missing
		// start stamp only makes stale recovery fire early, which is safe.
		log.Warnf("queue: failed to stamp processing start for job %s: %v", jobID, err)
	}
	return jobID, nil
}

// Ack marks the job completed and drops it from the processing list.
func (q *Queue) Ack(ctx context.Context, jobID, outputURL string) error {
	fields := map[string]interface{}{
		"status":       StatusCompleted,
		"completed_at": formatTime(q.clock.Now()),
	}
	if outputURL != "" {
		fields["output_url"] = outputURL
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, jobID)
	pipe.HSet(ctx, metaKey(jobID), fields)
	pipe.Expire(ctx, metaKey(jobID), q.metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "ack job %s", jobID)
	}
	return nil
}

// Nack records a failed attempt. The job goes back onto the dequeue end of
// the pending list so it runs again before newer work, unless its retry
// budget is spent, in which case it moves to the dead letter list. The
// returned bool reports whether the job is now dead.
func (q *Queue) Nack(ctx context.Context, jobID string, jobErr error) (bool, error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	if len(msg) > errorMessageLimit {
		msg = msg[:errorMessageLimit]
	}

	retries, err := q.client.HGet(ctx, metaKey(jobID), "retries").Int()
	if err != nil && err != redis.Nil {
		return false, errors.Wrapf(err, "nack job %s: read retries", jobID)
	}
	next := retries + 1
	dead := next >= q.maxRetries

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, jobID)
	if dead {
		pipe.HSet(ctx, metaKey(jobID), map[string]interface{}{
			"status":  StatusDeadLetter,
			"retries": next,
			"error":   msg,
		})
		pipe.LPush(ctx, deadLetterKey, jobID)
	} else {
		pipe.HSet(ctx, metaKey(jobID), map[string]interface{}{
			"status":                StatusQueued,
			"retries":               next,
			"error":                 msg,
			"processing_started_at": "",
		})
		pipe.RPush(ctx, pendingKey, jobID)
	}
	pipe.Expire(ctx, metaKey(jobID), q.metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrapf(err, "nack job %s", jobID)
	}
	return dead, nil
}

// RecoverStale requeues jobs that have sat on the processing list beyond the
// stale timeout, which happens when a worker dies mid-job. Processing
// entries without metadata are dropped outright. It returns the number of
// jobs requeued and keeps going past individual failures.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "recover stale: list in-flight jobs")
	}

	now := q.clock.Now().UTC()
	recovered := 0
	var errs *multierror.Error
	for _, jobID := range ids {
		meta, err := q.Meta(ctx, jobID)
		if err == ErrNotFound {
			if remErr := q.client.LRem(ctx, processingKey, 1, jobID).Err(); remErr != nil {
				errs = multierror.Append(errs, errors.Wrapf(remErr, "drop orphan %s", jobID))
				continue
			}
			log.Warnf("queue: dropped orphaned in-flight entry %s (metadata expired)", jobID)
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "inspect %s", jobID))
			continue
		}

		started := meta.ProcessingStartedAt
		if started.IsZero() {
			started = meta.EnqueuedAt
		}
		if now.Sub(started) <= q.staleTimeout {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, processingKey, 1, jobID)
		pipe.HSet(ctx, metaKey(jobID), map[string]interface{}{
			"status":                StatusQueued,
			"processing_started_at": "",
		})
		pipe.Expire(ctx, metaKey(jobID), q.metaTTL)
		pipe.RPush(ctx, pendingKey, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "requeue %s", jobID))
			continue
		}
		log.Infof("queue: recovered stale job %s (started %s)", jobID, started.Format(time.RFC3339))
		recovered++
	}
	return recovered, errs.ErrorOrNil()
}

// Position returns the job's 1-based distance from the dequeue end of the
// pending list, or 0 if the job is not waiting.
func (q *Queue) Position(ctx context.Context, jobID string) (int, error) {
	ids, err := q.client.LRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "position of job %s", jobID)
	}
	for i, id := range ids {
		if id == jobID {
			return len(ids) - i, nil
		}
	}
	return 0, nil
}

// Stats reports the depth of each list.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
}

// Stats returns the current list depths in one round trip.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.TxPipeline()
	pending := pipe.LLen(ctx, pendingKey)
	processing := pipe.LLen(ctx, processingKey)
	dead := pipe.LLen(ctx, deadLetterKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "queue stats")
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// SetProviderTask records the provider-side task id for a job, so a
// restarted worker or an operator can find the upstream task.
func (q *Queue) SetProviderTask(ctx context.Context, jobID, providerTaskID string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "provider_task_id", providerTaskID)
	pipe.Expire(ctx, metaKey(jobID), q.metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "record provider task for job %s", jobID)
	}
	return nil
}

// Meta fetches the metadata hash for a job. ErrNotFound means the hash has
// expired or never existed.
func (q *Queue) Meta(ctx context.Context, jobID string) (*TaskMeta, error) {
	fields, err := q.client.HGetAll(ctx, metaKey(jobID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "metadata for job %s", jobID)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return metaFromHash(fields)
}

// ListDead returns up to limit entries from the dead letter list, newest
// first. Entries whose metadata has expired come back as bare stubs so
// operators still see the id.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]*TaskMeta, error) {
	if limit <= 0 {
		limit = defaultDeadListPage
	}
	ids, err := q.client.LRange(ctx, deadLetterKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list dead letter jobs")
	}
	metas := make([]*TaskMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := q.Meta(ctx, id)
		if err == ErrNotFound {
			metas = append(metas, &TaskMeta{JobID: id, Status: StatusDeadLetter})
			continue
		}
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// RetryDead moves a dead letter job back onto the pending list with a fresh
// retry budget. ErrNotFound means the id is not on the dead letter list.
func (q *Queue) RetryDead(ctx context.Context, jobID string) error {
	removed, err := q.client.LRem(ctx, deadLetterKey, 1, jobID).Result()
	if err != nil {
		return errors.Wrapf(err, "retry dead job %s", jobID)
	}
	if removed == 0 {
		return ErrNotFound
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), map[string]interface{}{
		"status":                StatusQueued,
		"retries":               0,
		"error":                 "",
		"processing_started_at": "",
	})
	pipe.Expire(ctx, metaKey(jobID), q.metaTTL)
	pipe.RPush(ctx, pendingKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "retry dead job %s", jobID)
	}
	log.Infof("queue: job %s moved from dead letter back to pending", jobID)
	return nil
}
