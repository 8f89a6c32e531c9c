// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pipeline runs jobs through their stage machines. The orchestrator
// owns no state of its own: all progress lands in the job row, all
// artifacts in the object store, so a retried job can re-run any stage and
// simply overwrite its outputs.
package pipeline

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/atelier-labs/render-agent/pkg/gateway"
	"github.com/atelier-labs/render-agent/pkg/jobstore"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/util/log"
)

const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"

	// Error text persisted to the job row is capped; the full error still
	// reaches the logs and the queue metadata.
	errorLimit = 200

	cleanCacheTTL     = 24 * time.Hour
	cleanCacheCleanup = time.Hour
)

// Runner is the slice of gateway behavior the orchestrator needs. Submit
// and polling stay separate so the provider task id can be recorded before
// the long wait begins.
type Runner interface {
	Submit(ctx context.Context, payload map[string]interface{}) (string, error)
	PollUntilComplete(ctx context.Context, taskID string, totalTimeout time.Duration) (string, error)
}

// JobStore is the orchestrator's view of the persistent job rows.
type JobStore interface {
	Mark(ctx context.Context, jobID, status string, upd jobstore.Update) error
	AngleImages(ctx context.Context, userID string) ([]jobstore.AngleImage, error)
	FaceRefs(ctx context.Context, userID string) ([]string, error)
}

// TaskRecorder mirrors the provider task id into the queue metadata.
type TaskRecorder interface {
	SetProviderTask(ctx context.Context, jobID, providerTaskID string) error
}

// StitchClient is the primary composition path.
type StitchClient interface {
	Configured() bool
	Stitch(ctx context.Context, imageURLs []string, width int) (string, error)
}

// Compositor generates images; it backs identity locking and the
// composition fallback.
type Compositor interface {
	GenerateImage(ctx context.Context, prompt string, images []gateway.InlineImage) ([]byte, string, error)
}

// Validator returns structured verdicts about images.
type Validator interface {
	Analyze(ctx context.Context, prompt string, images []gateway.InlineImage) (map[string]interface{}, error)
}

// Cleaner is the synchronous image-edit provider behind garment cleaning.
type Cleaner interface {
	Configured() bool
	Edit(ctx context.Context, sourceURL string, operations map[string]interface{}) (string, error)
}

// ObjectStore moves artifacts in and out of our bucket.
type ObjectStore interface {
	Configured() bool
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
	Rehost(ctx context.Context, srcURL, destPath string) (string, error)
}

// Deps wires the orchestrator's collaborators. Everything is injected at
// the composition root; nil optional fields degrade the matching feature.
type Deps struct {
	Jobs        JobStore
	Tasks       TaskRecorder
	TryOn       Runner
	Video       func(model string) Runner
	VideoExtend Runner
	Upscale     Runner
	Stitcher    StitchClient
	Compositor  Compositor
	Validator   Validator
	Cleaner     Cleaner
	Store       ObjectStore
}

// Orchestrator executes one job at a time per call. Safe for concurrent
// use across jobs.
type Orchestrator struct {
	jobs        JobStore
	tasks       TaskRecorder
	tryOn       Runner
	video       func(model string) Runner
	videoExtend Runner
	upscale     Runner
	stitcher    StitchClient
	compositor  Compositor
	validator   Validator
	cleaner     Cleaner
	store       ObjectStore
	cleanCache  *gocache.Cache
}

// New builds an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		jobs:        deps.Jobs,
		tasks:       deps.Tasks,
		tryOn:       deps.TryOn,
		video:       deps.Video,
		videoExtend: deps.VideoExtend,
		upscale:     deps.Upscale,
		stitcher:    deps.Stitcher,
		compositor:  deps.Compositor,
		validator:   deps.Validator,
		cleaner:     deps.Cleaner,
		store:       deps.Store,
		cleanCache:  gocache.New(cleanCacheTTL, cleanCacheCleanup),
	}
}

// Run executes the pipeline for one dequeued job and returns the output
// URL. On error the job row is already marked failed; the error goes back
// to the dispatcher so the queue can retry or dead-letter.
func (o *Orchestrator) Run(ctx context.Context, meta *queue.TaskMeta) (string, error) {
	var url string
	var err error
	switch meta.Kind {
	case queue.KindFashionGenerate:
		url, err = o.runFashion(ctx, meta)
	case queue.KindVideoGenerate:
		url, err = o.runVideo(ctx, meta, false)
	case queue.KindVideoExtend:
		url, err = o.runVideo(ctx, meta, true)
	case queue.KindOutfitTryOn:
		url, err = o.runOutfit(ctx, meta)
	case queue.KindTryOn:
		url, err = o.runQueuedTryOn(ctx, meta)
	default:
		err = errors.Errorf("unknown task kind %q", meta.Kind)
	}
	if err != nil {
		o.failJob(ctx, meta.JobID, err)
		return "", err
	}
	return url, nil
}

func (o *Orchestrator) markStage(ctx context.Context, jobID, stage string, progress int) {
	err := o.jobs.Mark(ctx, jobID, statusProcessing, jobstore.Update{
		Stage:    jobstore.String(stage),
		Progress: jobstore.Int(progress),
	})
	if err != nil {
		log.Warnf("pipeline: job %s: failed to record stage %s: %v", jobID, stage, err)
	}
}

func (o *Orchestrator) markProvenance(ctx context.Context, jobID string, provenance map[string]interface{}) {
	if err := o.jobs.Mark(ctx, jobID, statusProcessing, jobstore.Update{Provenance: provenance}); err != nil {
		log.Warnf("pipeline: job %s: failed to record provenance: %v", jobID, err)
	}
}

func (o *Orchestrator) complete(ctx context.Context, jobID, outputURL string) {
	err := o.jobs.Mark(ctx, jobID, statusCompleted, jobstore.Update{
		Progress:  jobstore.Int(100),
		OutputURL: jobstore.String(outputURL),
	})
	if err != nil {
		log.Warnf("pipeline: job %s: failed to record completion: %v", jobID, err)
	}
}

func (o *Orchestrator) failJob(ctx context.Context, jobID string, jobErr error) {
	msg := jobErr.Error()
	if len(msg) > errorLimit {
		msg = msg[:errorLimit]
	}
	if err := o.jobs.Mark(ctx, jobID, statusFailed, jobstore.Update{Error: jobstore.String(msg)}); err != nil {
		log.Warnf("pipeline: job %s: failed to record failure: %v", jobID, err)
	}
}

// recordProviderTask mirrors the upstream task id into the job row and the
// queue metadata. Best effort on both.
func (o *Orchestrator) recordProviderTask(ctx context.Context, jobID, taskID string) {
	o.markProvenance(ctx, jobID, map[string]interface{}{"provider_task_id": taskID})
	if o.tasks == nil {
		return
	}
	if err := o.tasks.SetProviderTask(ctx, jobID, taskID); err != nil {
		log.Warnf("pipeline: job %s: failed to record provider task id: %v", jobID, err)
	}
}

func runGateway(ctx context.Context, r Runner, payload map[string]interface{}) (string, error) {
	taskID, err := r.Submit(ctx, payload)
	if err != nil {
		return "", err
	}
	return r.PollUntilComplete(ctx, taskID, 0)
}

func payloadString(payload map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func payloadStrings(payload map[string]interface{}, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func payloadBool(payload map[string]interface{}, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func extForMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
