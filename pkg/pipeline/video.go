// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/atelier-labs/render-agent/pkg/gateway"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/util/log"
)

const (
	stageSubmit  = "submit"
	stagePoll    = "poll"
	stageUpscale = "upscale"
	stageLayer   = "layer"
)

// runVideo handles plain video generation and extension: submit, record the
// provider task id, poll to completion, optionally upscale.
func (o *Orchestrator) runVideo(ctx context.Context, meta *queue.TaskMeta, extend bool) (string, error) {
	payload := meta.Payload

	var runner Runner
	if extend {
		runner = o.videoExtend
	} else if o.video != nil {
		model := gateway.KieModelFor(payloadString(payload, "model"), payloadString(payload, "tier"))
		runner = o.video(model)
	}
	if runner == nil {
		return "", errors.New("no video gateway configured")
	}

	o.markStage(ctx, meta.JobID, stageSubmit, 10)
	taskID, err := runner.Submit(ctx, payload)
	if err != nil {
		return "", err
	}
	o.recordProviderTask(ctx, meta.JobID, taskID)

	o.markStage(ctx, meta.JobID, stagePoll, 40)
	outputURL, err := runner.PollUntilComplete(ctx, taskID, 0)
	if err != nil {
		return "", err
	}

	if payloadBool(payload, "upscale") {
		o.markStage(ctx, meta.JobID, stageUpscale, 80)
		outputURL = o.maybeUpscale(ctx, meta.JobID, outputURL)
	}

	o.complete(ctx, meta.JobID, outputURL)
	return outputURL, nil
}

// maybeUpscale runs the upscaler over videoURL. Upscaling failures never
// fail the job: the unupscaled output is kept and provenance records the
// downgrade.
func (o *Orchestrator) maybeUpscale(ctx context.Context, jobID, videoURL string) string {
	if o.upscale == nil {
		log.Warnf("pipeline: job %s: upscale requested but no upscaler is configured", jobID)
		o.markProvenance(ctx, jobID, map[string]interface{}{"upscaled": false})
		return videoURL
	}
	upscaled, err := runGateway(ctx, o.upscale, map[string]interface{}{"video": videoURL})
	if err != nil {
		log.Warnf("pipeline: job %s: upscale failed, keeping original output: %v", jobID, err)
		o.markProvenance(ctx, jobID, map[string]interface{}{"upscaled": false})
		return videoURL
	}
	o.markProvenance(ctx, jobID, map[string]interface{}{"upscaled": true})
	return upscaled
}

// runOutfit layers garments onto a model image sequentially. Unlike the
// per-angle fan-out, layers build on each other, so the first failing layer
// fails the job.
func (o *Orchestrator) runOutfit(ctx context.Context, meta *queue.TaskMeta) (string, error) {
	if o.tryOn == nil {
		return "", errors.New("no try-on gateway configured")
	}
	payload := meta.Payload
	base := payloadString(payload, "model_image", "base_image")
	if base == "" {
		return "", errors.New("outfit job missing model_image")
	}
	layers := payloadStrings(payload, "garment_images")
	if len(layers) == 0 {
		if single := payloadString(payload, "garment_image", "garment_image_url"); single != "" {
			layers = []string{single}
		}
	}
	if len(layers) == 0 {
		return "", errors.New("outfit job carries no garment layers")
	}

	current := base
	for i, garment := range layers {
		o.markStage(ctx, meta.JobID, stageLayer, 10+(80*(i+1))/len(layers))
		next, err := runGateway(ctx, o.tryOn, map[string]interface{}{
			"model_image":   current,
			"garment_image": garment,
		})
		if err != nil {
			return "", errors.Wrapf(err, "layer %d of %d", i+1, len(layers))
		}
		current = next
	}

	o.complete(ctx, meta.JobID, current)
	return current, nil
}
