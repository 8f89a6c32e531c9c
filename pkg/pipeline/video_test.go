// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-labs/render-agent/pkg/queue"
)

func videoMeta(kind string, payload map[string]interface{}) *queue.TaskMeta {
	return &queue.TaskMeta{JobID: "job-1", UserID: "user-1", Kind: kind, Payload: payload}
}

func TestVideoGenerateHappyPath(t *testing.T) {
	h := newHarness()

	url, err := h.orch.Run(context.Background(), videoMeta(queue.KindVideoGenerate, map[string]interface{}{
		"prompt": "a red fox in the snow",
		"tier":   "premium",
	}))

	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, statusCompleted, h.jobs.status)
	assert.Equal(t, url, h.jobs.outputURL)
	assert.Equal(t, []string{stageSubmit, stagePoll}, h.jobs.stages)
	assert.Equal(t, []string{"veo3"}, h.videoModels)

	// The payload passes through to the provider untouched.
	require.Len(t, h.video.submits, 1)
	assert.Equal(t, "a red fox in the snow", h.video.submits[0]["prompt"])

	// The provider task id landed in provenance and queue meta before the poll.
	require.Len(t, h.video.polls, 1)
	assert.Equal(t, h.video.polls[0], h.jobs.prov["provider_task_id"])
	assert.Equal(t, h.video.polls[0], h.tasks.calls["job-1"])
}

func TestVideoExtendUsesExtendGateway(t *testing.T) {
	h := newHarness()

	_, err := h.orch.Run(context.Background(), videoMeta(queue.KindVideoExtend, map[string]interface{}{
		"prompt":           "keep going",
		"provider_task_id": "kie-task-9",
	}))

	require.NoError(t, err)
	assert.Equal(t, 1, h.extend.submitCount())
	assert.Zero(t, h.video.submitCount())
	assert.Empty(t, h.videoModels)
}

func TestVideoUpscaleSuccess(t *testing.T) {
	h := newHarness()

	url, err := h.orch.Run(context.Background(), videoMeta(queue.KindVideoGenerate, map[string]interface{}{
		"prompt":  "a red fox in the snow",
		"upscale": true,
	}))

	require.NoError(t, err)
	assert.Equal(t, []string{stageSubmit, stagePoll, stageUpscale}, h.jobs.stages)
	assert.Equal(t, true, h.jobs.prov["upscaled"])

	// The upscaler received the generated video and its output won.
	require.Len(t, h.upscale.submits, 1)
	assert.Contains(t, h.upscale.submits[0]["video"], "https://out.example.com/kie/")
	assert.Contains(t, url, "https://out.example.com/wavespeed/")
	assert.Equal(t, url, h.jobs.outputURL)
}

func TestVideoUpscaleFailureKeepsOriginal(t *testing.T) {
	h := newHarness()
	h.upscale.respond = func(map[string]interface{}) (string, error) {
		return "", errors.New("upscaler saturated")
	}

	url, err := h.orch.Run(context.Background(), videoMeta(queue.KindVideoGenerate, map[string]interface{}{
		"prompt":  "a red fox in the snow",
		"upscale": true,
	}))

	// Upscaling is an enhancement; its failure downgrades, never fails.
	require.NoError(t, err)
	assert.Equal(t, statusCompleted, h.jobs.status)
	assert.Contains(t, url, "https://out.example.com/kie/")
	assert.Equal(t, false, h.jobs.prov["upscaled"])
}

func TestVideoSubmitFailureFailsJob(t *testing.T) {
	h := newHarness()
	h.video.respond = func(map[string]interface{}) (string, error) {
		return "", errors.New("quota exhausted")
	}

	_, err := h.orch.Run(context.Background(), videoMeta(queue.KindVideoGenerate, map[string]interface{}{
		"prompt": "a red fox in the snow",
	}))

	require.Error(t, err)
	assert.Equal(t, statusFailed, h.jobs.status)
	assert.Contains(t, h.jobs.lastError, "quota exhausted")
	assert.Empty(t, h.tasks.calls)
}

func TestVideoPollFailureFailsJob(t *testing.T) {
	h := newHarness()
	h.video.poll = func(string) (string, error) {
		return "", errors.New("generation failed upstream")
	}

	_, err := h.orch.Run(context.Background(), videoMeta(queue.KindVideoGenerate, map[string]interface{}{
		"prompt": "a red fox in the snow",
	}))

	require.Error(t, err)
	assert.Equal(t, statusFailed, h.jobs.status)
	// The task id was still recorded so the job can be inspected upstream.
	assert.NotEmpty(t, h.tasks.calls["job-1"])
}

func TestOutfitSequentialLayers(t *testing.T) {
	h := newHarness()
	h.tryOn.respond = func(payload map[string]interface{}) (string, error) {
		return "https://fal.out/after-" + payload["garment_image"].(string), nil
	}

	url, err := h.orch.Run(context.Background(), videoMeta(queue.KindOutfitTryOn, map[string]interface{}{
		"model_image":    "https://refs.example.com/base.png",
		"garment_images": []interface{}{"shirt.png", "jacket.png"},
	}))

	require.NoError(t, err)
	assert.Equal(t, "https://fal.out/after-jacket.png", url)
	assert.Equal(t, statusCompleted, h.jobs.status)
	assert.Equal(t, []string{stageLayer, stageLayer}, h.jobs.stages)
	assert.Equal(t, []int{50, 90, 100}, h.jobs.progress)

	// Each layer builds on the previous result.
	require.Equal(t, 2, h.tryOn.submitCount())
	assert.Equal(t, "https://refs.example.com/base.png", h.tryOn.submits[0]["model_image"])
	assert.Equal(t, "https://fal.out/after-shirt.png", h.tryOn.submits[1]["model_image"])
}

func TestOutfitLayerFailureFailsJob(t *testing.T) {
	h := newHarness()
	h.tryOn.respond = func(payload map[string]interface{}) (string, error) {
		if payload["garment_image"] == "jacket.png" {
			return "", errors.New("provider rejected the garment")
		}
		return "https://fal.out/after-" + payload["garment_image"].(string), nil
	}

	_, err := h.orch.Run(context.Background(), videoMeta(queue.KindOutfitTryOn, map[string]interface{}{
		"model_image":    "https://refs.example.com/base.png",
		"garment_images": []interface{}{"shirt.png", "jacket.png"},
	}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "layer 2 of 2")
	assert.Equal(t, statusFailed, h.jobs.status)
}

func TestOutfitSingleGarmentFallback(t *testing.T) {
	h := newHarness()

	_, err := h.orch.Run(context.Background(), videoMeta(queue.KindOutfitTryOn, map[string]interface{}{
		"model_image":   "https://refs.example.com/base.png",
		"garment_image": "dress.png",
	}))

	require.NoError(t, err)
	assert.Equal(t, 1, h.tryOn.submitCount())
	assert.Equal(t, "dress.png", h.tryOn.submits[0]["garment_image"])
}

func TestOutfitRequiresInputs(t *testing.T) {
	h := newHarness()

	_, err := h.orch.Run(context.Background(), videoMeta(queue.KindOutfitTryOn, map[string]interface{}{
		"garment_images": []interface{}{"shirt.png"},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_image")

	h = newHarness()
	_, err = h.orch.Run(context.Background(), videoMeta(queue.KindOutfitTryOn, map[string]interface{}{
		"model_image": "https://refs.example.com/base.png",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "garment layers")
}
