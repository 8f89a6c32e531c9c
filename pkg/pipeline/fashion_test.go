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

	"github.com/atelier-labs/render-agent/pkg/jobstore"
	"github.com/atelier-labs/render-agent/pkg/presets"
)

func threeAngles() []jobstore.AngleImage {
	return []jobstore.AngleImage{
		{Angle: "front", URL: "https://refs.example.com/front.png"},
		{Angle: "side", URL: "https://refs.example.com/side.png"},
		{Angle: "back", URL: "https://refs.example.com/back.png"},
	}
}

func TestFashionHappyPath(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()

	url, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
		"preset_id":         "runway_walk",
	}))

	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, statusCompleted, h.jobs.status)
	assert.Equal(t, url, h.jobs.outputURL)
	assert.Equal(t, []string{
		stageIdentityResolve, stageTryOn, stageIdentityLock, stageComposite, stageVideo,
	}, h.jobs.stages)
	assert.Equal(t, []int{10, 25, 40, 60, 80, 100}, h.jobs.progress)

	// One try-on per angle, each pairing the garment with that angle.
	require.Equal(t, 3, h.tryOn.submitCount())
	for _, submit := range h.tryOn.submits {
		assert.Equal(t, "https://cdn.example.com/dress.png", submit["garment_image"])
	}

	// The composite fed the video stage along with the preset prompt.
	require.Len(t, h.stitcher.calls, 1)
	assert.Len(t, h.stitcher.calls[0], 3)
	assert.Equal(t, compositeWidth, h.stitcher.widths[0])
	assert.Equal(t, "stitcher", h.jobs.prov["composite_path"])
	assert.Equal(t, "https://stitch.example.com/composite.png", h.jobs.prov["composite_url"])

	require.Len(t, h.video.submits, 1)
	videoSubmit := h.video.submits[0]
	assert.Equal(t, presets.Get("runway_walk").Prompt, videoSubmit["prompt"])
	assert.Equal(t, []string{"https://stitch.example.com/composite.png"}, videoSubmit["image_urls"])
	assert.Equal(t, "9:16", videoSubmit["aspect_ratio"])

	// Task id mirrored to the row and the queue meta before polling.
	assert.Equal(t, h.jobs.prov["provider_task_id"], h.tasks.calls["job-1"])

	// No face refs: identity lock never touched the compositor.
	assert.Empty(t, h.compositor.prompts)
}

func TestFashionPartialAngleFailure(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()
	h.tryOn.respond = func(payload map[string]interface{}) (string, error) {
		if payload["model_image"] == "https://refs.example.com/side.png" {
			return "", errors.New("provider rejected the pose")
		}
		return "https://fal.out/" + payload["model_image"].(string)[len("https://refs.example.com/"):], nil
	}

	url, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
	}))

	// Two of three angles succeed; the job completes on the survivors.
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, statusCompleted, h.jobs.status)
	assert.Equal(t, []interface{}{"side"}, toInterfaceSlice(h.jobs.prov["failed_angles"]))

	require.Len(t, h.stitcher.calls, 1)
	assert.Len(t, h.stitcher.calls[0], 2)
}

func toInterfaceSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case []string:
		out := make([]interface{}, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	}
	return nil
}

func TestFashionAllAnglesFailing(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()
	h.tryOn.respond = func(map[string]interface{}) (string, error) {
		return "", errors.New("provider down")
	}

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
	}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "every angle")
	assert.Equal(t, statusFailed, h.jobs.status)
	assert.NotEmpty(t, h.jobs.lastError)
	assert.Empty(t, h.stitcher.calls)
	assert.Empty(t, h.video.submits)
}

func TestFashionRequiresAngleReferences(t *testing.T) {
	h := newHarness()

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
	}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no angle references")
	assert.Equal(t, statusFailed, h.jobs.status)
	assert.Zero(t, h.tryOn.submitCount())
}

func TestFashionRequiresGarment(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "garment_image_url")
	assert.Equal(t, statusFailed, h.jobs.status)
}

func TestFashionStitcherFallback(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()
	h.stitcher.err = errors.New("sidecar unreachable")

	url, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
	}))

	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, statusCompleted, h.jobs.status)

	// Generated composition took over and was re-hosted in the bucket.
	require.NotEmpty(t, h.compositor.prompts)
	assert.Equal(t, compositePrompt, h.compositor.prompts[0])
	assert.Equal(t, 3, h.compositor.counts[0])
	assert.Equal(t, "fallback", h.jobs.prov["composite_path"])
	assert.Equal(t, "https://bucket.example.com/composites/job-1.png", h.jobs.prov["composite_url"])
	assert.Contains(t, h.store.uploads, "composites/job-1.png")
}

func TestFashionStitcherUnconfiguredUsesFallback(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()
	h.stitcher.configured = false

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
	}))

	require.NoError(t, err)
	assert.Empty(t, h.stitcher.calls)
	assert.Equal(t, "fallback", h.jobs.prov["composite_path"])
}

func TestFashionCompositeFailureFailsJob(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()
	h.stitcher.err = errors.New("sidecar unreachable")
	h.compositor.err = errors.New("model overloaded")

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
	}))

	require.Error(t, err)
	assert.Equal(t, statusFailed, h.jobs.status)
	assert.Empty(t, h.video.submits)
}

func TestFashionIdentityLockRewritesRenders(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()[:1]
	h.jobs.faces = []string{"https://refs.example.com/face_front.png"}

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
	}))

	require.NoError(t, err)

	// The lock call saw the render plus the face reference.
	require.NotEmpty(t, h.compositor.prompts)
	assert.Equal(t, identityLockPrompt, h.compositor.prompts[0])
	assert.Equal(t, 2, h.compositor.counts[0])

	// The stitcher received the locked render, not the raw one.
	require.Len(t, h.stitcher.calls, 1)
	assert.Equal(t, []string{"https://bucket.example.com/renders/job-1/front_locked.png"}, h.stitcher.calls[0])

	// Face refs ride along into the video stage as extra ingredients.
	require.Len(t, h.video.submits, 1)
	assert.Equal(t, []string{
		"https://stitch.example.com/composite.png",
		"https://refs.example.com/face_front.png",
	}, h.video.submits[0]["image_urls"])
}

func TestFashionIdentityLockFailureKeepsUnlockedRender(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()[:1]
	h.jobs.faces = []string{"https://refs.example.com/face_front.png"}
	h.compositor.err = errors.New("model overloaded")

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
	}))

	// Lock failures never fail the job; the raw render goes downstream.
	require.NoError(t, err)
	assert.Equal(t, statusCompleted, h.jobs.status)
	require.Len(t, h.stitcher.calls, 1)
	assert.Contains(t, h.stitcher.calls[0][0], "https://out.example.com/fashn/")
}

func TestFashionFaceRefErrorIsNotFatal(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()[:1]
	h.jobs.facesErr = errors.New("table missing")

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
	}))

	require.NoError(t, err)
	assert.Equal(t, statusCompleted, h.jobs.status)
	assert.Empty(t, h.compositor.prompts)
}

func TestFashionAspectRatioOverridesPreset(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()[:1]

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
		"preset_id":         "seasonal_outdoor",
		"aspect_ratio":      "1:1",
	}))

	require.NoError(t, err)
	require.Len(t, h.video.submits, 1)
	assert.Equal(t, "1:1", h.video.submits[0]["aspect_ratio"])
}

func TestFashionTierSelectsModel(t *testing.T) {
	h := newHarness()
	h.jobs.angles = threeAngles()[:1]

	_, err := h.orch.Run(context.Background(), fashionMeta(map[string]interface{}{
		"garment_image_url": "https://cdn.example.com/dress.png",
		"tier":              "premium",
	}))

	require.NoError(t, err)
	assert.Equal(t, []string{"veo3"}, h.videoModels)
}
