// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/atelier-labs/render-agent/pkg/gateway"
	"github.com/atelier-labs/render-agent/pkg/jobstore"
	"github.com/atelier-labs/render-agent/pkg/presets"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/util/log"
)

const (
	stageIdentityResolve = "identity_resolve"
	stageTryOn           = "try_on"
	stageIdentityLock    = "identity_lock"
	stageComposite       = "composite"
	stageVideo           = "video"

	compositeWidth = 1024
)

const identityLockPrompt = "Replace the face of the person in the first image with the face of the person " +
	"shown in the reference images. Keep the pose, clothing, body, lighting and background of the first " +
	"image exactly as they are. Output a single photorealistic image."

const compositePrompt = "Arrange the provided photos of the same person side by side on a single " +
	"horizontal canvas, preserving each photo exactly and in order, separated by plain white gutters. " +
	"Output one combined photorealistic image."

type angleRender struct {
	Angle string
	URL   string
}

// runFashion drives the full garment-to-video pipeline: resolve the
// identity's reference images, render the garment onto every angle,
// re-assert the face, compose the renders into one canvas and hand that to
// the video provider.
func (o *Orchestrator) runFashion(ctx context.Context, meta *queue.TaskMeta) (string, error) {
	payload := meta.Payload
	garmentURL := payloadString(payload, "garment_image_url", "garment_url")
	if garmentURL == "" {
		return "", errors.New("fashion job missing garment_image_url")
	}
	// An explicit identity_id wins: a stylist can render a garment onto a
	// client's references from their own account.
	identityID := payloadString(payload, "identity_id")
	if identityID == "" {
		identityID = meta.UserID
	}
	if identityID == "" {
		return "", errors.New("fashion job missing identity id")
	}

	o.markStage(ctx, meta.JobID, stageIdentityResolve, 10)
	angles, err := o.jobs.AngleImages(ctx, identityID)
	if err != nil {
		return "", errors.Wrap(err, "loading angle references")
	}
	if len(angles) == 0 {
		return "", errors.Errorf("identity %s has no angle references", identityID)
	}
	faceRefs, err := o.jobs.FaceRefs(ctx, identityID)
	if err != nil {
		// Face refs only improve quality; the job can proceed without them.
		log.Warnf("pipeline: job %s: face references unavailable: %v", meta.JobID, err)
		faceRefs = nil
	}

	o.markStage(ctx, meta.JobID, stageTryOn, 25)
	renders, failed, err := o.tryOnAngles(ctx, meta.JobID, garmentURL, angles)
	if err != nil {
		return "", err
	}
	if len(failed) > 0 {
		o.markProvenance(ctx, meta.JobID, map[string]interface{}{"failed_angles": failed})
	}

	o.markStage(ctx, meta.JobID, stageIdentityLock, 40)
	if len(faceRefs) > 0 {
		renders = o.lockIdentity(ctx, meta.JobID, renders, faceRefs)
	}

	o.markStage(ctx, meta.JobID, stageComposite, 60)
	compositeURL, compositePath, err := o.composite(ctx, meta.JobID, renders)
	if err != nil {
		return "", err
	}
	o.markProvenance(ctx, meta.JobID, map[string]interface{}{
		"composite_url":  compositeURL,
		"composite_path": compositePath,
	})

	o.markStage(ctx, meta.JobID, stageVideo, 80)
	outputURL, err := o.fashionVideo(ctx, meta.JobID, payload, compositeURL, faceRefs)
	if err != nil {
		return "", err
	}

	o.complete(ctx, meta.JobID, outputURL)
	return outputURL, nil
}

// tryOnAngles renders the garment onto every angle reference concurrently.
// Angles are independent: one failing angle is logged and reported in the
// returned slice, and the stage only errors when no angle succeeded.
func (o *Orchestrator) tryOnAngles(ctx context.Context, jobID, garmentURL string, angles []jobstore.AngleImage) ([]angleRender, []string, error) {
	if o.tryOn == nil {
		return nil, nil, errors.New("no try-on gateway configured")
	}

	urls := make([]string, len(angles))
	errs := make([]error, len(angles))
	var wg sync.WaitGroup
	for i := range angles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i], errs[i] = runGateway(ctx, o.tryOn, map[string]interface{}{
				"model_image":   angles[i].URL,
				"garment_image": garmentURL,
			})
		}(i)
	}
	wg.Wait()

	renders := make([]angleRender, 0, len(angles))
	var failed []string
	var agg error
	for i, angle := range angles {
		if errs[i] != nil {
			log.Warnf("pipeline: job %s: try-on failed for angle %s: %v", jobID, angle.Angle, errs[i])
			failed = append(failed, angle.Angle)
			agg = multierror.Append(agg, errors.Wrapf(errs[i], "angle %s", angle.Angle))
			continue
		}
		renders = append(renders, angleRender{Angle: angle.Angle, URL: urls[i]})
	}
	if len(renders) == 0 {
		return nil, failed, errors.Wrap(agg, "try-on failed for every angle")
	}
	return renders, failed, nil
}

// lockIdentity re-asserts the user's face on each render. Strictly best
// effort: any failure keeps the unlocked render and the job continues.
func (o *Orchestrator) lockIdentity(ctx context.Context, jobID string, renders []angleRender, faceRefs []string) []angleRender {
	if o.compositor == nil || o.store == nil || !o.store.Configured() {
		return renders
	}
	refs := o.inlineImages(ctx, faceRefs)
	if len(refs) == 0 {
		return renders
	}
	out := make([]angleRender, len(renders))
	copy(out, renders)
	for i, render := range out {
		locked, err := o.lockOne(ctx, jobID, render, refs)
		if err != nil {
			log.Warnf("pipeline: job %s: identity lock failed for angle %s, keeping unlocked render: %v",
				jobID, render.Angle, err)
			continue
		}
		out[i].URL = locked
	}
	return out
}

func (o *Orchestrator) lockOne(ctx context.Context, jobID string, render angleRender, refs []gateway.InlineImage) (string, error) {
	data, mime, err := o.store.Download(ctx, render.URL)
	if err != nil {
		return "", errors.Wrap(err, "downloading render")
	}
	images := append([]gateway.InlineImage{{MIMEType: mime, Data: data}}, refs...)
	locked, lockedMIME, err := o.compositor.GenerateImage(ctx, identityLockPrompt, images)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("renders/%s/%s_locked%s", jobID, render.Angle, extForMIME(lockedMIME))
	return o.store.Upload(ctx, path, locked, lockedMIME)
}

// composite joins the renders into one horizontal canvas. The stitching
// sidecar is the primary path; any stitcher error falls back to a generated
// composition re-hosted in our bucket.
func (o *Orchestrator) composite(ctx context.Context, jobID string, renders []angleRender) (string, string, error) {
	urls := make([]string, len(renders))
	for i, r := range renders {
		urls[i] = r.URL
	}
	if o.stitcher != nil && o.stitcher.Configured() {
		stitched, err := o.stitcher.Stitch(ctx, urls, compositeWidth)
		if err == nil {
			return stitched, "stitcher", nil
		}
		log.Warnf("pipeline: job %s: stitcher failed, falling back to generated composition: %v", jobID, err)
	}
	return o.compositeFallback(ctx, jobID, urls)
}

func (o *Orchestrator) compositeFallback(ctx context.Context, jobID string, urls []string) (string, string, error) {
	if o.compositor == nil || o.store == nil || !o.store.Configured() {
		return "", "", errors.New("stitching failed and no composition fallback is configured")
	}
	images := o.inlineImages(ctx, urls)
	if len(images) == 0 {
		return "", "", errors.New("no renders could be downloaded for composition")
	}
	data, mime, err := o.compositor.GenerateImage(ctx, compositePrompt, images)
	if err != nil {
		return "", "", errors.Wrap(err, "fallback composition")
	}
	path := fmt.Sprintf("composites/%s%s", jobID, extForMIME(mime))
	url, err := o.store.Upload(ctx, path, data, mime)
	if err != nil {
		return "", "", errors.Wrap(err, "uploading composite")
	}
	return url, "fallback", nil
}

// fashionVideo submits the composite to the video provider with the preset's
// motion prompt. Face references that exist ride along as extra ingredients.
func (o *Orchestrator) fashionVideo(ctx context.Context, jobID string, payload map[string]interface{}, compositeURL string, faceRefs []string) (string, error) {
	if o.video == nil {
		return "", errors.New("no video gateway configured")
	}
	preset := presets.Get(payloadString(payload, "preset_id", "preset"))
	aspect := payloadString(payload, "aspect_ratio")
	if aspect == "" {
		aspect = preset.AspectRatio
	}
	videoPayload := map[string]interface{}{
		"prompt":       preset.Prompt,
		"image_urls":   append([]string{compositeURL}, faceRefs...),
		"aspect_ratio": aspect,
	}

	model := gateway.KieModelFor(payloadString(payload, "model"), payloadString(payload, "tier"))
	runner := o.video(model)
	taskID, err := runner.Submit(ctx, videoPayload)
	if err != nil {
		return "", err
	}
	o.recordProviderTask(ctx, jobID, taskID)
	return runner.PollUntilComplete(ctx, taskID, 0)
}

// inlineImages downloads urls into memory for the compositor. Unreachable
// images are skipped with a warning.
func (o *Orchestrator) inlineImages(ctx context.Context, urls []string) []gateway.InlineImage {
	images := make([]gateway.InlineImage, 0, len(urls))
	for _, url := range urls {
		data, mime, err := o.store.Download(ctx, url)
		if err != nil {
			log.Warnf("pipeline: skipping reference image %s: %v", url, err)
			continue
		}
		images = append(images, gateway.InlineImage{MIMEType: mime, Data: data})
	}
	return images
}
