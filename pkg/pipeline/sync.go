// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/atelier-labs/render-agent/pkg/gateway"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TryOn runs a single try-on synchronously on the caller's thread. The
// payload passes through to the try-on gateway unchanged.
func (o *Orchestrator) TryOn(ctx context.Context, payload map[string]interface{}) (string, error) {
	if o.tryOn == nil {
		return "", errors.New("no try-on gateway configured")
	}
	return runGateway(ctx, o.tryOn, payload)
}

// runQueuedTryOn is the queued form of TryOn, used when admission routed a
// try-on through the queue instead of the request thread.
func (o *Orchestrator) runQueuedTryOn(ctx context.Context, meta *queue.TaskMeta) (string, error) {
	o.markStage(ctx, meta.JobID, stageTryOn, 25)
	url, err := o.TryOn(ctx, meta.Payload)
	if err != nil {
		return "", err
	}
	o.complete(ctx, meta.JobID, url)
	return url, nil
}

// CleanGarment removes the background from a garment photo and re-hosts the
// result. Results are cached for a day keyed by source and operations, so
// repeated cleans of the same catalog image cost nothing. The returned bool
// reports whether the result came from cache.
func (o *Orchestrator) CleanGarment(ctx context.Context, payload map[string]interface{}) (string, bool, error) {
	if o.cleaner == nil || !o.cleaner.Configured() {
		return "", false, errors.New("no image cleaning provider configured")
	}
	source := payloadString(payload, "image_url", "garment_image_url", "source_url")
	if source == "" {
		return "", false, errors.New("clean payload missing image_url")
	}
	operations, _ := payload["operations"].(map[string]interface{})

	key, err := cleanKey(source, operations)
	if err != nil {
		return "", false, err
	}
	if cached, ok := o.cleanCache.Get(key); ok {
		return cached.(string), true, nil
	}

	tmpURL, err := o.cleaner.Edit(ctx, source, operations)
	if err != nil {
		return "", false, err
	}

	// The provider URL is ephemeral; move the artifact into our bucket when
	// one is configured.
	url := tmpURL
	if o.store != nil && o.store.Configured() {
		hosted, err := o.store.Rehost(ctx, tmpURL, fmt.Sprintf("garments/%s.png", key[:16]))
		if err != nil {
			log.Warnf("pipeline: failed to re-host cleaned garment, serving provider url: %v", err)
		} else {
			url = hosted
		}
	}

	o.cleanCache.SetDefault(key, url)
	return url, false, nil
}

func cleanKey(source string, operations map[string]interface{}) (string, error) {
	ops, err := json.Marshal(operations)
	if err != nil {
		return "", errors.Wrap(err, "hashing clean operations")
	}
	sum := sha256.Sum256(append([]byte(source+"|"), ops...))
	return hex.EncodeToString(sum[:]), nil
}

// Verdict is the structured outcome of a validation pass.
type Verdict struct {
	Valid  bool                   `json:"valid"`
	Reason string                 `json:"reason,omitempty"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// Validation kinds accepted by Validate.
const (
	ValidateSelfie         = "selfie"
	ValidateSelfieRealtime = "selfie_realtime"
	ValidatePoseAngle      = "pose_angle"
	ValidateUpload         = "upload"
)

var validationPrompts = map[string]string{
	ValidateSelfie: "You are validating a selfie for a virtual try-on profile. Check that the image " +
		"contains exactly one real human face, well lit, facing the camera, eyes open, no sunglasses or " +
		"heavy occlusion, and is not a photo of a screen or printout. Respond with strict JSON: " +
		`{"valid": true|false, "reason": "<short reason when invalid>"}.`,
	ValidateSelfieRealtime: "You are validating a live camera frame for a selfie capture flow. Check " +
		"that a single human face is visible, roughly centered, sharp enough to use, and not obviously a " +
		"replayed photo or screen. Be lenient about lighting. Respond with strict JSON: " +
		`{"valid": true|false, "reason": "<short reason when invalid>"}.`,
	ValidatePoseAngle: "You are validating a full-body reference photo for virtual try-on. Check that " +
		"one person is fully visible from head to feet, standing, in form-fitting or neutral clothing, " +
		"against an uncluttered background. Respond with strict JSON: " +
		`{"valid": true|false, "reason": "<short reason when invalid>"}.`,
	ValidateUpload: "You are validating a garment product photo. Check that the image shows a single " +
		"clothing item, reasonably centered, not worn collages or lookbook pages, and large enough to " +
		"extract the garment. Respond with strict JSON: " +
		`{"valid": true|false, "reason": "<short reason when invalid>"}.`,
}

// Validate runs one validation pass and returns the provider's verdict.
// The payload carries either image_url or image_base64 (+ mime_type).
func (o *Orchestrator) Validate(ctx context.Context, kind string, payload map[string]interface{}) (*Verdict, error) {
	if o.validator == nil {
		return nil, errors.New("no validation provider configured")
	}
	prompt, ok := validationPrompts[kind]
	if !ok {
		return nil, errors.Errorf("unknown validation kind %q", kind)
	}

	image, err := o.validationImage(ctx, payload)
	if err != nil {
		return nil, err
	}

	doc, err := o.validator.Analyze(ctx, prompt, []gateway.InlineImage{image})
	if err != nil {
		return nil, err
	}

	verdict := &Verdict{Detail: doc}
	if v, ok := doc["valid"].(bool); ok {
		verdict.Valid = v
	}
	if r, ok := doc["reason"].(string); ok {
		verdict.Reason = r
	}
	return verdict, nil
}

func (o *Orchestrator) validationImage(ctx context.Context, payload map[string]interface{}) (gateway.InlineImage, error) {
	if encoded := payloadString(payload, "image_base64"); encoded != "" {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return gateway.InlineImage{}, errors.Wrap(err, "decoding image_base64")
		}
		mime := payloadString(payload, "mime_type")
		if mime == "" {
			mime = "image/jpeg"
		}
		return gateway.InlineImage{MIMEType: mime, Data: data}, nil
	}

	url := payloadString(payload, "image_url", "url")
	if url == "" {
		return gateway.InlineImage{}, errors.New("validation payload missing image_url or image_base64")
	}
	if o.store == nil {
		return gateway.InlineImage{}, errors.New("no object store configured to fetch the image")
	}
	data, mime, err := o.store.Download(ctx, url)
	if err != nil {
		return gateway.InlineImage{}, errors.Wrap(err, "downloading validation image")
	}
	return gateway.InlineImage{MIMEType: mime, Data: data}, nil
}
