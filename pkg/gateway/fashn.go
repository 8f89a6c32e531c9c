// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FalConfig locates the fal.ai queue API hosting the FASHN try-on model.
type FalConfig struct {
	APIKey  string
	BaseURL string
}

// NewFashn builds the virtual try-on gateway. fal.ai speaks its generic
// queue protocol: submit returns a request id, status and result live under
// /requests/{id}.
func NewFashn(cfg FalConfig) *Gateway {
	return New(Spec{
		Name:       "fashn",
		BaseURL:    cfg.BaseURL,
		SubmitPath: "/fal-ai/fashn/tryon/v1.6",
		AuthHeader: func(h http.Header) {
			h.Set("Authorization", "Key "+cfg.APIKey)
		},
		BuildSubmit: fashnSubmitBody,
		ParseTaskID: func(body []byte) (string, error) {
			doc, ok := decodeAny(body)
			if !ok {
				return "", errors.New("unparseable submit response")
			}
			if id, ok := findString(doc, "request_id"); ok {
				return id, nil
			}
			return "", errors.New("submit response carries no request_id")
		},
		StatusPath: func(taskID string) string {
			return "/fal-ai/fashn/requests/" + taskID + "/status"
		},
		ParseStatus: fashnParseStatus,
		ResultPath: func(taskID string) string {
			return "/fal-ai/fashn/requests/" + taskID
		},
		ExtractURL:   fashnExtractURL,
		PollInterval: 3 * time.Second,
		PollDeadline: 5 * time.Minute,
	})
}

func fashnSubmitBody(payload map[string]interface{}) (interface{}, error) {
	modelImage := str(payload["model_image"])
	garmentImage := str(payload["garment_image"])
	if modelImage == "" || garmentImage == "" {
		return nil, errors.New("payload missing model_image or garment_image")
	}
	body := map[string]interface{}{
		"model_image":   modelImage,
		"garment_image": garmentImage,
		"category":      "auto",
	}
	if cat := str(payload["category"]); cat != "" {
		body["category"] = cat
	}
	if mode := str(payload["mode"]); mode != "" {
		body["mode"] = mode
	}
	return body, nil
}

func fashnParseStatus(body []byte) Result {
	doc, ok := decodeAny(body)
	if !ok {
		return Result{State: StateInProgress}
	}
	status, _ := findString(doc, "status")
	switch strings.ToUpper(status) {
	case "COMPLETED", "OK":
		return Result{State: StateSuccess}
	case "ERROR", "FAILED":
		msg, ok := findString(doc, "error")
		if !ok {
			msg, _ = findString(doc, "error", "message")
		}
		return Result{State: StateFailure, Message: msg}
	default:
		// IN_QUEUE, IN_PROGRESS.
		return Result{State: StateInProgress}
	}
}

func fashnExtractURL(body []byte) (string, bool) {
	doc, ok := decodeAny(body)
	if !ok {
		return "", false
	}
	if u, ok := findString(doc, "images", 0, "url"); ok {
		return u, true
	}
	if u, ok := findString(doc, "image", "url"); ok {
		return u, true
	}
	return deepFindURL(doc, urlPredicate(imageExtensions))
}
