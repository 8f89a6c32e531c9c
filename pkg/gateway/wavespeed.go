// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultWavespeedModel = "wavespeed-ai/video-upscaler"

// WavespeedConfig locates the WaveSpeed prediction API.
type WavespeedConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewWavespeed builds the video upscaling gateway.
func NewWavespeed(cfg WavespeedConfig) *Gateway {
	model := cfg.Model
	if model == "" {
		model = defaultWavespeedModel
	}
	return New(Spec{
		Name:       "wavespeed",
		BaseURL:    cfg.BaseURL,
		SubmitPath: "/api/v3/predictions",
		AuthHeader: bearerAuth(cfg.APIKey),
		BuildSubmit: func(payload map[string]interface{}) (interface{}, error) {
			video := str(payload["video"])
			if video == "" {
				video = str(payload["video_url"])
			}
			if video == "" {
				return nil, errors.New("payload missing video url")
			}
			body := map[string]interface{}{
				"model": model,
				"video": video,
			}
			if res := str(payload["target_resolution"]); res != "" {
				body["target_resolution"] = res
			}
			return body, nil
		},
		ParseTaskID: func(body []byte) (string, error) {
			doc, ok := decodeAny(body)
			if !ok {
				return "", errors.New("unparseable submit response")
			}
			for _, path := range [][]interface{}{{"data", "id"}, {"id"}} {
				if id, ok := findString(doc, path...); ok {
					return id, nil
				}
			}
			return "", errors.New("submit response carries no prediction id")
		},
		StatusPath: func(taskID string) string {
			return "/api/v3/predictions/" + taskID + "/result"
		},
		ParseStatus:  wavespeedParseStatus,
		ExtractURL:   wavespeedExtractURL,
		PollInterval: 5 * time.Second,
		PollDeadline: 10 * time.Minute,
	})
}

func wavespeedParseStatus(body []byte) Result {
	doc, ok := decodeAny(body)
	if !ok {
		return Result{State: StateInProgress}
	}
	status, ok := findString(doc, "data", "status")
	if !ok {
		status, _ = findString(doc, "status")
	}
	switch strings.ToLower(status) {
	case "completed":
		return Result{State: StateSuccess}
	case "failed":
		msg, ok := findString(doc, "data", "error")
		if !ok {
			msg, _ = findString(doc, "error")
		}
		return Result{State: StateFailure, Message: msg}
	default:
		// created, processing.
		return Result{State: StateInProgress}
	}
}

func wavespeedExtractURL(body []byte) (string, bool) {
	doc, ok := decodeAny(body)
	if !ok {
		return "", false
	}
	if u, ok := findString(doc, "data", "outputs", 0); ok {
		return u, true
	}
	if u, ok := findString(doc, "outputs", 0); ok {
		return u, true
	}
	return deepFindURL(doc, urlPredicate(videoExtensions))
}
