// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Video models served through kie.ai.
const (
	KieModelVeo3     = "veo3"
	KieModelVeo3Fast = "veo3_fast"
	KieModelRunway   = "runway_gen3"
)

// KieConfig locates the kie.ai API.
type KieConfig struct {
	APIKey  string
	BaseURL string
}

// KieModelFor picks the video model: an explicit known model wins, then the
// tier hint, then the fast default.
func KieModelFor(model, tier string) string {
	switch model {
	case KieModelVeo3, KieModelVeo3Fast, KieModelRunway:
		return model
	}
	if strings.EqualFold(tier, "premium") {
		return KieModelVeo3
	}
	return KieModelVeo3Fast
}

// NewKie builds the video generation gateway for one model.
func NewKie(cfg KieConfig, model string) *Gateway {
	return newKie(cfg, model, false)
}

// NewKieExtend builds the gateway that extends an existing veo video. The
// payload must carry the provider task id of the video being extended.
func NewKieExtend(cfg KieConfig) *Gateway {
	return newKie(cfg, KieModelVeo3Fast, true)
}

func newKie(cfg KieConfig, model string, extend bool) *Gateway {
	submitPath, statusPath := kiePaths(model, extend)
	return New(Spec{
		Name:       "kie",
		BaseURL:    cfg.BaseURL,
		SubmitPath: submitPath,
		AuthHeader: bearerAuth(cfg.APIKey),
		BuildSubmit: func(payload map[string]interface{}) (interface{}, error) {
			return kieSubmitBody(payload, model, extend)
		},
		ParseTaskID: kieParseTaskID,
		StatusPath: func(taskID string) string {
			return statusPath + url.QueryEscape(taskID)
		},
		ParseStatus:  kieParseStatus,
		ExtractURL:   kieExtractURL,
		PollInterval: 10 * time.Second,
		PollDeadline: 15 * time.Minute,
	})
}

func kiePaths(model string, extend bool) (submit, status string) {
	if model == KieModelRunway {
		return "/api/v1/runway/generate", "/api/v1/runway/record-detail?taskId="
	}
	if extend {
		return "/api/v1/veo/extend", "/api/v1/veo/record-info?taskId="
	}
	return "/api/v1/veo/generate", "/api/v1/veo/record-info?taskId="
}

func kieSubmitBody(payload map[string]interface{}, model string, extend bool) (interface{}, error) {
	prompt := str(payload["prompt"])
	if prompt == "" {
		return nil, errors.New("payload missing prompt")
	}
	body := map[string]interface{}{
		"prompt": prompt,
		"model":  model,
	}
	if extend {
		taskID := str(payload["provider_task_id"])
		if taskID == "" {
			taskID = str(payload["task_id"])
		}
		if taskID == "" {
			return nil, errors.New("extend payload missing the task id to extend")
		}
		body["taskId"] = taskID
	}
	if urls := stringSlice(payload["image_urls"]); len(urls) > 0 {
		body["imageUrls"] = urls
	}
	if ar := str(payload["aspect_ratio"]); ar != "" {
		body["aspectRatio"] = ar
	}
	return body, nil
}

func kieParseTaskID(body []byte) (string, error) {
	doc, ok := decodeAny(body)
	if !ok {
		return "", errors.New("unparseable submit response")
	}
	for _, path := range [][]interface{}{
		{"data", "taskId"},
		{"data", "task_id"},
		{"data", "id"},
		{"taskId"},
		{"task_id"},
	} {
		if id, ok := findString(doc, path...); ok {
			return id, nil
		}
	}
	return "", errors.New("submit response carries no task id")
}

// kieParseStatus maps both vocabularies kie.ai uses: the numeric
// successFlag on veo tasks and the textual state on runway tasks.
func kieParseStatus(body []byte) Result {
	doc, ok := decodeAny(body)
	if !ok {
		return Result{State: StateInProgress}
	}
	dataAny, _ := lookup(doc, "data")
	data, _ := dataAny.(map[string]interface{})
	if data == nil {
		return Result{State: StateInProgress}
	}

	failureMsg := str(data["errorMessage"])
	if failureMsg == "" {
		failureMsg, _ = findString(doc, "msg")
	}

	if flag, ok := data["successFlag"]; ok {
		switch intValue(flag) {
		case 1:
			return Result{State: StateSuccess}
		case 2, 3:
			return Result{State: StateFailure, Message: failureMsg}
		default:
			return Result{State: StateInProgress}
		}
	}

	state := str(data["state"])
	if state == "" {
		state = str(data["status"])
	}
	switch strings.ToUpper(state) {
	case "SUCCESS":
		return Result{State: StateSuccess}
	case "GENERATE_FAILED", "CREATE_TASK_FAILED", "SENSITIVE_WORD_ERROR", "FAIL", "FAILED":
		return Result{State: StateFailure, Message: failureMsg}
	default:
		// GENERATING, PENDING, queuing, waiting, or anything new.
		return Result{State: StateInProgress}
	}
}

func kieExtractURL(body []byte) (string, bool) {
	doc, ok := decodeAny(body)
	if !ok {
		return "", false
	}
	for _, path := range [][]interface{}{
		{"data", "response", "resultUrls", 0},
		{"data", "resultUrls", 0},
		{"data", "response", "resultUrl"},
		{"data", "video_url"},
	} {
		if u, ok := findString(doc, path...); ok {
			return u, true
		}
	}
	// resultUrls occasionally arrives as a JSON-encoded string.
	for _, path := range [][]interface{}{
		{"data", "response", "resultUrls"},
		{"data", "resultUrls"},
	} {
		if raw, ok := lookup(doc, path...); ok {
			if urls := stringSlice(raw); len(urls) > 0 {
				return urls[0], true
			}
		}
	}
	return deepFindURL(doc, urlPredicate(videoExtensions))
}

func intValue(v interface{}) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}
