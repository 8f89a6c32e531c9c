// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package gateway adapts the external media providers behind one
// submit-and-poll contract. Each provider contributes a Spec describing its
// wire shape; the Gateway supplies retries, backoff, polling and the
// normalized result states.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// State is the normalized view of a provider task's lifecycle.
type State string

const (
	StateInProgress State = "in_progress"
	StateSuccess    State = "success"
	StateFailure    State = "failure"
)

// Result is one normalized status observation. URL is only meaningful on
// success; Message carries the provider's failure text.
type Result struct {
	State   State
	URL     string
	Message string
}

// Spec parameterizes a Gateway for one provider task family.
type Spec struct {
	Name       string
	BaseURL    string
	SubmitPath string

	// AuthHeader stamps credentials onto every request.
	AuthHeader func(http.Header)

	// BuildSubmit shapes the job payload into the provider's submit body.
	BuildSubmit func(payload map[string]interface{}) (interface{}, error)

	// ParseTaskID pulls the provider task id out of the submit response.
	ParseTaskID func(body []byte) (string, error)

	// StatusPath returns the polling path for a task.
	StatusPath func(taskID string) string

	// ParseStatus maps the provider's status vocabulary onto Result.
	ParseStatus func(body []byte) Result

	// ResultPath returns the path holding the final output, or "" when the
	// status body already carries it.
	ResultPath func(taskID string) string

	// ExtractURL digs the output URL out of the result body.
	ExtractURL func(body []byte) (string, bool)

	PollInterval time.Duration
	PollDeadline time.Duration
}

// Gateway is one configured provider adapter. Safe for concurrent use.
type Gateway struct {
	spec Spec
	core *core
}

// New builds a Gateway from a Spec, applying polling defaults.
func New(spec Spec) *Gateway {
	if spec.PollInterval <= 0 {
		spec.PollInterval = 5 * time.Second
	}
	if spec.PollDeadline <= 0 {
		spec.PollDeadline = 10 * time.Minute
	}
	return &Gateway{
		spec: spec,
		core: newCore(spec.Name, spec.BaseURL, spec.AuthHeader),
	}
}

// Name identifies the provider in logs and errors.
func (g *Gateway) Name() string {
	return g.spec.Name
}

// Submit shapes and posts the payload, returning the provider task id.
func (g *Gateway) Submit(ctx context.Context, payload map[string]interface{}) (string, error) {
	reqBody, err := g.spec.BuildSubmit(payload)
	if err != nil {
		return "", &Error{Provider: g.spec.Name, Message: err.Error()}
	}
	body, err := g.core.postJSON(ctx, g.spec.SubmitPath, reqBody)
	if err != nil {
		return "", err
	}
	taskID, err := g.spec.ParseTaskID(body)
	if err != nil {
		return "", &Error{Provider: g.spec.Name, Message: err.Error()}
	}
	return taskID, nil
}

// PollUntilComplete polls the task until it finishes or totalTimeout
// passes. A zero totalTimeout uses the provider's default deadline. On
// success it returns the extracted output URL.
func (g *Gateway) PollUntilComplete(ctx context.Context, taskID string, totalTimeout time.Duration) (string, error) {
	if totalTimeout <= 0 {
		totalTimeout = g.spec.PollDeadline
	}
	deadline := g.core.clock.Now().Add(totalTimeout)

	for {
		body, err := g.core.getJSON(ctx, g.spec.StatusPath(taskID))
		if err != nil {
			return "", err
		}

		res := g.spec.ParseStatus(body)
		switch res.State {
		case StateSuccess:
			if res.URL != "" {
				return res.URL, nil
			}
			resultBody := body
			if g.spec.ResultPath != nil {
				if path := g.spec.ResultPath(taskID); path != "" {
					resultBody, err = g.core.getJSON(ctx, path)
					if err != nil {
						return "", err
					}
				}
			}
			if url, ok := g.spec.ExtractURL(resultBody); ok {
				return url, nil
			}
			return "", &Error{Provider: g.spec.Name, Message: fmt.Sprintf("task %s finished but the response carries no output url", taskID)}
		case StateFailure:
			msg := res.Message
			if msg == "" {
				msg = "provider reported failure"
			}
			return "", &Error{Provider: g.spec.Name, Message: fmt.Sprintf("task %s: %s", taskID, msg)}
		}

		if g.core.clock.Now().Add(g.spec.PollInterval).After(deadline) {
			return "", &Error{Provider: g.spec.Name, Message: fmt.Sprintf("task %s timed out after %s", taskID, totalTimeout)}
		}
		timer := g.core.clock.Timer(g.spec.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", &Error{Provider: g.spec.Name, Message: ctx.Err().Error()}
		case <-timer.C:
		}
	}
}

// Run is the submit-then-poll convenience used by single-gateway stages.
func (g *Gateway) Run(ctx context.Context, payload map[string]interface{}) (string, error) {
	taskID, err := g.Submit(ctx, payload)
	if err != nil {
		return "", err
	}
	return g.PollUntilComplete(ctx, taskID, 0)
}
