// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import "context"

// ClaidConfig locates the Claid image-edit API.
type ClaidConfig struct {
	APIKey  string
	BaseURL string
}

// Claid is the synchronous image-edit client behind garment cleaning. One
// POST does the whole edit; there is no task to poll.
type Claid struct {
	core   *core
	apiKey string
}

// NewClaid builds the client. It shares the gateway retry policy, so
// transient provider trouble is absorbed here too.
func NewClaid(cfg ClaidConfig) *Claid {
	return &Claid{
		core:   newCore("claid", cfg.BaseURL, bearerAuth(cfg.APIKey)),
		apiKey: cfg.APIKey,
	}
}

// Configured reports whether an API key is present.
func (c *Claid) Configured() bool {
	return c.apiKey != ""
}

// claidOperations are the garment-cleaning defaults: cut the garment out
// and center it on plain white. Caller overrides win per key.
func claidOperations(override map[string]interface{}) map[string]interface{} {
	ops := map[string]interface{}{
		"background": map[string]interface{}{"remove": true, "color": "#FFFFFF"},
		"padding":    "5%",
	}
	for k, v := range override {
		ops[k] = v
	}
	return ops
}

// Edit runs one edit and returns the provider's ephemeral output URL. The
// URL expires within hours, so callers re-host it before persisting.
func (c *Claid) Edit(ctx context.Context, sourceURL string, operations map[string]interface{}) (string, error) {
	if sourceURL == "" {
		return "", &Error{Provider: "claid", Message: "missing source url"}
	}
	body := map[string]interface{}{
		"input":      sourceURL,
		"operations": claidOperations(operations),
		"output":     map[string]interface{}{"format": "png"},
	}
	resp, err := c.core.postJSON(ctx, "/v1-beta1/image/edit", body)
	if err != nil {
		return "", err
	}
	doc, ok := decodeAny(resp)
	if !ok {
		return "", &Error{Provider: "claid", Message: "unparseable edit response"}
	}
	if u, ok := findString(doc, "data", "output", "tmp_url"); ok {
		return u, nil
	}
	if u, ok := deepFindURL(doc, urlPredicate(nil)); ok {
		return u, nil
	}
	return "", &Error{Provider: "claid", Message: "edit response carries no output url"}
}
