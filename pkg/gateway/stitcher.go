// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import "context"

// Stitcher talks to the internal stitching sidecar that composes per-angle
// renders into one horizontal triptych. It is optional: when no URL is
// configured, composition goes straight to the fallback path.
type Stitcher struct {
	core *core
}

// NewStitcher builds the client. An empty baseURL leaves it unconfigured.
func NewStitcher(baseURL string) *Stitcher {
	return &Stitcher{core: newCore("stitcher", baseURL, nil)}
}

// Configured reports whether a sidecar URL was provided.
func (s *Stitcher) Configured() bool {
	return s.core.baseURL != ""
}

// Stitch composes the images left to right and returns the hosted URL.
func (s *Stitcher) Stitch(ctx context.Context, imageURLs []string, width int) (string, error) {
	if !s.Configured() {
		return "", &Error{Provider: "stitcher", Message: "stitcher url not configured"}
	}
	if len(imageURLs) == 0 {
		return "", &Error{Provider: "stitcher", Message: "no images to stitch"}
	}
	if width <= 0 {
		width = 1024
	}
	body := map[string]interface{}{
		"image_urls": imageURLs,
		"layout":     "horizontal",
		"width":      width,
	}
	resp, err := s.core.postJSON(ctx, "/stitch", body)
	if err != nil {
		return "", err
	}
	doc, ok := decodeAny(resp)
	if !ok {
		return "", &Error{Provider: "stitcher", Message: "unparseable stitch response"}
	}
	if u, ok := findString(doc, "url"); ok {
		return u, nil
	}
	if u, ok := deepFindURL(doc, urlPredicate(nil)); ok {
		return u, nil
	}
	return "", &Error{Provider: "stitcher", Message: "stitch response carries no url"}
}
