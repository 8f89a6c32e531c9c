// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig locates the Gemini REST API.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Gemini covers our two synchronous uses of the model: composing a fallback
// image when the stitcher is down, and producing validation verdicts on
// user uploads.
type Gemini struct {
	core   *core
	model  string
	apiKey string
}

// NewGemini builds the client.
func NewGemini(cfg GeminiConfig) *Gemini {
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		core: newCore("gemini", cfg.BaseURL, func(h http.Header) {
			h.Set("x-goog-api-key", cfg.APIKey)
		}),
		model:  model,
		apiKey: cfg.APIKey,
	}
}

// Configured reports whether an API key is present.
func (g *Gemini) Configured() bool {
	return g.apiKey != ""
}

// InlineImage is an input image shipped inline alongside the prompt.
type InlineImage struct {
	MIMEType string
	Data     []byte
}

func (g *Gemini) generate(ctx context.Context, prompt string, images []InlineImage, config map[string]interface{}) (interface{}, error) {
	parts := []interface{}{
		map[string]interface{}{"text": prompt},
	}
	for _, img := range images {
		parts = append(parts, map[string]interface{}{
			"inline_data": map[string]interface{}{
				"mime_type": img.MIMEType,
				"data":      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	body := map[string]interface{}{
		"contents": []interface{}{
			map[string]interface{}{"parts": parts},
		},
	}
	if len(config) > 0 {
		body["generationConfig"] = config
	}

	resp, err := g.core.postJSON(ctx, "/v1beta/models/"+g.model+":generateContent", body)
	if err != nil {
		return nil, err
	}
	doc, ok := decodeAny(resp)
	if !ok {
		return nil, &Error{Provider: "gemini", Message: "unparseable response"}
	}
	return doc, nil
}

// GenerateImage composes a new image from the prompt and input images and
// returns the raw bytes plus MIME type of the first inline image part.
func (g *Gemini) GenerateImage(ctx context.Context, prompt string, images []InlineImage) ([]byte, string, error) {
	doc, err := g.generate(ctx, prompt, images, map[string]interface{}{
		"responseModalities": []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return nil, "", err
	}

	partsAny, ok := lookup(doc, "candidates", 0, "content", "parts")
	if ok {
		parts, _ := partsAny.([]interface{})
		for _, part := range parts {
			for _, key := range []string{"inlineData", "inline_data"} {
				data, ok := findString(part, key, "data")
				if !ok {
					continue
				}
				raw, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					return nil, "", &Error{Provider: "gemini", Message: "undecodable inline image"}
				}
				mime, ok := findString(part, key, "mimeType")
				if !ok {
					mime, _ = findString(part, key, "mime_type")
				}
				if mime == "" {
					mime = "image/png"
				}
				return raw, mime, nil
			}
		}
	}
	return nil, "", &Error{Provider: "gemini", Message: "response carries no inline image"}
}

// Analyze asks for a strict-JSON verdict about the images and returns the
// decoded object.
func (g *Gemini) Analyze(ctx context.Context, prompt string, images []InlineImage) (map[string]interface{}, error) {
	doc, err := g.generate(ctx, prompt, images, map[string]interface{}{
		"response_mime_type": "application/json",
	})
	if err != nil {
		return nil, err
	}
	text, ok := findString(doc, "candidates", 0, "content", "parts", 0, "text")
	if !ok {
		return nil, &Error{Provider: "gemini", Message: "response carries no text part"}
	}
	var verdict map[string]interface{}
	if err := json.Unmarshal([]byte(text), &verdict); err != nil {
		return nil, &Error{Provider: "gemini", Message: "verdict is not valid json: " + truncateMessage(text)}
	}
	return verdict, nil
}
