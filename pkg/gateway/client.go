// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 2 * time.Second
	defaultJitter     = time.Second

	// Gemini responses can carry inline base64 images, so the cap is
	// generous.
	maxResponseBytes = 32 << 20

	providerMessageLimit = 300
)

// core is the retrying HTTP layer shared by the polling gateways and the
// synchronous provider clients.
type core struct {
	name       string
	baseURL    string
	auth       func(http.Header)
	httpClient *http.Client
	clock      clock.Clock
	timer      retry.Timer
	maxRetries uint
	baseDelay  time.Duration
	jitter     time.Duration
}

func newCore(name, baseURL string, auth func(http.Header)) *core {
	return &core{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      clock.New(),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		jitter:     defaultJitter,
	}
}

func (c *core) postJSON(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Provider: c.name, Message: "encode request: " + err.Error()}
	}
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (c *core) getJSON(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	})
}

// do runs one logical provider call with the shared retry policy: transient
// statuses and transport errors back off exponentially with jitter, a
// Retry-After hint overrides the computed delay, and anything else fails
// immediately.
func (c *core) do(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var body []byte
	var lastErr *Error

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(c.maxRetries + 1),
		retry.DelayType(c.delayFor),
		retry.LastErrorOnly(true),
	}
	if c.timer != nil {
		opts = append(opts, retry.WithTimer(c.timer))
	}

	err := retry.Do(func() error {
		req, err := build()
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if c.auth != nil {
			c.auth(req.Header)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrapf(err, "%s request", c.name)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return errors.Wrapf(err, "read %s response", c.name)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			body = raw
			return nil
		}

		gwErr := &Error{
			Provider:   c.name,
			StatusCode: resp.StatusCode,
			Message:    providerMessage(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.clock),
		}
		lastErr = gwErr
		if !retryableStatus(resp.StatusCode) {
			return retry.Unrecoverable(gwErr)
		}
		return gwErr
	}, opts...)

	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &Error{Provider: c.name, Message: err.Error()}
	}
	return body, nil
}

func (c *core) delayFor(n uint, err error, _ *retry.Config) time.Duration {
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.RetryAfter > 0 {
		return gwErr.RetryAfter
	}
	delay := c.baseDelay << n
	if c.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.jitter)))
	}
	return delay
}

// providerMessage digs a human-readable message out of an error response,
// falling back to the raw body.
func providerMessage(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"message", "error", "msg", "detail"} {
			switch v := payload[key].(type) {
			case string:
				if v != "" {
					return truncateMessage(v)
				}
			case map[string]interface{}:
				if m, ok := v["message"].(string); ok && m != "" {
					return truncateMessage(m)
				}
			}
		}
	}
	return truncateMessage(strings.TrimSpace(string(body)))
}

func truncateMessage(msg string) string {
	if len(msg) > providerMessageLimit {
		return msg[:providerMessageLimit]
	}
	return msg
}

func parseRetryAfter(value string, clk clock.Clock) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(clk.Now()); d > 0 {
			return d
		}
	}
	return 0
}

func bearerAuth(key string) func(http.Header) {
	return func(h http.Header) {
		h.Set("Authorization", "Bearer "+key)
	}
}
