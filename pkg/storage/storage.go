// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package storage is a small client for the object store's REST surface.
// Provider outputs live on short-lived provider URLs, so the pipeline
// re-hosts anything it wants to keep into our own bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	objectPath = "/storage/v1/object"

	// Provider artifacts are images and short clips. Anything larger than
	// this is a provider bug, not a payload we want in memory.
	maxDownloadBytes = 100 << 20

	errorBodyLimit = 300
)

// Config locates the object store and the bucket this service writes to.
type Config struct {
	URL        string
	ServiceKey string
	Bucket     string
}

// Client talks to one bucket of the object store.
type Client struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

// New builds a Client. The HTTP client timeout covers whole transfers, not
// just dialing, since uploads are bounded in size.
func New(cfg Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		bucket:     cfg.Bucket,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Configured reports whether the client has enough settings to be used.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.serviceKey != "" && c.bucket != ""
}

// PublicURL returns the stable public URL for an object path in our bucket.
func (c *Client) PublicURL(path string) string {
	return fmt.Sprintf("%s%s/public/%s/%s", c.baseURL, objectPath, c.bucket, strings.TrimLeft(path, "/"))
}

// Upload writes data to the given object path, overwriting any previous
// object there, and returns the public URL. Overwrite keeps stage retries
// idempotent: outputs are keyed by job id.
func (c *Client) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s%s/%s/%s", c.baseURL, objectPath, c.bucket, strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrapf(err, "build upload request for %s", path)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "upload %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return "", errors.Errorf("upload %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)
	return c.PublicURL(path), nil
}

// Download fetches a URL into memory and returns the bytes and the reported
// content type. The URL may point anywhere, not just at our own bucket.
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrapf(err, "build download request for %s", url)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", errors.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", errors.Wrapf(err, "read %s", url)
	}
	if len(data) > maxDownloadBytes {
		return nil, "", errors.Errorf("download %s: object exceeds %d bytes", url, maxDownloadBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// Rehost copies an external object into our bucket and returns its new
// public URL.
func (c *Client) Rehost(ctx context.Context, srcURL, destPath string) (string, error) {
	data, contentType, err := c.Download(ctx, srcURL)
	if err != nil {
		return "", err
	}
	return c.Upload(ctx, destPath, data, contentType)
}
