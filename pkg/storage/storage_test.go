// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadSendsAuthAndReturnsPublicURL(t *testing.T) {
	var got struct {
		method, path, auth, apikey, contentType, upsert string
		body                                            []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.apikey = r.Header.Get("apikey")
		got.contentType = r.Header.Get("Content-Type")
		got.upsert = r.Header.Get("x-upsert")
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, ServiceKey: "svc-key", Bucket: "media"})
	url, err := c.Upload(context.Background(), "jobs/job-1/composite.jpg", []byte("jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/storage/v1/object/media/jobs/job-1/composite.jpg", got.path)
	assert.Equal(t, "Bearer svc-key", got.auth)
	assert.Equal(t, "svc-key", got.apikey)
	assert.Equal(t, "image/jpeg", got.contentType)
	assert.Equal(t, "true", got.upsert)
	assert.Equal(t, []byte("jpeg-bytes"), got.body)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/media/jobs/job-1/composite.jpg", url)
}

func TestUploadSurfacesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"bucket not found"}`)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, ServiceKey: "svc-key", Bucket: "media"})
	_, err := c.Upload(context.Background(), "x.jpg", []byte("x"), "image/jpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "bucket not found")
}

func TestDownloadReturnsBytesAndContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, ServiceKey: "svc-key", Bucket: "media"})
	data, contentType, err := c.Download(context.Background(), srv.URL+"/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4-bytes"), data)
	assert.Equal(t, "video/mp4", contentType)
}

func TestDownloadRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, ServiceKey: "svc-key", Bucket: "media"})
	_, _, err := c.Download(context.Background(), srv.URL+"/gone.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestRehostCopiesObjectIntoBucket(t *testing.T) {
	var uploaded []byte
	var uploadedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/provider/out.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes"))
		case r.Method == http.MethodPost:
			uploadedPath = r.URL.Path
			uploaded, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, ServiceKey: "svc-key", Bucket: "media"})
	url, err := c.Rehost(context.Background(), srv.URL+"/provider/out.png", "jobs/job-1/out.png")
	require.NoError(t, err)

	assert.Equal(t, "/storage/v1/object/media/jobs/job-1/out.png", uploadedPath)
	assert.Equal(t, []byte("png-bytes"), uploaded)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/media/jobs/job-1/out.png", url)
}

func TestConfigured(t *testing.T) {
	assert.False(t, New(Config{}).Configured())
	assert.False(t, New(Config{URL: "http://x", ServiceKey: "k"}).Configured())
	assert.True(t, New(Config{URL: "http://x", ServiceKey: "k", Bucket: "b"}).Configured())
}
