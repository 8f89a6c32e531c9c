// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-labs/render-agent/pkg/api"
	"github.com/atelier-labs/render-agent/pkg/autoscale"
	"github.com/atelier-labs/render-agent/pkg/metrics"
)

func fakeAgentServer(t *testing.T) *httptest.Server {
	avg := 42.0
	snap := metrics.Snapshot{
		UptimeSeconds: 7200,
		Counters: map[string]int64{
			"jobs.completed":   1204,
			"jobs.failed":      37,
			"jobs.dead_letter": 2,
		},
		Gauges: map[string]float64{
			"queue.dead_letter": 2,
		},
		Latency: map[string]metrics.LatencySummary{
			"webhook.generate": {Count: 9, AvgMs: avg, P50Ms: 40},
		},
		ErrorRate5m: 0.012,
		RecentErrors: []metrics.ErrorEvent{
			{At: time.Date(2026, 8, 25, 12, 3, 4, 0, time.UTC), Source: "pipeline", Message: "provider exploded"},
		},
	}

	mux := http.NewServeMux()
	writeDoc := func(w http.ResponseWriter, doc interface{}) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeDoc(w, api.HealthResponse{
			Status:  "ok",
			Version: "0.9.0",
			Mode:    "queued",
			Configured: api.ConfiguredFlags{
				Redis:    true,
				Database: true,
				Kie:      true,
			},
		})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeDoc(w, snap)
	})
	mux.HandleFunc("/autoscale", func(w http.ResponseWriter, r *http.Request) {
		writeDoc(w, autoscaleDoc{
			Mode: "queued",
			Decision: autoscale.Decision{
				DesiredWorkers: 2,
				Pending:        7,
				InFlight:       3,
				Load:           10,
				Reason:         "scaling_up",
			},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestWriteStatus(t *testing.T) {
	server := fakeAgentServer(t)

	var b strings.Builder
	require.NoError(t, writeStatus(server.URL, &b))
	out := b.String()

	assert.Contains(t, out, "Render Agent 0.9.0")
	assert.Contains(t, out, "Mode: queued")
	assert.Contains(t, out, "Uptime: 2 hours")

	assert.Contains(t, out, "redis: configured")
	assert.Contains(t, out, "gemini: not configured")

	assert.Contains(t, out, "Pending: 7")
	assert.Contains(t, out, "In flight: 3")
	assert.Contains(t, out, "Desired replicas: 2 (scaling_up)")

	assert.Contains(t, out, "Completed: 1,204")
	assert.Contains(t, out, "Failed: 37")
	assert.Contains(t, out, "Error rate (5m): 1.2%")

	assert.Contains(t, out, "webhook.generate: 9 calls, avg 42ms")
	assert.Contains(t, out, "12:03:04 [pipeline] provider exploded")
}

func TestWriteStatusAgentNotRunning(t *testing.T) {
	server := fakeAgentServer(t)
	url := server.URL
	server.Close()

	var b strings.Builder
	err := writeStatus(url, &b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running?")
}

func TestWriteVersion(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteVersion(&b))

	assert.Contains(t, b.String(), "Render Agent")
	assert.Contains(t, b.String(), "Go version: go")
}
