// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/atelier-labs/render-agent/pkg/api"
	"github.com/atelier-labs/render-agent/pkg/autoscale"
	"github.com/atelier-labs/render-agent/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const statusQueryTimeout = 5 * time.Second

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current status of a running agent",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagNoColor {
			color.NoColor = true
		}
		return writeStatus(statusURL, color.Output)
	},
	SilenceUsage: true,
}

func init() {
	statusCmd.Flags().StringVarP(&statusURL, "url", "u", "http://127.0.0.1:8090", "base URL of the running agent")
}

// autoscaleDoc mirrors the /autoscale response shape.
type autoscaleDoc struct {
	Mode string `json:"mode"`
	autoscale.Decision
}

// writeStatus queries a running agent and renders the answers to w.
func writeStatus(baseURL string, w io.Writer) error {
	if w != color.Output {
		color.NoColor = true
	}
	client := &http.Client{Timeout: statusQueryTimeout}
	base := strings.TrimRight(baseURL, "/")

	var health api.HealthResponse
	if err := getJSON(client, base+"/health", &health); err != nil {
		return fmt.Errorf("failed to query the agent (running?): %s", err)
	}
	var snap metrics.Snapshot
	if err := getJSON(client, base+"/metrics", &snap); err != nil {
		return fmt.Errorf("failed to query agent metrics: %s", err)
	}
	var scale autoscaleDoc
	if err := getJSON(client, base+"/autoscale", &scale); err != nil {
		return fmt.Errorf("failed to query agent autoscale: %s", err)
	}

	fmt.Fprintf(w, "=== Render Agent %s ===\n", color.CyanString(health.Version))
	fmt.Fprintf(w, "  Status: %s\n", color.GreenString(health.Status))
	fmt.Fprintf(w, "  Mode: %s\n", modeString(health.Mode))
	fmt.Fprintf(w, "  Uptime: %s\n", uptimeString(snap.UptimeSeconds))

	fmt.Fprintf(w, "\n=== Integrations ===\n")
	for _, integ := range []struct {
		name string
		ok   bool
	}{
		{"redis", health.Configured.Redis},
		{"database", health.Configured.Database},
		{"storage", health.Configured.Storage},
		{"worker secret", health.Configured.WorkerSecret},
		{"kie", health.Configured.Kie},
		{"fal", health.Configured.Fal},
		{"claid", health.Configured.Claid},
		{"gemini", health.Configured.Gemini},
		{"wavespeed", health.Configured.Wavespeed},
		{"stitcher", health.Configured.Stitcher},
	} {
		state := color.GreenString("configured")
		if !integ.ok {
			state = color.YellowString("not configured")
		}
		fmt.Fprintf(w, "  %s: %s\n", integ.name, state)
	}

	fmt.Fprintf(w, "\n=== Queue ===\n")
	fmt.Fprintf(w, "  Pending: %s\n", humanize.Comma(scale.Pending))
	fmt.Fprintf(w, "  In flight: %s\n", humanize.Comma(scale.InFlight))
	if dead := int64(snap.Gauges["queue.dead_letter"]); dead > 0 {
		fmt.Fprintf(w, "  Dead-lettered: %s\n", color.RedString(humanize.Comma(dead)))
	}
	fmt.Fprintf(w, "  Desired replicas: %d (%s)\n", scale.DesiredWorkers, scale.Reason)

	fmt.Fprintf(w, "\n=== Jobs ===\n")
	fmt.Fprintf(w, "  Completed: %s\n", humanize.Comma(snap.Counters["jobs.completed"]))
	fmt.Fprintf(w, "  Failed: %s\n", humanize.Comma(snap.Counters["jobs.failed"]))
	fmt.Fprintf(w, "  Dead-lettered: %s\n", humanize.Comma(snap.Counters["jobs.dead_letter"]))
	if snap.ErrorRate5m > 0 {
		fmt.Fprintf(w, "  Error rate (5m): %s\n", color.YellowString("%.1f%%", snap.ErrorRate5m*100))
	}

	if len(snap.Latency) > 0 {
		fmt.Fprintf(w, "\n=== Endpoints ===\n")
		names := make([]string, 0, len(snap.Latency))
		for name := range snap.Latency {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			l := snap.Latency[name]
			fmt.Fprintf(w, "  %s: %s calls, avg %.0fms\n", name, humanize.Comma(int64(l.Count)), l.AvgMs)
		}
	}

	if n := len(snap.RecentErrors); n > 0 {
		fmt.Fprintf(w, "\n=== Recent %s ===\n", color.RedString("errors"))
		start := n - 5
		if start < 0 {
			start = 0
		}
		for _, e := range snap.RecentErrors[start:] {
			fmt.Fprintf(w, "  %s [%s] %s\n", e.At.Format("15:04:05"), e.Source, e.Message)
		}
	}
	return nil
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s answered %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func modeString(mode string) string {
	if mode == "queued" {
		return color.GreenString(mode)
	}
	return color.YellowString(mode)
}

func uptimeString(seconds float64) string {
	now := time.Now()
	return strings.TrimSpace(humanize.RelTime(now.Add(-time.Duration(seconds)*time.Second), now, "", ""))
}
