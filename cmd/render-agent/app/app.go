// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package app implements the render-agent command tree.
package app

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/atelier-labs/render-agent/pkg/version"
)

var (
	// AgentCmd is the root command.
	AgentCmd = &cobra.Command{
		Use:   "render-agent [command]",
		Short: "Render agent at your service.",
		Long: `
The render agent admits AI media generation jobs over HTTP, queues them on
the distributed backend and drives each one through its provider pipeline.
Without a backend it degrades to inline execution on a bounded number of
slots.`,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version info",
		Long:  ``,
		RunE: func(cmd *cobra.Command, args []string) error {
			return WriteVersion(os.Stdout)
		},
		SilenceUsage: true,
	}

	flagNoColor bool
)

func init() {
	AgentCmd.AddCommand(startCmd)
	AgentCmd.AddCommand(statusCmd)
	AgentCmd.AddCommand(versionCmd)

	AgentCmd.PersistentFlags().BoolVarP(&flagNoColor, "no-color", "n", false, "disable color output")
}

// WriteVersion writes the version string to out.
func WriteVersion(w io.Writer) error {
	commit := version.Commit
	if commit == "" {
		commit = "unknown"
	}
	_, err := fmt.Fprintf(w, "Render Agent %s - Commit: %s - Go version: %s\n",
		version.AgentVersion, commit, runtime.Version())
	return err
}
