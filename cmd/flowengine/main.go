// Package main is the entry point for the flowengine binary. The serve
// command wires every component together and runs the outbox relay, the
// overdue scan and the ops HTTP server until a signal arrives.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/flowengine/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "flowengine",
		Short:         "Data-driven workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (YAML)")

	cmd.AddCommand(serveCmd(&configPath), validateCmd(&configPath), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowengine %s (commit %s)\n", version, commit)
		},
	}
}

func init() {
	observability.Version = version
	observability.Commit = commit
}
