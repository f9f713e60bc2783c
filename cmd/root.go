// Package cmd implements the transferpipe CLI.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "transferpipe",
	Short: "File-transfer analytics pipeline",
	Long: `transferpipe ingests file-transfer observations, commits them to a
canonical store, and maintains daily SLA rollups with alerting.

Run "transferpipe serve" to start the service, or use the client commands
(ingest, seed, verify, status) against a running instance.`,
	Version: "0.1.0",
}

// Execute runs the root command under the given context. Cancelling the
// context stops the service commands gracefully.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "pipeline API base URL")
}
