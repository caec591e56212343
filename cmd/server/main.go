// Package main is the recollection-api server. It accepts long-running
// content jobs over HTTP, runs them on a worker pool and streams their
// progress to WebSocket observers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command without a
// subcommand starts the server.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "recollection-api",
		Short:         "Background job API with live task progress",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE:          runServe,
	}

	root.PersistentFlags().String("config", "", "Path to a config file (default: ./config.yaml if present)")
	addServeFlags(root)

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newTokenCmd())
	return root
}
