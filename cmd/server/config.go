package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phrazzld/recollection-api/internal/config"
)

// loadConfig loads configuration from the --config file, if given, and the
// environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
