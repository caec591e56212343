package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phrazzld/recollection-api/internal/platform/logger"
	"github.com/phrazzld/recollection-api/internal/platform/postgres"
)

var errNoDatabase = errors.New("database.url is not configured")

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|reset|status|version]",
		Short:     "Run database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "reset", "status", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errNoDatabase
			}

			log, err := logger.Setup(cfg.Server)
			if err != nil {
				return fmt.Errorf("failed to set up logger: %w", err)
			}

			ctx := contextOrBackground(cmd)
			db, err := openDatabase(ctx, cfg.Database.URL, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return postgres.Migrate(ctx, db, args[0], log)
		},
	}
}
