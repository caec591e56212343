package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phrazzld/recollection-api/internal/platform/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE:  runServe,
	}
	addServeFlags(cmd)
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("auto-migrate", true, "Apply pending database migrations on startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"bus_driver", cfg.Bus.Driver,
		"database_configured", cfg.Database.URL != "",
		"llm_configured", cfg.LLM.GeminiAPIKey != "")

	autoMigrate, _ := cmd.Flags().GetBool("auto-migrate")

	ctx, stop := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, log, appOptions{autoMigrate: autoMigrate})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", listenAddr(cfg.Server.Port))
	if err != nil {
		app.close()
		return fmt.Errorf("failed to listen: %w", err)
	}

	return app.run(ctx, ln)
}

// contextOrBackground guards against commands executed without a context.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
