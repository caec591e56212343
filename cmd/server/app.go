package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/phrazzld/recollection-api/internal/api"
	"github.com/phrazzld/recollection-api/internal/api/middleware"
	"github.com/phrazzld/recollection-api/internal/bus"
	"github.com/phrazzld/recollection-api/internal/config"
	"github.com/phrazzld/recollection-api/internal/notify"
	"github.com/phrazzld/recollection-api/internal/pipeline"
	"github.com/phrazzld/recollection-api/internal/platform/gemini"
	"github.com/phrazzld/recollection-api/internal/platform/memory"
	"github.com/phrazzld/recollection-api/internal/platform/postgres"
	"github.com/phrazzld/recollection-api/internal/platform/redis"
	"github.com/phrazzld/recollection-api/internal/platform/telemetry"
	"github.com/phrazzld/recollection-api/internal/service/auth"
	"github.com/phrazzld/recollection-api/internal/store"
	"github.com/phrazzld/recollection-api/internal/task"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	// nil when running on the in-memory store
	db *sql.DB

	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics

	taskStore  store.TaskStore
	eventBus   bus.Bus
	jwtService auth.JWTService

	registry  *notify.Registry
	listener  *notify.Listener
	publisher *task.Publisher
	executors *pipeline.Registry
	runner    *task.Runner
	reaper    *task.Reaper
}

// appOptions are command-line switches that are not part of the config file.
type appOptions struct {
	autoMigrate bool
}

// newApplication creates an application with all dependencies initialized.
// Nothing is started; call run.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	opts appOptions,
) (_ *application, err error) {
	app := &application{
		config: cfg,
		logger: logger,
	}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	app.telemetry = telemetry.Init(cfg.Telemetry.MetricsEnabled)
	app.metrics, err = telemetry.NewMetrics(app.telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("JWT authentication service initialized",
		"token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes)

	if err := app.setupStore(ctx, opts); err != nil {
		return nil, err
	}
	if err := app.setupBus(ctx); err != nil {
		return nil, err
	}

	app.registry = notify.NewRegistry(logger, app.metrics)
	app.listener = notify.NewListener(app.eventBus, app.registry, notify.ListenerConfig{
		ReconnectInterval:    cfg.Bus.ReconnectInterval,
		MaxReconnectInterval: cfg.Bus.ReconnectMaxInterval,
	}, logger, app.metrics)

	app.publisher = task.NewPublisher(app.taskStore, app.eventBus, logger, app.metrics)

	if err := app.setupExecutors(ctx); err != nil {
		return nil, err
	}

	app.runner = task.NewRunner(app.taskStore, app.publisher, app.executors, task.RunnerConfig{
		WorkerCount: cfg.Task.WorkerCount,
		QueueSize:   cfg.Task.QueueSize,
		JobTimeout:  cfg.Task.JobTimeout,
		RecoverAge:  cfg.Task.StaleTaskAge,
	}, logger, app.metrics)

	app.reaper = task.NewReaper(app.taskStore, app.publisher, app.runner.InFlight, task.ReaperConfig{
		Schedule: cfg.Task.ReaperSchedule,
		StaleAge: cfg.Task.StaleTaskAge,
	}, logger)

	return app, nil
}

func (app *application) setupStore(ctx context.Context, opts appOptions) error {
	if app.config.Database.URL == "" {
		app.logger.Warn("no database configured, task records are kept in memory")
		app.taskStore = memory.NewTaskStore()
		return nil
	}

	db, err := openDatabase(ctx, app.config.Database.URL, app.logger)
	if err != nil {
		return err
	}
	app.db = db

	if opts.autoMigrate {
		if err := postgres.Migrate(ctx, db, "up", app.logger); err != nil {
			return err
		}
	}

	app.taskStore = postgres.NewPostgresTaskStore(db)
	return nil
}

func (app *application) setupBus(ctx context.Context) error {
	cfg := app.config.Bus

	switch cfg.Driver {
	case "redis":
		rb, err := redis.New(cfg.RedisURL, app.logger)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rb.Ping(pingCtx); err != nil {
			// the listener keeps retrying, so an unreachable server is not fatal
			app.logger.Warn("redis event bus not reachable at startup", "error", err)
		}
		app.eventBus = rb
	case "postgres":
		if app.db == nil {
			return errors.New("postgres event bus requires a database")
		}
		app.eventBus = postgres.NewNotifyBus(app.db, app.config.Database.URL, app.logger)
	default:
		app.eventBus = bus.NewMemoryBus(cfg.BufferSize)
	}

	app.logger.Info("event bus configured", "driver", cfg.Driver)
	return nil
}

func (app *application) setupExecutors(ctx context.Context) error {
	app.executors = pipeline.NewRegistry()
	if err := app.executors.Register(pipeline.KindEcho, pipeline.EchoExecutor{}); err != nil {
		return err
	}

	if app.config.LLM.GeminiAPIKey == "" {
		app.logger.Warn("no Gemini API key configured, content jobs are disabled")
	} else if err := gemini.Register(ctx, app.executors, app.config.LLM, app.logger); err != nil {
		return fmt.Errorf("failed to initialize Gemini executors: %w", err)
	}

	app.logger.Info("job executors registered", "kinds", app.executors.Kinds())
	return nil
}

// router builds the HTTP handler. Observer sessions end when sessions is
// cancelled.
func (app *application) router(sessions context.Context) http.Handler {
	return api.NewRouter(api.RouterDeps{
		Logger: app.logger,
		Auth:   middleware.NewAuthMiddleware(app.jwtService),
		Tasks:  api.NewTaskHandler(app.runner, app.taskStore),
		Streams: api.NewTaskStreamHandler(sessions, app.taskStore, app.registry, api.StreamConfig{
			Session: notify.SessionConfig{
				SendBuffer:   app.config.WebSocket.SendBuffer,
				WriteTimeout: app.config.WebSocket.WriteTimeout,
			},
			AllowedOrigins: app.config.WebSocket.AllowedOrigins,
		}, app.metrics),
		ListenerState: func() string { return app.listener.State().String() },
		Metrics:       app.telemetry.Handler(),
	})
}

// run starts every component, serves HTTP on ln until ctx is cancelled and
// then shuts down in reverse order.
func (app *application) run(ctx context.Context, ln net.Listener) error {
	defer app.close()

	if err := app.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bus listener: %w", err)
	}
	defer app.listener.Stop()

	if err := app.runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job runner: %w", err)
	}
	if err := app.reaper.Start(); err != nil {
		return fmt.Errorf("failed to start stale task reaper: %w", err)
	}

	sessions, closeSessions := context.WithCancel(context.Background())
	defer closeSessions()

	server := &http.Server{
		Handler:           app.router(sessions),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutting down server...")
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	// observers first, so they see a going-away close rather than a reset
	closeSessions()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("server shutdown failed", "error", err)
	}
	if err := app.reaper.Stop(shutdownCtx); err != nil {
		app.logger.Error("reaper shutdown failed", "error", err)
	}
	if err := app.runner.Stop(shutdownCtx); err != nil {
		app.logger.Error("job runner shutdown failed", "error", err)
	}

	app.logger.Info("server shutdown completed")
	return runErr
}

// close releases the bus, database and telemetry. It is safe on a partially
// constructed application.
func (app *application) close() {
	if app.eventBus != nil {
		if err := app.eventBus.Close(); err != nil {
			app.logger.Error("failed to close event bus", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}
	if app.telemetry != nil {
		if err := app.telemetry.Shutdown(context.Background()); err != nil {
			app.logger.Error("failed to shut down telemetry", "error", err)
		}
	}
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
