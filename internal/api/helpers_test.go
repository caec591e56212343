package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/recollection-api/internal/api/middleware"
	"github.com/phrazzld/recollection-api/internal/bus"
	"github.com/phrazzld/recollection-api/internal/config"
	"github.com/phrazzld/recollection-api/internal/notify"
	"github.com/phrazzld/recollection-api/internal/pipeline"
	"github.com/phrazzld/recollection-api/internal/platform/memory"
	"github.com/phrazzld/recollection-api/internal/service/auth"
	"github.com/phrazzld/recollection-api/internal/task"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "api-test-secret-that-is-long-enough"

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestJWTService(t *testing.T) auth.JWTService {
	t.Helper()
	svc, err := auth.NewJWTService(config.AuthConfig{JWTSecret: testJWTSecret, TokenLifetimeMinutes: 60})
	require.NoError(t, err)
	return svc
}

func tokenFor(t *testing.T, svc auth.JWTService, userID uuid.UUID) string {
	t.Helper()
	token, err := svc.GenerateToken(context.Background(), userID)
	require.NoError(t, err)
	return token
}

// gatedExecutor blocks until release is closed, then reports 50% and
// returns its result.
type gatedExecutor struct {
	release chan struct{}
	result  map[string]any
}

func (e gatedExecutor) Execute(ctx context.Context, input json.RawMessage) (map[string]any, error) {
	return e.ExecuteWithCheckpoints(ctx, input, func(int, string) {})
}

func (e gatedExecutor) ExecuteWithCheckpoints(
	ctx context.Context,
	_ json.RawMessage,
	report pipeline.Checkpoint,
) (map[string]any, error) {
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	report(50, "Halfway")
	return e.result, nil
}

// testStack is the whole application wired on in-memory infrastructure.
type testStack struct {
	store    *memory.TaskStore
	runner   *task.Runner
	registry *notify.Registry
	jwt      auth.JWTService
	server   *httptest.Server

	release     chan struct{}
	releaseOnce sync.Once
}

// releaseGate lets every gated job finish.
func (s *testStack) releaseGate() {
	s.releaseOnce.Do(func() { close(s.release) })
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	log := setupTestLogger()
	ctx, cancel := context.WithCancel(context.Background())

	s := &testStack{
		store:   memory.NewTaskStore(),
		jwt:     newTestJWTService(t),
		release: make(chan struct{}),
	}

	b := bus.NewMemoryBus(64)
	s.registry = notify.NewRegistry(log, nil)
	listener := notify.NewListener(b, s.registry, notify.ListenerConfig{ReconnectInterval: 10 * time.Millisecond}, log, nil)
	require.NoError(t, listener.Start(ctx))
	require.Eventually(t, func() bool { return listener.State() == notify.StateRunning },
		time.Second, 5*time.Millisecond)

	executors := pipeline.NewRegistry()
	require.NoError(t, executors.Register(pipeline.KindEcho, pipeline.EchoExecutor{}))
	require.NoError(t, executors.Register("gated", gatedExecutor{
		release: s.release,
		result:  map[string]any{"answer": "42"},
	}))

	publisher := task.NewPublisher(s.store, b, log, nil)
	s.runner = task.NewRunner(s.store, publisher, executors, task.DefaultRunnerConfig(), log, nil)
	require.NoError(t, s.runner.Start(ctx))

	router := NewRouter(RouterDeps{
		Logger: log,
		Auth:   middleware.NewAuthMiddleware(s.jwt),
		Tasks:  NewTaskHandler(s.runner, s.store),
		Streams: NewTaskStreamHandler(ctx, s.store, s.registry, StreamConfig{
			Session: notify.SessionConfig{SendBuffer: 16, WriteTimeout: time.Second},
		}, nil),
		ListenerState: func() string { return listener.State().String() },
	})
	s.server = httptest.NewServer(router)

	t.Cleanup(func() {
		s.releaseGate()
		cancel()
		s.server.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = s.runner.Stop(stopCtx)
		listener.Stop()
		_ = b.Close()
	})

	return s
}

// do sends an HTTP request to the stack. body may be nil.
func (s *testStack) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}
