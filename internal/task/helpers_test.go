package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/recollection-api/internal/bus"
	"github.com/phrazzld/recollection-api/internal/domain"
	"github.com/phrazzld/recollection-api/internal/events"
	"github.com/phrazzld/recollection-api/internal/pipeline"
	"github.com/phrazzld/recollection-api/internal/platform/memory"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// downBus is a bus whose publishes always fail.
type downBus struct {
	attempts atomic.Int32
}

func (b *downBus) Publish(context.Context, string, []byte) error {
	b.attempts.Add(1)
	return bus.ErrTransportUnavailable
}

func (b *downBus) PSubscribe(context.Context, string) (bus.Subscription, error) {
	return nil, bus.ErrTransportUnavailable
}

func (b *downBus) Close() error { return nil }

// limitedBus is a MemoryBus that rejects payloads over limit bytes, like a
// transport with a message size cap.
type limitedBus struct {
	*bus.MemoryBus
	limit int
}

func (b *limitedBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > b.limit {
		return bus.ErrPayloadTooLarge
	}
	return b.MemoryBus.Publish(ctx, channel, payload)
}

// stepsExecutor reports fixed checkpoints and returns result.
type stepsExecutor struct {
	steps  []stepReport
	result map[string]any
	err    error
}

type stepReport struct {
	percent int
	step    string
}

func (e stepsExecutor) Execute(ctx context.Context, input json.RawMessage) (map[string]any, error) {
	return e.ExecuteWithCheckpoints(ctx, input, func(int, string) {})
}

func (e stepsExecutor) ExecuteWithCheckpoints(
	_ context.Context,
	_ json.RawMessage,
	report pipeline.Checkpoint,
) (map[string]any, error) {
	for _, s := range e.steps {
		report(s.percent, s.step)
	}
	return e.result, e.err
}

type runnerFixture struct {
	store     *memory.TaskStore
	bus       *bus.MemoryBus
	publisher *Publisher
	executors *pipeline.Registry
	runner    *Runner
}

func newRunnerFixture(t *testing.T, config RunnerConfig) *runnerFixture {
	t.Helper()

	logger := setupTestLogger()
	f := &runnerFixture{
		store:     memory.NewTaskStore(),
		bus:       bus.NewMemoryBus(64),
		executors: pipeline.NewRegistry(),
	}
	f.publisher = NewPublisher(f.store, f.bus, logger, nil)
	f.runner = NewRunner(f.store, f.publisher, f.executors, config, logger, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.runner.Stop(ctx)
		_ = f.bus.Close()
	})
	return f
}

func (f *runnerFixture) register(t *testing.T, kind string, e pipeline.Executor) {
	t.Helper()
	require.NoError(t, f.executors.Register(kind, e))
}

func (f *runnerFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.runner.Start(context.Background()))
}

// waitTerminal polls the store until taskID finishes.
func (f *runnerFixture) waitTerminal(t *testing.T, taskID string) *domain.Task {
	t.Helper()
	var task *domain.Task
	require.Eventually(t, func() bool {
		got, err := f.store.GetTaskByID(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = got
		return got.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

// collect subscribes to a task's channel and returns a func yielding the
// next n events.
func collect(t *testing.T, b bus.Bus, taskID string) func(n int) []events.Event {
	t.Helper()

	sub, err := b.PSubscribe(context.Background(), events.ChannelForTask(taskID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	return func(n int) []events.Event {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		out := make([]events.Event, 0, n)
		for len(out) < n {
			msg, err := sub.Receive(ctx)
			require.NoError(t, err)
			e, err := events.Decode(msg.Payload)
			require.NoError(t, err)
			out = append(out, e)
		}
		return out
	}
}
