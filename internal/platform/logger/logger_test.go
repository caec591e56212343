// Package logger_test contains tests for the logger package
package logger_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/phrazzld/recollection-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithWriter_Levels(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	tests := []struct {
		name      string
		level     string
		debugSeen bool
		infoSeen  bool
	}{
		{name: "debug", level: "debug", debugSeen: true, infoSeen: true},
		{name: "info", level: "INFO", debugSeen: false, infoSeen: true},
		{name: "error", level: "error", debugSeen: false, infoSeen: false},
		{name: "invalid falls back to info", level: "chatty", debugSeen: false, infoSeen: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := &logger.TestLogBuffer{}
			l := logger.SetupWithWriter(buf, tc.level)
			require.NotNil(t, l)

			l.Debug("debug message")
			l.Info("info message", slog.String("task_id", "abc"))

			assert.Equal(t, tc.debugSeen, buf.HasMessage("debug message"))
			assert.Equal(t, tc.infoSeen, buf.HasMessage("info message"))
			assert.Same(t, l, slog.Default(), "Setup must install the logger as default")
		})
	}
}

func TestSetupWithWriter_JSONOutput(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	buf := &logger.TestLogBuffer{}
	l := logger.SetupWithWriter(buf, "info")
	l.Info("task dispatched", slog.String("task_id", "abc"), slog.Int("observers", 2))

	entries, err := buf.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task dispatched", entries[0]["msg"])
	assert.Equal(t, "abc", entries[0]["task_id"])
	assert.Equal(t, float64(2), entries[0]["observers"])
	assert.Equal(t, "INFO", entries[0]["level"])
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	l, buf := logger.NewTestLogger(t)
	ctx := logger.WithLogger(context.Background(), l)

	logger.FromContext(ctx).Info("from context")
	assert.True(t, buf.HasMessage("from context"))

	assert.Same(t, slog.Default(), logger.FromContext(context.Background()))
	//nolint:staticcheck // nil context is tolerated
	assert.Same(t, slog.Default(), logger.FromContext(nil))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	level, ok := logger.ParseLevel("WARN")
	assert.True(t, ok)
	assert.Equal(t, slog.LevelWarn, level)

	level, ok = logger.ParseLevel("")
	assert.False(t, ok)
	assert.Equal(t, slog.LevelInfo, level)
}
