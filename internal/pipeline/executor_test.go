package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	noop := ExecutorFunc(func(context.Context, json.RawMessage) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	require.NoError(t, r.Register(KindContentLoad, noop))
	require.NoError(t, r.Register(KindEcho, EchoExecutor{}))

	assert.ErrorIs(t, r.Register(KindContentLoad, noop), ErrDuplicateKind)
	assert.ErrorIs(t, r.Register("", noop), ErrEmptyKind)
	assert.ErrorIs(t, r.Register("x", nil), ErrNilExecutor)

	e, ok := r.Lookup(KindContentLoad)
	require.True(t, ok)
	out, err := e.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{KindContentLoad, KindEcho}, r.Kinds())
}

func TestEchoExecutor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantSteps []int
		wantErr   string
		want      map[string]any
	}{
		{
			name:      "defaults to one step",
			input:     ``,
			wantSteps: []int{100},
			want:      map[string]any{"steps": 1},
		},
		{
			name:      "reports each step",
			input:     `{"steps":4,"payload":{"a":1}}`,
			wantSteps: []int{25, 50, 75, 100},
			want:      map[string]any{"steps": 4, "payload": map[string]any{"a": float64(1)}},
		},
		{
			name:      "fails after steps",
			input:     `{"steps":2,"fail":"boom"}`,
			wantSteps: []int{50, 100},
			wantErr:   "boom",
		},
		{
			name:    "invalid input",
			input:   `[1,2]`,
			wantErr: "invalid echo input",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var steps []int
			out, err := EchoExecutor{}.ExecuteWithCheckpoints(context.Background(), json.RawMessage(tc.input),
				func(pct int, _ string) { steps = append(steps, pct) })

			assert.Equal(t, tc.wantSteps, steps)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestEchoExecutor_HonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := EchoExecutor{}.Execute(ctx, json.RawMessage(`{"steps":3,"delay_ms":50}`))
	assert.ErrorIs(t, err, context.Canceled)
}
