package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/recollection-api/internal/config"
	"github.com/phrazzld/recollection-api/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// scriptedModels returns its responses in order, repeating the last one.
type scriptedModels struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	script  []scripted
}

type scripted struct {
	resp *genai.GenerateContentResponse
	err  error
}

func (m *scriptedModels) GenerateContent(
	_ context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if model != "test-model" || cfg == nil || cfg.ResponseMIMEType != "application/json" {
		return nil, errors.New("unexpected request")
	}
	m.prompts = append(m.prompts, contents[0].Parts[0].Text)

	i := m.calls
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	m.calls++
	return m.script[i].resp, m.script[i].err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func newTestExecutor(t *testing.T, kind string, models ContentGenerator) *Executor {
	t.Helper()
	e, err := NewExecutor(kind, models, config.LLMConfig{ModelName: "test-model", MaxRetries: 2}, nil)
	require.NoError(t, err)
	e.retryDelay = time.Millisecond
	return e
}

func TestExecutor_ContentLoad(t *testing.T) {
	t.Parallel()

	models := &scriptedModels{script: []scripted{
		{resp: textResponse("```json\n{\"title\":\"Go\",\"key_points\":[\"a\"]}\n```")},
	}}
	e := newTestExecutor(t, pipeline.KindContentLoad, models)

	var steps []int
	out, err := e.ExecuteWithCheckpoints(context.Background(),
		json.RawMessage(`{"url":"https://go.dev/doc"}`),
		func(pct int, _ string) { steps = append(steps, pct) })
	require.NoError(t, err)

	assert.Equal(t, "Go", out["title"])
	assert.Equal(t, []any{"a"}, out["key_points"])
	assert.Equal(t, []int{20, 40, 80}, steps)
	require.Len(t, models.prompts, 1)
	assert.Contains(t, models.prompts[0], "Source URL: https://go.dev/doc")
}

func TestExecutor_CourseGeneratePrompt(t *testing.T) {
	t.Parallel()

	models := &scriptedModels{script: []scripted{{resp: textResponse(`{"course_title":"Intro"}`)}}}
	e := newTestExecutor(t, pipeline.KindCourseGenerate, models)

	out, err := e.Execute(context.Background(), json.RawMessage(`{"content_ids":["c1","c2"],"topic":"Go"}`))
	require.NoError(t, err)
	assert.Equal(t, "Intro", out["course_title"])
	assert.Contains(t, models.prompts[0], "- c1\n- c2")
	assert.Contains(t, models.prompts[0], "Course topic: Go")
}

func TestExecutor_InvalidInput(t *testing.T) {
	t.Parallel()

	models := &scriptedModels{script: []scripted{{resp: textResponse(`{}`)}}}
	e := newTestExecutor(t, pipeline.KindCourseGenerate, models)

	for _, input := range []string{`not json`, `{}`, `{"content_ids":[]}`} {
		_, err := e.Execute(context.Background(), json.RawMessage(input))
		assert.ErrorIs(t, err, ErrInvalidInput, input)
	}
	assert.Zero(t, models.calls)
}

func TestExecutor_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	models := &scriptedModels{script: []scripted{
		{err: errors.New("503 unavailable")},
		{err: errors.New("503 unavailable")},
		{resp: textResponse(`{"title":"ok"}`)},
	}}
	e := newTestExecutor(t, pipeline.KindContentLoad, models)

	out, err := e.Execute(context.Background(), json.RawMessage(`{"url":"https://x.test"}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", out["title"])
	assert.Equal(t, 3, models.calls)
}

func TestExecutor_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	models := &scriptedModels{script: []scripted{{err: errors.New("network timeout")}}}
	e := newTestExecutor(t, pipeline.KindContentLoad, models)

	_, err := e.Execute(context.Background(), json.RawMessage(`{"url":"https://x.test"}`))
	assert.ErrorIs(t, err, ErrTransientFailure)
	assert.Contains(t, err.Error(), "network timeout")
	assert.Equal(t, 3, models.calls)
}

func TestExecutor_PermanentFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want error
	}{
		{name: "nil response", resp: nil, want: ErrInvalidResponse},
		{name: "no candidates", resp: &genai.GenerateContentResponse{}, want: ErrInvalidResponse},
		{
			name: "safety block",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}},
			want: ErrContentBlocked,
		},
		{name: "not json", resp: textResponse("sorry, no"), want: ErrInvalidResponse},
		{name: "json array", resp: textResponse(`[1,2]`), want: ErrInvalidResponse},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			models := &scriptedModels{script: []scripted{{resp: tc.resp}}}
			e := newTestExecutor(t, pipeline.KindContentLoad, models)

			_, err := e.Execute(context.Background(), json.RawMessage(`{"url":"https://x.test"}`))
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 1, models.calls)
		})
	}
}

func TestNewExecutor_InvalidConfig(t *testing.T) {
	t.Parallel()

	models := &scriptedModels{}
	_, err := NewExecutor("unknown", models, config.LLMConfig{ModelName: "m"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewExecutor(pipeline.KindContentLoad, models, config.LLMConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewExecutor(pipeline.KindContentLoad, nil, config.LLMConfig{ModelName: "m"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = Register(context.Background(), pipeline.NewRegistry(), config.LLMConfig{ModelName: "m"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
