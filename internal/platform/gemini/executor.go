package gemini

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"

	"github.com/phrazzld/recollection-api/internal/config"
	"github.com/phrazzld/recollection-api/internal/pipeline"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// promptFiles maps job kinds to their prompt templates and required input keys.
var promptFiles = map[string]struct {
	file     string
	required []string
}{
	pipeline.KindContentLoad:    {file: "prompts/content_load.tmpl", required: []string{"url"}},
	pipeline.KindCourseGenerate: {file: "prompts/course_generate.tmpl", required: []string{"content_ids"}},
}

// ContentGenerator is the subset of the genai client used by executors.
// *genai.Models implements it.
type ContentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Executor runs one job kind against the Gemini API.
type Executor struct {
	kind       string
	required   []string
	prompt     *template.Template
	models     ContentGenerator
	model      string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

var _ pipeline.CheckpointExecutor = (*Executor)(nil)

// NewExecutor creates an executor for kind. Only kinds with a prompt
// template are supported.
func NewExecutor(kind string, models ContentGenerator, cfg config.LLMConfig, logger *slog.Logger) (*Executor, error) {
	if models == nil {
		return nil, fmt.Errorf("%w: content generator cannot be nil", ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	spec, ok := promptFiles[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no prompt for kind %q", ErrInvalidConfig, kind)
	}
	tmpl, err := template.ParseFS(promptFS, spec.file)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %w", ErrInvalidConfig, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	retryDelay := time.Duration(cfg.RetryDelaySeconds) * time.Second
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}

	return &Executor{
		kind:       kind,
		required:   spec.required,
		prompt:     tmpl,
		models:     models,
		model:      cfg.ModelName,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.With("component", "gemini_executor", "kind", kind),
	}, nil
}

// Register creates a Gemini client and registers an executor for every kind
// with a prompt template.
func Register(ctx context.Context, reg *pipeline.Registry, cfg config.LLMConfig, logger *slog.Logger) error {
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create Gemini client: %w", ErrInvalidConfig, err)
	}

	for kind := range promptFiles {
		e, err := NewExecutor(kind, client.Models, cfg, logger)
		if err != nil {
			return err
		}
		if err := reg.Register(kind, e); err != nil {
			return err
		}
	}
	return nil
}

// Execute implements pipeline.Executor.
func (e *Executor) Execute(ctx context.Context, input json.RawMessage) (map[string]any, error) {
	return e.ExecuteWithCheckpoints(ctx, input, func(int, string) {})
}

// ExecuteWithCheckpoints implements pipeline.CheckpointExecutor.
func (e *Executor) ExecuteWithCheckpoints(
	ctx context.Context,
	input json.RawMessage,
	report pipeline.Checkpoint,
) (map[string]any, error) {
	report(20, "Preparing prompt")
	prompt, err := e.createPrompt(input)
	if err != nil {
		return nil, err
	}

	report(40, "Waiting for model")
	text, err := e.generateWithRetry(ctx, prompt)
	if err != nil {
		return nil, err
	}

	report(80, "Parsing response")
	return parseResponse(text)
}

func (e *Executor) createPrompt(input json.RawMessage) (string, error) {
	data := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &data); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	for _, key := range e.required {
		if isEmpty(data[key]) {
			return "", fmt.Errorf("%w: %q is required", ErrInvalidInput, key)
		}
	}

	var buf bytes.Buffer
	if err := e.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	default:
		return false
	}
}

// generateWithRetry calls the model, retrying failed calls with exponential
// backoff. Blocked and malformed responses are not retried.
func (e *Executor) generateWithRetry(ctx context.Context, prompt string) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.retryDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.maxRetries)), ctx)

	attempt := 0
	var text string
	op := func() error {
		attempt++
		e.logger.InfoContext(ctx, "making Gemini API call", "attempt", attempt, "max_attempts", e.maxRetries+1)

		resp, err := e.models.GenerateContent(ctx, e.model, genai.Text(prompt), &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			e.logger.WarnContext(ctx, "Gemini API call failed", "attempt", attempt, "error", err)
			return err
		}

		text, err = responseText(resp)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	notify := func(err error, delay time.Duration) {
		e.logger.InfoContext(ctx, "retrying Gemini API call", "delay", delay.String(), "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, ErrContentBlocked) || errors.Is(err, ErrInvalidResponse) {
			return "", err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %w", ErrTransientFailure, ctxErr)
		}
		return "", fmt.Errorf("%w: failed after %d attempts: %w", ErrTransientFailure, attempt, err)
	}

	e.logger.InfoContext(ctx, "Gemini API call successful", "attempt", attempt)
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", ErrInvalidResponse)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", fmt.Errorf("%w: no content generated", ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", ErrContentBlocked
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content in response", ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty content in response", ErrInvalidResponse)
	}
	return sb.String(), nil
}

// parseResponse decodes the model output as a JSON object, tolerating a
// markdown code fence around it.
func parseResponse(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON response: %w", ErrInvalidResponse, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: response is not a JSON object", ErrInvalidResponse)
	}
	return result, nil
}
