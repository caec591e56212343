package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KindEcho is a development job that walks through a number of steps and
// returns its input.
const KindEcho = "echo"

const maxEchoSteps = 100

// EchoInput configures an echo job. Fail, when set, makes the job fail after
// its last step with that message.
type EchoInput struct {
	Steps   int             `json:"steps"`
	DelayMS int             `json:"delay_ms"`
	Fail    string          `json:"fail,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EchoExecutor reports a checkpoint per step.
type EchoExecutor struct{}

var _ CheckpointExecutor = EchoExecutor{}

// Execute implements Executor.
func (e EchoExecutor) Execute(ctx context.Context, input json.RawMessage) (map[string]any, error) {
	return e.ExecuteWithCheckpoints(ctx, input, func(int, string) {})
}

// ExecuteWithCheckpoints implements CheckpointExecutor.
func (EchoExecutor) ExecuteWithCheckpoints(
	ctx context.Context,
	input json.RawMessage,
	report Checkpoint,
) (map[string]any, error) {
	var in EchoInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("invalid echo input: %w", err)
		}
	}
	if in.Steps <= 0 {
		in.Steps = 1
	}
	if in.Steps > maxEchoSteps {
		in.Steps = maxEchoSteps
	}

	delay := time.Duration(in.DelayMS) * time.Millisecond
	for i := 1; i <= in.Steps; i++ {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		report(i*100/in.Steps, fmt.Sprintf("Step %d of %d", i, in.Steps))
	}

	if in.Fail != "" {
		return nil, errors.New(in.Fail)
	}

	result := map[string]any{"steps": in.Steps}
	if len(in.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid echo payload: %w", err)
		}
		result["payload"] = payload
	}
	return result, nil
}
