package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phrazzld/recollection-api/internal/domain"
)

// Kind names the type of an event on the wire.
type Kind string

// Event kinds sent to observers.
const (
	KindStatus    Kind = "status"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindPong      Kind = "pong"
	KindError     Kind = "error"
)

// ChannelPrefix is the bus channel prefix for per-task events.
const ChannelPrefix = "task:"

// TaskChannelPattern matches every per-task channel.
const TaskChannelPattern = ChannelPrefix + "*"

// ErrMalformedEvent is returned by Decode for payloads that are not a valid event.
var ErrMalformedEvent = errors.New("malformed event payload")

// Event is the JSON message exchanged on the bus and with observers.
// Optional fields are omitted when unset.
type Event struct {
	Event           Kind              `json:"event"`
	TaskID          string            `json:"task_id,omitempty"`
	Status          domain.TaskStatus `json:"status,omitempty"`
	ProgressPercent *int              `json:"progress_percent,omitempty"`
	CurrentStep     *string           `json:"current_step,omitempty"`
	Result          map[string]any    `json:"result,omitempty"`
	Error           *string           `json:"error,omitempty"`
	CreatedAt       *time.Time        `json:"created_at,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`

	// Truncated marks a terminal event whose result or error was cut to fit
	// the transport. The stored task holds the full value.
	Truncated bool `json:"truncated,omitempty"`
}

// IsTerminal reports whether e ends the observation of its task.
func (e Event) IsTerminal() bool {
	return e.Event == KindCompleted || e.Event == KindFailed
}

// ChannelForTask returns the bus channel for taskID.
func ChannelForTask(taskID string) string {
	return ChannelPrefix + taskID
}

// TaskIDFromChannel extracts the task ID from a per-task channel name.
// Everything after the first ':' is the ID, so IDs may themselves contain ':'.
func TaskIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// FromTask builds the event announcing the state of t after an update.
// SUCCESS yields completed, FAILURE yields failed and anything else progress.
func FromTask(t *domain.Task) Event {
	pct := t.ProgressPercent
	e := Event{
		TaskID:          t.ID,
		Status:          t.Status,
		ProgressPercent: &pct,
		CurrentStep:     t.CurrentStep,
	}

	switch t.Status {
	case domain.TaskStatusSuccess:
		e.Event = KindCompleted
		e.Result = t.Result
		e.CompletedAt = t.CompletedAt
	case domain.TaskStatusFailure:
		e.Event = KindFailed
		e.Error = t.ErrorMessage
		e.CompletedAt = t.CompletedAt
	default:
		e.Event = KindProgress
	}

	return e
}

// Snapshot builds the status event sent to an observer when it attaches.
func Snapshot(t *domain.Task) Event {
	pct := t.ProgressPercent
	created := t.CreatedAt
	return Event{
		Event:           KindStatus,
		TaskID:          t.ID,
		Status:          t.Status,
		ProgressPercent: &pct,
		CurrentStep:     t.CurrentStep,
		Result:          t.Result,
		Error:           t.ErrorMessage,
		CreatedAt:       &created,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

// MaxTruncatedError bounds the error text kept by Truncate.
const MaxTruncatedError = 1024

// Truncate returns a copy of e without its result and with the error cut to
// MaxTruncatedError bytes, for transports that limit payload size.
func Truncate(e Event) Event {
	e.Result = nil
	if e.Error != nil && len(*e.Error) > MaxTruncatedError {
		msg := strings.ToValidUTF8((*e.Error)[:MaxTruncatedError], "")
		e.Error = &msg
	}
	e.Truncated = true
	return e
}

// Pong is the reply to a client ping.
func Pong() Event {
	return Event{Event: KindPong}
}

// ErrorEvent reports a problem to an observer.
func ErrorEvent(taskID, message string) Event {
	return Event{Event: KindError, TaskID: taskID, Error: &message}
}

// Encode serializes e for the bus.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a bus payload. Payloads that are not JSON objects or lack
// an event kind are rejected with ErrMalformedEvent.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if e.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event kind", ErrMalformedEvent)
	}
	return e, nil
}
