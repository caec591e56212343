package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is one unit of background work bound to a persisted task record.
type Job struct {
	TaskID     string
	OwnerID    uuid.UUID
	Kind       string
	Input      json.RawMessage
	EnqueuedAt time.Time
}

// JobSpec describes the work requested by a caller.
type JobSpec struct {
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input,omitempty"`
}

// TaskQueueReader provides read-only access to the job channel
// allowing workers to consume jobs without the ability to enqueue.
type TaskQueueReader interface {
	// GetChannel returns a read-only channel for consuming jobs
	GetChannel() <-chan Job
}

// TaskQueueWriter provides write access to the job queue.
type TaskQueueWriter interface {
	// Enqueue adds a job to the queue for processing.
	// Returns an error if the queue is full or closed.
	Enqueue(job Job) error

	// Close closes the queue, preventing further submission
	Close()
}
