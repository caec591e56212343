// Package pipeline defines the work executed by background jobs and the
// registry that maps job kinds to their executors.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Job kinds served by the HTTP API.
const (
	KindContentLoad    = "content.load"
	KindCourseGenerate = "course.generate"
)

// Registry errors.
var (
	ErrEmptyKind     = errors.New("executor kind cannot be empty")
	ErrDuplicateKind = errors.New("executor already registered for kind")
	ErrNilExecutor   = errors.New("executor cannot be nil")
)

// Executor performs one job and returns its result object.
type Executor interface {
	Execute(ctx context.Context, input json.RawMessage) (map[string]any, error)
}

// Checkpoint reports intermediate progress of a running job.
type Checkpoint func(percent int, step string)

// CheckpointExecutor is an Executor that reports its own progress.
// The runner calls ExecuteWithCheckpoints instead of Execute.
type CheckpointExecutor interface {
	Executor
	ExecuteWithCheckpoints(ctx context.Context, input json.RawMessage, report Checkpoint) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, input json.RawMessage) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, input json.RawMessage) (map[string]any, error) {
	return f(ctx, input)
}

// Registry maps job kinds to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds kind to e.
func (r *Registry) Register(kind string, e Executor) error {
	if kind == "" {
		return ErrEmptyKind
	}
	if e == nil {
		return ErrNilExecutor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.executors[kind] = e
	return nil
}

// Lookup returns the executor bound to kind.
func (r *Registry) Lookup(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	return e, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
