package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/phrazzld/recollection-api/internal/events"
	"github.com/phrazzld/recollection-api/internal/platform/telemetry"
)

const shardCount = 32

// Observer receives events for one task. Deliver must not block: it either
// queues the event or returns an error, after which the observer is dropped.
// Implementations must be comparable (typically a pointer).
type Observer interface {
	Deliver(e events.Event) error
}

type shard struct {
	mu    sync.RWMutex
	tasks map[string]map[Observer]struct{}
}

// Registry maps task IDs to the observers currently attached to them.
// Tasks are spread over shards so unrelated tasks rarely share a lock.
type Registry struct {
	shards  [shardCount]*shard
	log     *slog.Logger
	metrics *telemetry.Metrics
}

// NewRegistry creates an empty Registry. metrics may be nil.
func NewRegistry(log *slog.Logger, metrics *telemetry.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:     log.With("component", "fanout_registry"),
		metrics: metrics,
	}
	for i := range r.shards {
		r.shards[i] = &shard{tasks: make(map[string]map[Observer]struct{})}
	}
	return r
}

func (r *Registry) shardFor(taskID string) *shard {
	return r.shards[xxhash.Sum64String(taskID)%shardCount]
}

// Register attaches o to taskID.
func (r *Registry) Register(taskID string, o Observer) {
	s := r.shardFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tasks[taskID]
	if !ok {
		set = make(map[Observer]struct{})
		s.tasks[taskID] = set
	}
	set[o] = struct{}{}
}

// Unregister detaches o from taskID. Removing the last observer deletes the
// task entry. Unknown pairs are ignored.
func (r *Registry) Unregister(taskID string, o Observer) {
	s := r.shardFor(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tasks[taskID]
	if !ok {
		return
	}
	delete(set, o)
	if len(set) == 0 {
		delete(s.tasks, taskID)
	}
}

// Dispatch delivers e to every observer of taskID and returns how many
// accepted it. Observers whose Deliver fails are unregistered; the rest
// still receive the event. Dispatch to a task without observers is a no-op.
func (r *Registry) Dispatch(taskID string, e events.Event) int {
	s := r.shardFor(taskID)

	s.mu.RLock()
	set := s.tasks[taskID]
	observers := make([]Observer, 0, len(set))
	for o := range set {
		observers = append(observers, o)
	}
	s.mu.RUnlock()

	if len(observers) == 0 {
		return 0
	}

	delivered := 0
	var failed []Observer
	for _, o := range observers {
		if err := o.Deliver(e); err != nil {
			r.log.Warn("dropping observer after failed delivery",
				"task_id", taskID,
				"event", e.Event,
				"error", err)
			failed = append(failed, o)
			continue
		}
		delivered++
	}

	for _, o := range failed {
		r.Unregister(taskID, o)
	}

	r.metrics.Dispatched(context.Background(), delivered, len(failed))
	return delivered
}

// Count returns the number of observers attached to taskID.
func (r *Registry) Count(taskID string) int {
	s := r.shardFor(taskID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks[taskID])
}

// Tasks returns the number of tasks with at least one observer.
func (r *Registry) Tasks() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.tasks)
		s.mu.RUnlock()
	}
	return n
}
