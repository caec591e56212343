// Package task runs background jobs and reports their progress.
//
// The Runner persists a task record, queues a Job and lets a fixed pool of
// workers execute it through the executor registered for its kind. Every
// status change goes through the Publisher, which updates the store first
// and then announces the new state on the event bus.
package task
