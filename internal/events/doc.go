// Package events defines the task event message exchanged between workers,
// the event bus and connected observers.
//
// Events are published on one channel per task, named "task:<task_id>".
// Listeners subscribe with the pattern "task:*" and recover the task ID from
// the channel name.
package events
