// Package domain holds the task record and the rules for changing it: the
// allowed status transitions, monotonic progress and the terminal states
// that freeze a record.
package domain
