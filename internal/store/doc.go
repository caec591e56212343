// Package store defines the task persistence interface and the sentinel
// errors every implementation returns, so callers can branch on failures
// without knowing which backend is in use.
package store
