// Package api exposes the job runner over HTTP. Clients submit jobs and read
// task status through JSON endpoints and watch a task live over a WebSocket
// that streams its progress events until the task finishes.
package api
