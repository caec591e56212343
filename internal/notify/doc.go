// Package notify delivers task events to live observers.
//
// A Listener holds a single pattern subscription on the event bus and hands
// every decoded event to the Registry, which fans it out to the Sessions
// attached to that task. Sessions own one client connection each and close
// themselves when the task reaches a terminal status.
package notify
