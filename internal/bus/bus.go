// Package bus defines the publish/subscribe transport that carries task
// events from workers to the processes holding observer connections.
//
// Delivery is best-effort: a publisher never learns whether anyone received
// a message, and a slow or disconnected subscriber may miss messages.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrTransportUnavailable is returned when the underlying transport cannot
	// accept a publish or keep a subscription alive.
	ErrTransportUnavailable = errors.New("bus transport unavailable")

	// ErrClosed is returned by operations on a closed bus or subscription.
	ErrClosed = errors.New("bus closed")

	// ErrPayloadTooLarge is returned by Publish when the transport cannot
	// carry a payload of that size.
	ErrPayloadTooLarge = errors.New("payload too large for bus transport")
)

// Message is one payload received on a subscription.
type Message struct {
	// Channel is the concrete channel the message was published on.
	Channel string
	// Pattern is the subscription pattern that matched Channel.
	Pattern string
	Payload []byte
}

// Bus publishes payloads to named channels and subscribes to channel patterns.
// Patterns use glob syntax, e.g. "task:*".
type Bus interface {
	// Publish sends payload on channel. It does not wait for subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// PSubscribe opens a subscription to every channel matching pattern.
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	// Close releases the transport. Open subscriptions end with ErrClosed.
	Close() error
}

// Subscription is a live pattern subscription.
type Subscription interface {
	// Receive blocks until a message arrives, ctx is done, or the
	// subscription fails. Transport failures wrap ErrTransportUnavailable.
	Receive(ctx context.Context) (Message, error)

	// Close ends the subscription. It is safe to call more than once.
	Close() error
}
