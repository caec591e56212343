// Package redis implements the event bus on Redis PUBLISH / PSUBSCRIBE.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/recollection-api/internal/bus"
)

// Bus is a bus.Bus backed by a Redis client.
type Bus struct {
	client *goredis.Client
	log    *slog.Logger
}

var _ bus.Bus = (*Bus)(nil)

// New connects to the Redis server at url (redis://host:port/db).
// The connection is established lazily; use Ping to verify it.
func New(url string, log *slog.Logger) (*Bus, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewWithClient(goredis.NewClient(opts), log), nil
}

// NewWithClient wraps an existing client. The Bus takes ownership of it.
func NewWithClient(client *goredis.Client, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		client: client,
		log:    log.With("component", "redis_bus"),
	}
}

// Ping verifies the server is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", bus.ErrTransportUnavailable, err)
	}
	return nil
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return b.mapError(ctx, err)
	}
	return nil
}

// PSubscribe implements bus.Bus. It waits for the server to confirm the
// subscription so that a dead server is reported here rather than on the
// first Receive.
func (b *Bus) PSubscribe(ctx context.Context, pattern string) (bus.Subscription, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, b.mapError(ctx, err)
	}

	b.log.Debug("pattern subscription confirmed", "pattern", pattern)
	return &subscription{bus: b, ps: ps, pattern: pattern}, nil
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	if err := b.client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}

func (b *Bus) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, goredis.ErrClosed) {
		return bus.ErrClosed
	}
	return fmt.Errorf("%w: %w", bus.ErrTransportUnavailable, err)
}

type subscription struct {
	bus     *Bus
	ps      *goredis.PubSub
	pattern string
}

func (s *subscription) Receive(ctx context.Context) (bus.Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return bus.Message{}, s.bus.mapError(ctx, err)
	}

	pattern := msg.Pattern
	if pattern == "" {
		pattern = s.pattern
	}
	return bus.Message{
		Channel: msg.Channel,
		Pattern: pattern,
		Payload: []byte(msg.Payload),
	}, nil
}

func (s *subscription) Close() error {
	if err := s.ps.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
