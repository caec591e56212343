package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/phrazzld/recollection-api/internal/bus"
)

// NotifyChannel is the single Postgres notification channel carrying every
// bus message. Bus channels are encoded in the envelope.
const NotifyChannel = "recollect_task_events"

// maxNotifyPayload is the Postgres NOTIFY payload limit minus headroom.
const maxNotifyPayload = 7900

const closeTimeout = 5 * time.Second

// ErrPayloadTooLarge is returned when an envelope exceeds the NOTIFY limit.
var ErrPayloadTooLarge = bus.ErrPayloadTooLarge

type envelope struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// NotifyBus is a bus.Bus over Postgres LISTEN/NOTIFY. Publishing goes through
// the shared pool; each subscription holds a dedicated connection.
type NotifyBus struct {
	db  *sql.DB
	url string
	log *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ bus.Bus = (*NotifyBus)(nil)

// NewNotifyBus creates a NotifyBus publishing through db and listening on
// new connections to url.
func NewNotifyBus(db *sql.DB, url string, log *slog.Logger) *NotifyBus {
	if log == nil {
		log = slog.Default()
	}
	return &NotifyBus{
		db:  db,
		url: url,
		log: log.With("component", "notify_bus"),
	}
}

// Publish implements bus.Bus.
func (b *NotifyBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.isClosed() {
		return bus.ErrClosed
	}

	data, err := json.Marshal(envelope{Channel: channel, Payload: string(payload)})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(data) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}

	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(data)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", bus.ErrTransportUnavailable, err)
	}
	return nil
}

// PSubscribe implements bus.Bus.
func (b *NotifyBus) PSubscribe(ctx context.Context, pattern string) (bus.Subscription, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	if err := bus.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	conn, err := pgx.Connect(ctx, b.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", bus.ErrTransportUnavailable, err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("%w: %w", bus.ErrTransportUnavailable, err)
	}

	return &notifySub{bus: b, conn: conn, pattern: pattern}, nil
}

// Close implements bus.Bus. The shared pool is owned by the caller.
func (b *NotifyBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *NotifyBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// notifySub must be used from one goroutine at a time.
type notifySub struct {
	bus     *NotifyBus
	conn    *pgx.Conn
	pattern string
}

func (s *notifySub) Receive(ctx context.Context) (bus.Message, error) {
	for {
		if s.bus.isClosed() {
			return bus.Message{}, bus.ErrClosed
		}

		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return bus.Message{}, ctxErr
			}
			return bus.Message{}, fmt.Errorf("%w: %w", bus.ErrTransportUnavailable, err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
			s.bus.log.Warn("dropping notification with invalid envelope", "error", err)
			continue
		}
		if !bus.Match(s.pattern, env.Channel) {
			continue
		}

		return bus.Message{
			Channel: env.Channel,
			Pattern: s.pattern,
			Payload: []byte(env.Payload),
		}, nil
	}
}

func (s *notifySub) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.conn.Close(ctx)
}
