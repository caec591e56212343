package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/recollection-api/internal/domain"
	"github.com/phrazzld/recollection-api/internal/events"
	"github.com/phrazzld/recollection-api/internal/platform/telemetry"
	"github.com/phrazzld/recollection-api/internal/store"
)

// Session errors returned by Deliver.
var (
	ErrSessionClosed = errors.New("session closed")
	ErrBackpressure  = errors.New("observer send buffer full")
)

// CloseCode is a WebSocket close status.
type CloseCode int

// Close codes used by sessions.
const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	ClosePolicyViolation CloseCode = 1008
	CloseInternalError   CloseCode = 1011
)

// Conn is the client connection a Session drives. ReadText blocks until the
// next text frame arrives. Close is safe to call more than once.
type Conn interface {
	ReadText(ctx context.Context) (string, error)
	WriteJSON(ctx context.Context, v any) error
	Close(code CloseCode, reason string) error
}

// TaskReader is the read side of the task store a session needs.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string, ownerID uuid.UUID) (*domain.Task, error)
	GetTaskByID(ctx context.Context, taskID string) (*domain.Task, error)
}

// SessionState is the lifecycle state of a Session.
type SessionState int32

// Session states.
const (
	SessionConnecting SessionState = iota
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig tunes a Session.
type SessionConfig struct {
	// SendBuffer is the outbound queue length. Defaults to 32.
	SendBuffer int
	// WriteTimeout bounds each frame write. Defaults to 10s.
	WriteTimeout time.Duration
}

// Session streams the events of one task to one client connection.
type Session struct {
	taskID   string
	ownerID  *uuid.UUID
	conn     Conn
	tasks    TaskReader
	registry *Registry
	cfg      SessionConfig
	log      *slog.Logger
	metrics  *telemetry.Metrics

	state    atomic.Int32
	outbound chan events.Event
	closed   chan struct{}
	overflow chan struct{}

	closeOnce    sync.Once
	overflowOnce sync.Once
}

var _ Observer = (*Session)(nil)

// NewSession creates a session for taskID. A nil ownerID lets any client
// observe the task by ID; otherwise the task must belong to the owner.
func NewSession(
	taskID string,
	ownerID *uuid.UUID,
	conn Conn,
	tasks TaskReader,
	registry *Registry,
	cfg SessionConfig,
	log *slog.Logger,
	metrics *telemetry.Metrics,
) *Session {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		taskID:   taskID,
		ownerID:  ownerID,
		conn:     conn,
		tasks:    tasks,
		registry: registry,
		cfg:      cfg,
		log:      log.With("component", "observer_session", "task_id", taskID),
		metrics:  metrics,
		outbound: make(chan events.Event, cfg.SendBuffer),
		closed:   make(chan struct{}),
		overflow: make(chan struct{}),
	}
}

// TaskID returns the observed task.
func (s *Session) TaskID() string { return s.taskID }

// State returns the current state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Deliver queues e without blocking. When the queue is full the session is
// marked for closing and ErrBackpressure is returned.
func (s *Session) Deliver(e events.Event) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- e:
		return nil
	default:
		s.overflowOnce.Do(func() { close(s.overflow) })
		return ErrBackpressure
	}
}

func (s *Session) lookup(ctx context.Context) (*domain.Task, error) {
	if s.ownerID != nil {
		return s.tasks.GetTask(ctx, s.taskID, *s.ownerID)
	}
	return s.tasks.GetTaskByID(ctx, s.taskID)
}

// reload replaces a truncated terminal event with one built from the stored
// task. On a lookup error the truncated event is kept.
func (s *Session) reload(ctx context.Context, e events.Event) events.Event {
	task, err := s.lookup(ctx)
	if err != nil || !task.Status.IsTerminal() {
		s.log.Warn("could not reload truncated terminal event", "error", err)
		return e
	}
	return events.FromTask(task)
}

func (s *Session) write(ctx context.Context, e events.Event) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.conn.WriteJSON(wctx, e)
}

func (s *Session) close(code CloseCode, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SessionClosed))
		close(s.closed)
		if err := s.conn.Close(code, reason); err != nil {
			s.log.Debug("error closing connection", "error", err)
		}
	})
}

// Run drives the session until the task finishes, the client goes away, the
// observer falls behind or ctx is cancelled. It always closes the connection.
// A missing task is reported to the client and is not an error.
func (s *Session) Run(ctx context.Context) error {
	if _, err := s.lookup(ctx); err != nil {
		return s.rejectLookup(ctx, err)
	}

	// Register before taking the snapshot so an event published in between
	// is queued rather than lost.
	s.registry.Register(s.taskID, s)
	defer s.registry.Unregister(s.taskID, s)

	task, err := s.lookup(ctx)
	if err != nil {
		return s.rejectLookup(ctx, err)
	}

	s.state.Store(int32(SessionActive))
	s.metrics.SessionOpened(ctx)
	defer s.metrics.SessionClosed(context.WithoutCancel(ctx))

	if err := s.write(ctx, events.Snapshot(task)); err != nil {
		s.close(CloseInternalError, "write failed")
		return err
	}
	if task.Status.IsTerminal() {
		s.close(CloseNormal, "task finished")
		return nil
	}

	s.log.Debug("observer attached", "status", task.Status)
	return s.loop(ctx, task.ProgressPercent)
}

func (s *Session) rejectLookup(ctx context.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAccessDenied) {
		s.log.Debug("observer requested unknown task")
		_ = s.write(ctx, events.ErrorEvent(s.taskID, "Task not found"))
		s.close(ClosePolicyViolation, "task not found")
		return nil
	}

	s.log.Error("failed to load task for observer", "error", err)
	_ = s.write(ctx, events.ErrorEvent(s.taskID, "Internal server error"))
	s.close(CloseInternalError, "internal error")
	return err
}

func (s *Session) loop(ctx context.Context, lastPercent int) error {
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	incoming := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := s.conn.ReadText(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- msg:
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case e := <-s.outbound:
			// events queued before the snapshot may be older than it
			if !e.IsTerminal() && e.ProgressPercent != nil && *e.ProgressPercent < lastPercent {
				continue
			}
			if e.ProgressPercent != nil {
				lastPercent = *e.ProgressPercent
			}
			if e.IsTerminal() && e.Truncated {
				e = s.reload(ctx, e)
			}
			if err := s.write(ctx, e); err != nil {
				s.log.Debug("failed to write event", "error", err)
				s.close(CloseInternalError, "write failed")
				return nil
			}
			if e.IsTerminal() {
				s.close(CloseNormal, "task finished")
				return nil
			}

		case msg := <-incoming:
			if strings.TrimSpace(msg) != "ping" {
				s.log.Debug("ignoring client message")
				continue
			}
			if err := s.write(ctx, events.Pong()); err != nil {
				s.close(CloseInternalError, "write failed")
				return nil
			}

		case err := <-readErr:
			s.log.Debug("observer disconnected", "error", err)
			s.close(CloseNormal, "")
			return nil

		case <-s.overflow:
			s.log.Warn("closing slow observer")
			s.close(ClosePolicyViolation, "backpressure")
			return nil

		case <-ctx.Done():
			s.close(CloseGoingAway, "server shutting down")
			return nil
		}
	}
}
