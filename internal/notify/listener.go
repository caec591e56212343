package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/phrazzld/recollection-api/internal/bus"
	"github.com/phrazzld/recollection-api/internal/events"
	"github.com/phrazzld/recollection-api/internal/platform/telemetry"
)

// ErrListenerRunning is returned by Start when the listener is not stopped.
var ErrListenerRunning = errors.New("listener already running")

// State is the lifecycle state of a Listener.
type State int32

// Listener states.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateReconnecting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Dispatcher receives decoded events. *Registry implements it.
type Dispatcher interface {
	Dispatch(taskID string, e events.Event) int
}

// ListenerConfig tunes a Listener.
type ListenerConfig struct {
	// Pattern defaults to events.TaskChannelPattern.
	Pattern string
	// ReconnectInterval is the wait before resubscribing. Defaults to 5s.
	ReconnectInterval time.Duration
	// MaxReconnectInterval enables exponential backoff capped at this value
	// when greater than ReconnectInterval.
	MaxReconnectInterval time.Duration
}

// Listener holds one pattern subscription on the bus and forwards every
// decoded event to the Dispatcher. Transport failures are retried forever.
type Listener struct {
	bus        bus.Bus
	dispatcher Dispatcher
	cfg        ListenerConfig
	log        *slog.Logger
	metrics    *telemetry.Metrics

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a stopped Listener.
func NewListener(
	b bus.Bus,
	d Dispatcher,
	cfg ListenerConfig,
	log *slog.Logger,
	metrics *telemetry.Metrics,
) *Listener {
	if cfg.Pattern == "" {
		cfg.Pattern = events.TaskChannelPattern
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		bus:        b,
		dispatcher: d,
		cfg:        cfg,
		log:        log.With("component", "bus_listener", "pattern", cfg.Pattern),
		metrics:    metrics,
	}
}

// State returns the current state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Stopping is only left by the run loop exiting.
	if l.state == StateStopping && s != StateStopped {
		return
	}
	l.state = s
}

// Start launches the supervised subscription loop. A subscription that
// cannot be opened is retried in the background, so Start only fails when
// the listener is already running. Cancelling ctx stops the loop.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateStopped {
		return ErrListenerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.state = StateStarting
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(runCtx, l.done)
	return nil
}

// Stop cancels the loop, closes the subscription and waits for the loop to
// exit. It is idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state == StateStopped || l.done == nil {
		l.mu.Unlock()
		return
	}
	l.state = StateStopping
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	l.log.Info("listener stopped")
}

func (l *Listener) newBackOff() backoff.BackOff {
	if l.cfg.MaxReconnectInterval > l.cfg.ReconnectInterval {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = l.cfg.ReconnectInterval
		eb.MaxInterval = l.cfg.MaxReconnectInterval
		eb.MaxElapsedTime = 0
		eb.Reset()
		return eb
	}
	return backoff.NewConstantBackOff(l.cfg.ReconnectInterval)
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.state = StateStopped
		l.mu.Unlock()
		close(done)
	}()

	b := l.newBackOff()
	for {
		sub, err := l.bus.PSubscribe(ctx, l.cfg.Pattern)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Error("failed to subscribe to event bus", "error", err)
			if !l.reconnectAfter(ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		l.setState(StateRunning)
		b.Reset()
		l.log.Info("listener subscribed")

		err = l.consume(ctx, sub)
		if closeErr := sub.Close(); closeErr != nil {
			l.log.Debug("error closing subscription", "error", closeErr)
		}
		if ctx.Err() != nil {
			return
		}

		l.log.Warn("event bus subscription lost", "error", err)
		if !l.reconnectAfter(ctx, b.NextBackOff()) {
			return
		}
	}
}

// reconnectAfter moves to Reconnecting and waits d. It returns false if ctx
// ended during the wait.
func (l *Listener) reconnectAfter(ctx context.Context, d time.Duration) bool {
	l.setState(StateReconnecting)
	l.metrics.Reconnected(ctx)
	l.log.Info("resubscribing after delay", "delay", d.String())

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Listener) consume(ctx context.Context, sub bus.Subscription) error {
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, msg)
	}
}

func (l *Listener) handle(ctx context.Context, msg bus.Message) {
	taskID, ok := events.TaskIDFromChannel(msg.Channel)
	if !ok {
		l.log.Warn("dropping message on unexpected channel", "channel", msg.Channel)
		return
	}

	e, err := events.Decode(msg.Payload)
	if err != nil {
		l.metrics.Malformed(ctx)
		l.log.Warn("dropping malformed event",
			"channel", msg.Channel,
			"error", err)
		return
	}

	// the channel name is authoritative for routing
	e.TaskID = taskID

	n := l.dispatcher.Dispatch(taskID, e)
	l.log.Debug("event dispatched",
		"task_id", taskID,
		"event", e.Event,
		"observers", n)
}
