// Package telemetry owns the OpenTelemetry meter provider and the metric
// instruments recorded by the task notification pipeline.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for all instruments.
const MeterName = "github.com/phrazzld/recollection-api"

// Metrics holds all metric instruments. A nil *Metrics is valid and records
// nothing, so components can be constructed without telemetry in tests.
type Metrics struct {
	TasksSubmitted    metric.Int64Counter
	TasksFinished     metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	EventsPublished   metric.Int64Counter
	PublishFailures   metric.Int64Counter
	EventsDispatched  metric.Int64Counter
	ObserversDropped  metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
	ListenerReconnect metric.Int64Counter
	MalformedEvents   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksSubmitted, err = meter.Int64Counter("recollect.tasks.submitted",
		metric.WithDescription("Tasks accepted by the runner"),
	); err != nil {
		return nil, err
	}

	if m.TasksFinished, err = meter.Int64Counter("recollect.tasks.finished",
		metric.WithDescription("Tasks that reached a terminal status"),
	); err != nil {
		return nil, err
	}

	if m.TaskDuration, err = meter.Float64Histogram("recollect.tasks.duration",
		metric.WithDescription("Job execution time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.EventsPublished, err = meter.Int64Counter("recollect.bus.published",
		metric.WithDescription("Task events published on the bus"),
	); err != nil {
		return nil, err
	}

	if m.PublishFailures, err = meter.Int64Counter("recollect.bus.publish_failures",
		metric.WithDescription("Task events the bus failed to accept"),
	); err != nil {
		return nil, err
	}

	if m.EventsDispatched, err = meter.Int64Counter("recollect.fanout.dispatched",
		metric.WithDescription("Events delivered to observers"),
	); err != nil {
		return nil, err
	}

	if m.ObserversDropped, err = meter.Int64Counter("recollect.fanout.dropped",
		metric.WithDescription("Observers removed after a failed delivery"),
	); err != nil {
		return nil, err
	}

	if m.ActiveSessions, err = meter.Int64UpDownCounter("recollect.sessions.active",
		metric.WithDescription("Currently connected observer sessions"),
	); err != nil {
		return nil, err
	}

	if m.ListenerReconnect, err = meter.Int64Counter("recollect.listener.reconnects",
		metric.WithDescription("Bus listener resubscribe attempts"),
	); err != nil {
		return nil, err
	}

	if m.MalformedEvents, err = meter.Int64Counter("recollect.listener.malformed",
		metric.WithDescription("Bus payloads dropped because they could not be decoded"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// TaskSubmitted records an accepted task of the given kind.
func (m *Metrics) TaskSubmitted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// TaskFinished records a terminal status and the job's run time.
func (m *Metrics) TaskFinished(ctx context.Context, kind, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.TasksFinished.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, seconds, attrs)
}

// Published records the outcome of one bus publish.
func (m *Metrics) Published(ctx context.Context, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PublishFailures.Add(ctx, 1)
		return
	}
	m.EventsPublished.Add(ctx, 1)
}

// Dispatched records deliveries and drops for one fan-out.
func (m *Metrics) Dispatched(ctx context.Context, delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.EventsDispatched.Add(ctx, int64(delivered))
	}
	if dropped > 0 {
		m.ObserversDropped.Add(ctx, int64(dropped))
	}
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

// Reconnected records one listener resubscribe attempt.
func (m *Metrics) Reconnected(ctx context.Context) {
	if m == nil {
		return
	}
	m.ListenerReconnect.Add(ctx, 1)
}

// Malformed records one dropped bus payload.
func (m *Metrics) Malformed(ctx context.Context) {
	if m == nil {
		return
	}
	m.MalformedEvents.Add(ctx, 1)
}
