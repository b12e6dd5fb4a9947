package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "eventflow"

// Metrics groups the counters recorded by the orchestration core.
type Metrics struct {
	outcomes     metric.Int64Counter
	retries      metric.Int64Counter
	deadLettered metric.Int64Counter
	published    metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	outcomes, err := meter.Int64Counter("eventflow.workflow.outcomes",
		metric.WithDescription("Envelopes handled by an orchestrator, by workflow and outcome"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("eventflow.consumer.retries",
		metric.WithDescription("Orchestrator re-invocations after a retryable failure"))
	if err != nil {
		return nil, err
	}
	deadLettered, err := meter.Int64Counter("eventflow.consumer.dead_lettered",
		metric.WithDescription("Messages routed to a dead-letter topic"))
	if err != nil {
		return nil, err
	}
	published, err := meter.Int64Counter("eventflow.outbox.published",
		metric.WithDescription("Follow-on events published from the outbox"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		outcomes:     outcomes,
		retries:      retries,
		deadLettered: deadLettered,
		published:    published,
	}, nil
}

// NopMetrics returns instruments bound to the global provider, falling back to a
// zero value when instrument creation fails. Used by tests and tools.
func NopMetrics() *Metrics {
	m, err := NewMetrics()
	if err != nil {
		return &Metrics{}
	}
	return m
}

func (m *Metrics) RecordOutcome(ctx context.Context, workflow, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordRetry(ctx context.Context, topic string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) RecordDeadLetter(ctx context.Context, topic, class string) {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("error_class", class),
	))
}

func (m *Metrics) RecordPublished(ctx context.Context, topic string, n int) {
	if m == nil || m.published == nil || n == 0 {
		return
	}
	m.published.Add(ctx, int64(n), metric.WithAttributes(attribute.String("topic", topic)))
}
