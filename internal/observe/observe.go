// Package observe provides opt-in OTel metrics for the event pipeline.
//
// When enabled, the daemon exports pipeline counters and handler
// latency via the OTLP HTTP exporter; configuration comes from the
// standard OTEL env vars. All instrument methods are nil-receiver
// safe, so callers never branch on whether metrics are on.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/nevindra/relay/internal/observe"

// Metrics holds the pipeline instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	eventsPublished  metric.Int64Counter
	eventsSettled    metric.Int64Counter
	handlerDuration  metric.Float64Histogram
	reconnects       metric.Int64Counter
	agentInvocations metric.Int64Counter
}

// Init sets up the OTel meter provider with an OTLP HTTP exporter and
// returns the instruments plus a shutdown function to call on exit.
func Init(ctx context.Context) (*Metrics, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("relay")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	exp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(scopeName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	return m, mp.Shutdown, nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.eventsPublished, err = meter.Int64Counter("relay.events.published",
		metric.WithDescription("Events inserted into the queue")); err != nil {
		return nil, err
	}
	if m.eventsSettled, err = meter.Int64Counter("relay.events.settled",
		metric.WithDescription("Events settled by outcome")); err != nil {
		return nil, err
	}
	if m.handlerDuration, err = meter.Float64Histogram("relay.handler.duration",
		metric.WithDescription("Handler wall time in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("relay.gateway.reconnects",
		metric.WithDescription("Gateway ready transitions, initial connect included")); err != nil {
		return nil, err
	}
	if m.agentInvocations, err = meter.Int64Counter("relay.agent.invocations",
		metric.WithDescription("Agent CLI invocations by outcome")); err != nil {
		return nil, err
	}
	return &m, nil
}

// EventPublished records one queue insert.
func (m *Metrics) EventPublished(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

// EventSettled records an event outcome (done, retry, dead) with its
// handler latency.
func (m *Metrics) EventSettled(ctx context.Context, eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("outcome", outcome),
	)
	m.eventsSettled.Add(ctx, 1, attrs)
	m.handlerDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// Reconnect records one gateway ready transition; the daemon calls it
// from the supervisor's ready hook, so the initial connect counts too.
func (m *Metrics) Reconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

// AgentInvocation records one agent-CLI call.
func (m *Metrics) AgentInvocation(ctx context.Context, source string, failed bool) {
	if m == nil {
		return
	}
	m.agentInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("failed", failed),
	))
}
