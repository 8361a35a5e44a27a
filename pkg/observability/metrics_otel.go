package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the billing counters onto the OpenTelemetry meter so
// they are exported over OTLP alongside traces.
type OTelMetrics struct {
	transitions     metric.Int64Counter
	webhookEvents   metric.Int64Counter
	usageRejections metric.Int64Counter
	sweepFailures   metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(InstrumentationName)

	m := &OTelMetrics{}
	var err error

	m.transitions, err = meter.Int64Counter(
		"rentbill.subscription.transitions",
		metric.WithDescription("Subscription status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.webhookEvents, err = meter.Int64Counter(
		"rentbill.webhook.events",
		metric.WithDescription("Inbound billing events by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook counter: %w", err)
	}

	m.usageRejections, err = meter.Int64Counter(
		"rentbill.usage.rejections",
		metric.WithDescription("Mutations rejected by the usage limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage rejection counter: %w", err)
	}

	m.sweepFailures, err = meter.Int64Counter(
		"rentbill.sweep.failures",
		metric.WithDescription("Per-item failures during reconciliation sweeps"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep failure counter: %w", err)
	}

	return m, nil
}

// WithOTel attaches OTel instruments so every Observe* call is mirrored
func (m *Metrics) WithOTel(o *OTelMetrics) *Metrics {
	if m != nil {
		m.otel = o
	}
	return m
}

func (o *OTelMetrics) recordTransition(from, to, trigger string) {
	if o == nil {
		return
	}
	o.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("trigger", trigger),
	))
}

func (o *OTelMetrics) recordWebhook(eventType, outcome string) {
	if o == nil {
		return
	}
	o.webhookEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

func (o *OTelMetrics) recordUsageRejection(kind string) {
	if o == nil {
		return
	}
	o.usageRejections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (o *OTelMetrics) recordSweepFailures(job string, failed int) {
	if o == nil || failed == 0 {
		return
	}
	o.sweepFailures.Add(context.Background(), int64(failed), metric.WithAttributes(attribute.String("job", job)))
}
