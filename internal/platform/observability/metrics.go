package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/ordertracking/internal/domain"
)

const meterName = "github.com/hanko-field/ordertracking/internal/platform/observability"

// Metrics records order transition decisions, request verification outcomes
// and payment webhook handling.
type Metrics struct {
	transitions   metric.Int64Counter
	verifications metric.Int64Counter
	verifyLatency metric.Float64Histogram
	webhooks      metric.Int64Counter
}

// NewMetrics registers the instruments; a nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	transitions, err := meter.Int64Counter("orders.transitions",
		metric.WithDescription("Order status transition decisions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("observability: register transitions counter: %w", err)
	}
	verifications, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Webhook and service token verification results"))
	if err != nil {
		return nil, fmt.Errorf("observability: register verifications counter: %w", err)
	}
	latency, err := meter.Float64Histogram("auth.verification.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent verifying inbound credentials"))
	if err != nil {
		return nil, fmt.Errorf("observability: register verification latency: %w", err)
	}
	webhooks, err := meter.Int64Counter("payments.webhooks",
		metric.WithDescription("Payment provider webhook events by type and outcome"))
	if err != nil {
		return nil, fmt.Errorf("observability: register webhook counter: %w", err)
	}
	return &Metrics{transitions: transitions, verifications: verifications, verifyLatency: latency, webhooks: webhooks}, nil
}

// RecordTransition counts one transition decision.
func (m *Metrics) RecordTransition(ctx context.Context, from, to domain.OrderStatus, role domain.ActorRole, outcome string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("role", string(role)),
		attribute.String("outcome", outcome),
	))
}

// RecordVerification counts one HMAC or OIDC verification.
func (m *Metrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	m.verifications.Add(ctx, 1, attrs)
	m.verifyLatency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}

// RecordWebhook counts one payment webhook event.
func (m *Metrics) RecordWebhook(ctx context.Context, eventType, outcome string) {
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}
