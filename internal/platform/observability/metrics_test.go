package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	domain "github.com/hanko-field/ordertracking/internal/domain"
)

type countingCounter struct {
	noop.Int64Counter
	mu   sync.Mutex
	adds []attribute.Set
}

func (c *countingCounter) Add(_ context.Context, _ int64, opts ...metric.AddOption) {
	cfg := metric.NewAddConfig(opts)
	c.mu.Lock()
	c.adds = append(c.adds, cfg.Attributes())
	c.mu.Unlock()
}

type countingMeter struct {
	noop.Meter
	counters map[string]*countingCounter
}

func (m *countingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	counter := &countingCounter{}
	m.counters[name] = counter
	return counter, nil
}

func attr(t *testing.T, set attribute.Set, key string) string {
	t.Helper()
	value, ok := set.Value(attribute.Key(key))
	if !ok {
		t.Fatalf("attribute %q missing from %v", key, set.ToSlice())
	}
	return value.Emit()
}

func TestMetricsRecordTransition(t *testing.T) {
	meter := &countingMeter{counters: map[string]*countingCounter{}}
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordTransition(context.Background(), domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.ActorCourier, "applied")

	adds := meter.counters["orders.transitions"].adds
	if len(adds) != 1 {
		t.Fatalf("expected one observation, got %d", len(adds))
	}
	if attr(t, adds[0], "from") != "PROCESSING" || attr(t, adds[0], "to") != "SHIPPED" ||
		attr(t, adds[0], "role") != "COURIER" || attr(t, adds[0], "outcome") != "applied" {
		t.Fatalf("unexpected attributes %v", adds[0].ToSlice())
	}
}

func TestMetricsRecordVerification(t *testing.T) {
	meter := &countingMeter{counters: map[string]*countingCounter{}}
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordVerification(context.Background(), "hmac", false, "nonce_replay", 3*time.Millisecond)

	adds := meter.counters["auth.verifications"].adds
	if len(adds) != 1 {
		t.Fatalf("expected one observation, got %d", len(adds))
	}
	if attr(t, adds[0], "kind") != "hmac" || attr(t, adds[0], "success") != "false" || attr(t, adds[0], "reason") != "nonce_replay" {
		t.Fatalf("unexpected attributes %v", adds[0].ToSlice())
	}
}

func TestMetricsRecordWebhook(t *testing.T) {
	meter := &countingMeter{counters: map[string]*countingCounter{}}
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordWebhook(context.Background(), "payment_intent.succeeded", "captured")

	adds := meter.counters["payments.webhooks"].adds
	if len(adds) != 1 || attr(t, adds[0], "event_type") != "payment_intent.succeeded" || attr(t, adds[0], "outcome") != "captured" {
		t.Fatalf("unexpected webhook observations %v", adds)
	}
}

func TestNewMetricsDefaultsToGlobalMeter(t *testing.T) {
	metrics, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	metrics.RecordTransition(context.Background(), domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.ActorSeller, "applied")
	metrics.RecordVerification(context.Background(), "oidc", true, "ok", time.Millisecond)
}
