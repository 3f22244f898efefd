package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	ctx := context.Background()
	if Logger(ctx) != NoopLogger() || HasLogger(ctx) {
		t.Fatalf("expected noop logger on bare context")
	}
	if got := TraceID(ctx); got != "" {
		t.Fatalf("expected empty trace id, got %q", got)
	}
}

func TestAddFieldsEnrichesLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	ctx = AddFields(ctx, zap.String("order_id", "ord_1"))

	Logger(ctx).Info("hello")
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["order_id"] != "ord_1" {
		t.Fatalf("expected order_id field, got %v", entries[0].ContextMap())
	}
	if !HasLogger(ctx) {
		t.Fatalf("expected attached logger")
	}
}

func TestTraceRoundTrip(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "def", Sampled: true})
	info, ok := Trace(ctx)
	if !ok || info.SpanID != "def" || TraceID(ctx) != "abc" {
		t.Fatalf("unexpected trace info %+v", info)
	}
}
