package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/ordertracking/internal/platform/requestctx"
)

func TestEventLoggerUsesFallback(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := EventLogger(zap.New(core))

	log(context.Background(), "order.tx.retry", map[string]any{"orderId": "ord_1", "attempt": 2})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "order.tx.retry" || entry.Level != zapcore.InfoLevel {
		t.Fatalf("unexpected entry %+v", entry)
	}
	fields := entry.ContextMap()
	if fields["orderId"] != "ord_1" || fields["event"] != "order.tx.retry" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zap.DebugLevel)
	requestCore, requestLogs := observer.New(zap.DebugLevel)
	log := EventLogger(zap.New(fallbackCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	log(ctx, "order.event.publish.failed", map[string]any{"error": "broker down"})

	if fallbackLogs.Len() != 0 {
		t.Fatalf("fallback logger should not be used")
	}
	entries := requestLogs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %+v", entries)
	}
}
