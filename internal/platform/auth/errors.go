package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/hanko-field/ordertracking/internal/platform/httpx"
)

// MetricsRecorder records verification outcomes; kind is "hmac" or "oidc".
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// EventLogger matches the structured logging hook used across the service.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

func (l EventLogger) log(ctx context.Context, event string, fields map[string]any) {
	if l != nil {
		l(ctx, event, fields)
	}
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
