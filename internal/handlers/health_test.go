package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func TestHealthHandlersHealthz(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{
			Version:     "1.0.0",
			CommitSHA:   "abc123",
			Environment: "prod",
			StartedAt:   start,
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	rec := httptest.NewRecorder()
	handlers.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := decodeJSONBody(t, rec)
	if body["status"] != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if body["version"] != "1.0.0" || body["commitSha"] != "abc123" || body["environment"] != "prod" {
		t.Fatalf("unexpected build info %+v", body)
	}
	if body["uptime"] != "30s" {
		t.Fatalf("expected uptime 30s, got %v", body["uptime"])
	}
}

func TestHealthHandlersReadyzDegraded(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	system := &stubSystemService{report: services.SystemHealthReport{
		Status: domain.HealthStatusError,
		Checks: map[string]domain.SystemHealthCheck{
			"orders": {Status: domain.HealthStatusOK, Latency: 4 * time.Millisecond, CheckedAt: now},
			"events": {Status: domain.HealthStatusError, Error: "deadline exceeded", CheckedAt: now},
		},
		GeneratedAt: now,
	}}
	handlers := NewHealthHandlers(WithHealthSystemService(system))

	rec := httptest.NewRecorder()
	handlers.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeJSONBody(t, rec)
	checks := body["checks"].(map[string]any)
	if checks["orders"].(map[string]any)["latencyMs"] != float64(4) {
		t.Fatalf("unexpected orders check %+v", checks["orders"])
	}
	details := body["details"].([]any)
	if len(details) != 1 || details[0] != "events: deadline exceeded" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestHealthHandlersReadyzOK(t *testing.T) {
	system := &stubSystemService{report: services.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: map[string]domain.SystemHealthCheck{"orders": {Status: domain.HealthStatusOK}},
	}}
	rec := httptest.NewRecorder()
	NewHealthHandlers(WithHealthSystemService(system)).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, ok := decodeJSONBody(t, rec)["details"]; ok {
		t.Fatalf("expected no details for a healthy report")
	}
}

func TestHealthHandlersReadyzReportError(t *testing.T) {
	system := &stubSystemService{err: errors.New("boom")}
	rec := httptest.NewRecorder()
	NewHealthHandlers(WithHealthSystemService(system)).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
