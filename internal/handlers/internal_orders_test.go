package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/platform/auth"
	"github.com/hanko-field/ordertracking/internal/services"
)

func newInternalRouter(svc services.OrderService) chi.Router {
	r := chi.NewRouter()
	r.Route("/internal", NewInternalOrderHandlers(svc).Routes)
	return r
}

func withServiceIdentity(req *http.Request) *http.Request {
	return req.WithContext(auth.WithServiceIdentity(req.Context(), auth.ServiceIdentity{
		Subject: "payments-worker",
		Email:   "payments@example.iam.gserviceaccount.com",
	}))
}

func TestInternalPaymentFailed(t *testing.T) {
	var captured services.MarkPaymentFailedCommand
	svc := &stubOrderService{
		failedFn: func(_ context.Context, cmd services.MarkPaymentFailedCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID, "buyer-1", domain.OrderStatusCancelled)
			order.PaymentStatus = domain.PaymentStatusFailed
			return order, nil
		},
	}
	req := withServiceIdentity(httptest.NewRequest(http.MethodPost, "/internal/orders/ord_1:payment-failed", strings.NewReader(`{"reason":"card declined"}`)))
	rec := httptest.NewRecorder()
	newInternalRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Reason != "card declined" {
		t.Fatalf("unexpected command %+v", captured)
	}
	order := decodeJSONBody(t, rec)["order"].(map[string]any)
	if order["payment_status"] != "FAILED" || order["status"] != "CANCELLED" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestInternalPaymentFailedWithoutBody(t *testing.T) {
	called := false
	svc := &stubOrderService{
		failedFn: func(_ context.Context, cmd services.MarkPaymentFailedCommand) (services.Order, error) {
			called = cmd.Reason == ""
			return sampleOrder(cmd.OrderID, "buyer-1", domain.OrderStatusCancelled), nil
		},
	}
	req := withServiceIdentity(httptest.NewRequest(http.MethodPost, "/internal/orders/ord_1:payment-failed", nil))
	rec := httptest.NewRecorder()
	newInternalRouter(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("expected 200 with empty reason, got %d", rec.Code)
	}
}

func TestInternalPaymentCaptured(t *testing.T) {
	var captured string
	svc := &stubOrderService{
		capturedFn: func(_ context.Context, cmd services.MarkPaymentCapturedCommand) (services.Order, error) {
			captured = cmd.OrderID
			return sampleOrder(cmd.OrderID, "buyer-1", domain.OrderStatusPending), nil
		},
	}
	req := withServiceIdentity(httptest.NewRequest(http.MethodPost, "/internal/orders/ord_5:payment-captured", nil))
	rec := httptest.NewRecorder()
	newInternalRouter(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || captured != "ord_5" {
		t.Fatalf("expected capture of ord_5, got %d %q", rec.Code, captured)
	}
}

func TestInternalRoutesRequireServiceIdentity(t *testing.T) {
	router := newInternalRouter(&stubOrderService{})
	for _, path := range []string{"/internal/orders/ord_1:payment-failed", "/internal/orders/ord_1:payment-captured"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}
