package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hanko-field/ordertracking/internal/services"
)

const testSecret = "whsec_test"

type fakeOrders struct {
	captured []string
	failed   []services.MarkPaymentFailedCommand
	err      error
}

func (f *fakeOrders) MarkPaymentCaptured(_ context.Context, cmd services.MarkPaymentCapturedCommand) (services.Order, error) {
	f.captured = append(f.captured, cmd.OrderID)
	return services.Order{ID: cmd.OrderID}, f.err
}

func (f *fakeOrders) MarkPaymentFailed(_ context.Context, cmd services.MarkPaymentFailedCommand) (services.Order, error) {
	f.failed = append(f.failed, cmd)
	return services.Order{ID: cmd.OrderID}, f.err
}

type recordedWebhook struct{ eventType, outcome string }

type webhookRecorder struct{ calls []recordedWebhook }

func (r *webhookRecorder) RecordWebhook(_ context.Context, eventType, outcome string) {
	r.calls = append(r.calls, recordedWebhook{eventType, outcome})
}

func signed(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func eventPayload(eventType, object string) string {
	return fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":"2024-04-10","type":%q,"data":{"object":%s}}`, eventType, object)
}

func newWebhook(t *testing.T, orders *fakeOrders, rec *webhookRecorder) *StripeWebhook {
	t.Helper()
	cfg := StripeWebhookConfig{Secret: testSecret, Orders: orders}
	if rec != nil {
		cfg.Metrics = rec
	}
	h, err := NewStripeWebhook(cfg)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	return h
}

func TestStripeWebhookPaymentSucceeded(t *testing.T) {
	orders := &fakeOrders{}
	rec := &webhookRecorder{}
	h := newWebhook(t, orders, rec)

	payload, header := signed(t, eventPayload("payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","metadata":{"order_id":"ord_1"}}`))
	result, err := h.Handle(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != OutcomeCaptured || result.OrderID != "ord_1" || result.EventID != "evt_1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(orders.captured) != 1 || orders.captured[0] != "ord_1" {
		t.Fatalf("expected capture for ord_1, got %v", orders.captured)
	}
	if len(rec.calls) != 1 || rec.calls[0].outcome != OutcomeCaptured {
		t.Fatalf("unexpected metrics %v", rec.calls)
	}
}

func TestStripeWebhookPaymentFailedUsesProviderMessage(t *testing.T) {
	orders := &fakeOrders{}
	h := newWebhook(t, orders, nil)

	payload, header := signed(t, eventPayload("payment_intent.payment_failed",
		`{"id":"pi_2","object":"payment_intent","metadata":{"order_id":"ord_2"},"last_payment_error":{"message":"Your card was declined."}}`))
	result, err := h.Handle(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != OutcomeFailed || len(orders.failed) != 1 {
		t.Fatalf("expected failure to be applied, got %+v %v", result, orders.failed)
	}
	if orders.failed[0].OrderID != "ord_2" || orders.failed[0].Reason != "Your card was declined." {
		t.Fatalf("unexpected command %+v", orders.failed[0])
	}
}

func TestStripeWebhookChargeFailedDefaultsReason(t *testing.T) {
	orders := &fakeOrders{}
	h := newWebhook(t, orders, nil)

	payload, header := signed(t, eventPayload("charge.failed", `{"id":"ch_1","object":"charge","metadata":{"order_id":"ord_3"}}`))
	if _, err := h.Handle(context.Background(), payload, header); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(orders.failed) != 1 || orders.failed[0].Reason != defaultFailureText {
		t.Fatalf("unexpected commands %+v", orders.failed)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	orders := &fakeOrders{}
	h := newWebhook(t, orders, nil)

	payload, _ := signed(t, eventPayload("payment_intent.succeeded", `{"id":"pi_1","metadata":{"order_id":"ord_1"}}`))
	_, err := h.Handle(context.Background(), payload, "t=1,v1=deadbeef")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if len(orders.captured) != 0 {
		t.Fatalf("order service must not be called")
	}
}

func TestStripeWebhookAcknowledgesInapplicableEvents(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		payload string
		outcome string
	}{
		{"unhandled type", nil, eventPayload("customer.created", `{"id":"cus_1","object":"customer"}`), OutcomeIgnored},
		{"missing order id", nil, eventPayload("payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`), OutcomeIgnored},
		{"unknown order", services.ErrOrderNotFound, eventPayload("payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","metadata":{"order_id":"ord_x"}}`), OutcomeUnknown},
		{"illegal transition", fmt.Errorf("%w: already failed", services.ErrOrderIllegalTransition), eventPayload("payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","metadata":{"order_id":"ord_1"}}`), OutcomeIgnored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newWebhook(t, &fakeOrders{err: tc.err}, nil)
			payload, header := signed(t, tc.payload)
			result, err := h.Handle(context.Background(), payload, header)
			if err != nil {
				t.Fatalf("expected acknowledgement, got %v", err)
			}
			if result.Outcome != tc.outcome {
				t.Fatalf("expected outcome %q, got %q", tc.outcome, result.Outcome)
			}
		})
	}
}

func TestStripeWebhookSurfacesStoreFailures(t *testing.T) {
	h := newWebhook(t, &fakeOrders{err: services.ErrOrderUnavailable}, nil)
	payload, header := signed(t, eventPayload("payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","metadata":{"order_id":"ord_1"}}`))
	if _, err := h.Handle(context.Background(), payload, header); !errors.Is(err, services.ErrOrderUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestStripeWebhookRequiresSecret(t *testing.T) {
	h, err := NewStripeWebhook(StripeWebhookConfig{Orders: &fakeOrders{}})
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if _, err := h.Handle(context.Background(), []byte(`{}`), ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}
