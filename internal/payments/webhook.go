// Package payments reconciles payment provider notifications with order payment state.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hanko-field/ordertracking/internal/services"
)

// MetadataOrderKey is the PaymentIntent metadata entry carrying the order ID.
const MetadataOrderKey = "order_id"

// Outcomes reported for each processed event.
const (
	OutcomeCaptured    = "captured"
	OutcomeFailed      = "failed"
	OutcomeIgnored     = "ignored"
	OutcomeUnknown     = "unknown_order"
	OutcomeRejected    = "rejected"
	defaultFailureText = "Payment was declined by the payment provider."
)

var (
	// ErrInvalidSignature means the Stripe-Signature header did not verify.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedEvent means the payload could not be decoded.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
	// ErrNotConfigured means no webhook secret is available.
	ErrNotConfigured = errors.New("payments: webhook secret not configured")
)

// PaymentUpdater is the subset of the order engine driven by payment events.
type PaymentUpdater interface {
	MarkPaymentCaptured(ctx context.Context, cmd services.MarkPaymentCapturedCommand) (services.Order, error)
	MarkPaymentFailed(ctx context.Context, cmd services.MarkPaymentFailedCommand) (services.Order, error)
}

// WebhookLogger receives structured webhook events.
type WebhookLogger func(ctx context.Context, event string, fields map[string]any)

// WebhookRecorder counts processed events.
type WebhookRecorder interface {
	RecordWebhook(ctx context.Context, eventType, outcome string)
}

// WebhookResult describes how an event was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	OrderID   string
	Outcome   string
}

// StripeWebhook verifies Stripe webhook deliveries and applies them to orders.
type StripeWebhook struct {
	secret    string
	tolerance time.Duration
	orders    PaymentUpdater
	logger    WebhookLogger
	metrics   WebhookRecorder
}

// StripeWebhookConfig configures StripeWebhook.
type StripeWebhookConfig struct {
	Secret    string
	Tolerance time.Duration
	Orders    PaymentUpdater
	Logger    WebhookLogger
	Metrics   WebhookRecorder
}

// NewStripeWebhook validates the configuration.
func NewStripeWebhook(cfg StripeWebhookConfig) (*StripeWebhook, error) {
	if cfg.Orders == nil {
		return nil, errors.New("payments: order service is required")
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeWebhook{
		secret:    strings.TrimSpace(cfg.Secret),
		tolerance: tolerance,
		orders:    cfg.Orders,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Handle verifies payload against the Stripe-Signature header and applies it.
// Unknown orders and events that no longer apply are acknowledged with
// OutcomeUnknown or OutcomeIgnored; only store failures return an error that
// should make Stripe redeliver.
func (h *StripeWebhook) Handle(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	if h.secret == "" {
		return WebhookResult{}, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.record(ctx, "unverified", OutcomeRejected)
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	result := WebhookResult{EventID: event.ID, EventType: string(event.Type)}
	if event.Data == nil {
		h.record(ctx, result.EventType, OutcomeRejected)
		return result, fmt.Errorf("%w: event data missing", ErrMalformedEvent)
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			h.record(ctx, result.EventType, OutcomeRejected)
			return result, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		result.OrderID = orderIDFrom(intent.Metadata)
		return h.apply(ctx, result, OutcomeCaptured, func(ctx context.Context) error {
			_, err := h.orders.MarkPaymentCaptured(ctx, services.MarkPaymentCapturedCommand{OrderID: result.OrderID})
			return err
		})
	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			h.record(ctx, result.EventType, OutcomeRejected)
			return result, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		result.OrderID = orderIDFrom(intent.Metadata)
		reason := defaultFailureText
		if intent.LastPaymentError != nil && strings.TrimSpace(intent.LastPaymentError.Msg) != "" {
			reason = intent.LastPaymentError.Msg
		}
		return h.apply(ctx, result, OutcomeFailed, func(ctx context.Context) error {
			_, err := h.orders.MarkPaymentFailed(ctx, services.MarkPaymentFailedCommand{OrderID: result.OrderID, Reason: reason})
			return err
		})
	case "charge.failed":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			h.record(ctx, result.EventType, OutcomeRejected)
			return result, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		result.OrderID = orderIDFrom(charge.Metadata)
		if result.OrderID == "" && charge.PaymentIntent != nil {
			result.OrderID = orderIDFrom(charge.PaymentIntent.Metadata)
		}
		reason := defaultFailureText
		if msg := strings.TrimSpace(charge.FailureMessage); msg != "" {
			reason = msg
		}
		return h.apply(ctx, result, OutcomeFailed, func(ctx context.Context) error {
			_, err := h.orders.MarkPaymentFailed(ctx, services.MarkPaymentFailedCommand{OrderID: result.OrderID, Reason: reason})
			return err
		})
	default:
		result.Outcome = OutcomeIgnored
		h.record(ctx, result.EventType, OutcomeIgnored)
		return result, nil
	}
}

func (h *StripeWebhook) apply(ctx context.Context, result WebhookResult, outcome string, fn func(context.Context) error) (WebhookResult, error) {
	fields := map[string]any{"eventID": result.EventID, "eventType": result.EventType, "orderID": result.OrderID}
	if result.OrderID == "" {
		result.Outcome = OutcomeIgnored
		h.logger(ctx, "payments.webhook.no_order", fields)
		h.record(ctx, result.EventType, result.Outcome)
		return result, nil
	}

	err := fn(ctx)
	switch {
	case err == nil:
		result.Outcome = outcome
	case errors.Is(err, services.ErrOrderNotFound):
		result.Outcome = OutcomeUnknown
		h.logger(ctx, "payments.webhook.order_not_found", fields)
	case errors.Is(err, services.ErrOrderIllegalTransition):
		result.Outcome = OutcomeIgnored
		fields["error"] = err.Error()
		h.logger(ctx, "payments.webhook.not_applicable", fields)
	default:
		fields["error"] = err.Error()
		h.logger(ctx, "payments.webhook.failed", fields)
		h.record(ctx, result.EventType, "error")
		return result, err
	}
	h.record(ctx, result.EventType, result.Outcome)
	return result, nil
}

func (h *StripeWebhook) record(ctx context.Context, eventType, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordWebhook(ctx, eventType, outcome)
	}
}

func orderIDFrom(metadata map[string]string) string {
	return strings.TrimSpace(metadata[MetadataOrderKey])
}
