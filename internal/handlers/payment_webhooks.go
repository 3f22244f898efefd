package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/ordertracking/internal/payments"
	"github.com/hanko-field/ordertracking/internal/platform/httpx"
)

// maxStripePayloadBytes matches the limit Stripe documents for webhook bodies.
const maxStripePayloadBytes = 65536

// StripeWebhookProcessor applies a verified Stripe delivery.
type StripeWebhookProcessor interface {
	Handle(ctx context.Context, payload []byte, signature string) (payments.WebhookResult, error)
}

// PaymentWebhookHandlers receives payment provider notifications.
type PaymentWebhookHandlers struct {
	stripe StripeWebhookProcessor
}

func NewPaymentWebhookHandlers(stripe StripeWebhookProcessor) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{stripe: stripe}
}

// Routes registers /stripe/webhook.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe/webhook", h.handleStripe)
}

type webhookAckResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stripe == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment webhooks are not configured", http.StatusServiceUnavailable))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxStripePayloadBytes+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if len(payload) > maxStripePayloadBytes {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	result, err := h.stripe.Handle(ctx, payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, webhookAckResponse{Received: true, EventID: result.EventID, Outcome: result.Outcome})
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "stripe signature verification failed", http.StatusBadRequest))
	case errors.Is(err, payments.ErrMalformedEvent):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed webhook event", http.StatusBadRequest))
	case errors.Is(err, payments.ErrNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment webhooks are not configured", http.StatusServiceUnavailable))
	default:
		writeOrderError(ctx, w, err)
	}
}
