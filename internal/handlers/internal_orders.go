package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/ordertracking/internal/platform/auth"
	"github.com/hanko-field/ordertracking/internal/platform/httpx"
	"github.com/hanko-field/ordertracking/internal/services"
)

type paymentFailedRequest struct {
	Reason string `json:"reason"`
}

// InternalOrderHandlers serves service-to-service order callbacks. Callers are
// authenticated by the OIDC middleware mounted on the /internal group.
type InternalOrderHandlers struct {
	orders services.OrderService
}

func NewInternalOrderHandlers(orders services.OrderService) *InternalOrderHandlers {
	return &InternalOrderHandlers{orders: orders}
}

func (h *InternalOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}:payment-failed", h.paymentFailed)
	r.Post("/orders/{orderID}:payment-captured", h.paymentCaptured)
}

func (h *InternalOrderHandlers) paymentFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.ServiceIdentityFromContext(ctx); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service identity required", http.StatusUnauthorized))
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	var req paymentFailedRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.orders.MarkPaymentFailed(ctx, services.MarkPaymentFailedCommand{OrderID: orderID, Reason: req.Reason})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *InternalOrderHandlers) paymentCaptured(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.ServiceIdentityFromContext(ctx); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service identity required", http.StatusUnauthorized))
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	order, err := h.orders.MarkPaymentCaptured(ctx, services.MarkPaymentCapturedCommand{OrderID: orderID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
