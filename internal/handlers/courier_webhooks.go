package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/platform/auth"
	"github.com/hanko-field/ordertracking/internal/platform/httpx"
	"github.com/hanko-field/ordertracking/internal/services"
)

type courierEventRequest struct {
	OrderID           string  `json:"order_id"`
	Status            string  `json:"status"`
	Description       string  `json:"description"`
	TrackingNumber    *string `json:"tracking_number"`
	Location          *string `json:"location"`
	EstimatedDelivery *string `json:"estimated_delivery"`
}

// CourierWebhookHandlers accepts signed shipment updates from carriers.
type CourierWebhookHandlers struct {
	orders      services.OrderService
	signatures  *auth.SignatureVerifier
	idempotency func(http.Handler) http.Handler
}

func NewCourierWebhookHandlers(orders services.OrderService, signatures *auth.SignatureVerifier, idempotency func(http.Handler) http.Handler) *CourierWebhookHandlers {
	return &CourierWebhookHandlers{orders: orders, signatures: signatures, idempotency: idempotency}
}

// Routes registers /couriers/{carrier}/events. The signature check runs
// before the idempotency guard so replays are scoped to a verified carrier.
func (h *CourierWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	var chain []func(http.Handler) http.Handler
	if h.signatures != nil {
		chain = append(chain, h.signatures.RequireCarrierSignature(carrierParam))
	} else {
		chain = append(chain, rejectUnsigned)
	}
	if h.idempotency != nil {
		chain = append(chain, h.idempotency)
	}
	r.With(chain...).Post("/couriers/{carrier}/events", h.handleEvent)
}

func carrierParam(r *http.Request) string {
	return chi.URLParam(r, "carrier")
}

func rejectUnsigned(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("verification_unavailable", "courier signature verification is not configured", http.StatusServiceUnavailable))
	})
}

func (h *CourierWebhookHandlers) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sig, ok := auth.SignatureFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "courier signature required", http.StatusUnauthorized))
		return
	}

	var req courierEventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}
	status, valid := parseOrderStatus(req.Status)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a known order status", http.StatusBadRequest))
		return
	}
	tracking, err := (&trackingRequest{
		TrackingNumber:    req.TrackingNumber,
		Location:          req.Location,
		EstimatedDelivery: req.EstimatedDelivery,
	}).toTrackingDetails(sig.Carrier)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.AdvanceStatus(ctx, services.AdvanceStatusCommand{
		OrderID:     orderID,
		ActorRole:   domain.ActorCourier,
		ActorID:     sig.Carrier,
		Status:      status,
		Description: req.Description,
		Tracking:    tracking,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
