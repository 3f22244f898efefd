package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/platform/auth"
	"github.com/hanko-field/ordertracking/internal/platform/httpx"
	"github.com/hanko-field/ordertracking/internal/services"
)

type orderPayload struct {
	ID            string  `json:"id"`
	BuyerID       string  `json:"buyer_id"`
	Status        string  `json:"status"`
	PaymentMethod string  `json:"payment_method"`
	PaymentStatus string  `json:"payment_status"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at,omitempty"`
	DeliveredAt   string  `json:"delivered_at,omitempty"`
	CancelReason  *string `json:"cancel_reason,omitempty"`
	Version       int64   `json:"version"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type timelineEntryPayload struct {
	Status            string  `json:"status"`
	Title             string  `json:"title"`
	Description       string  `json:"description,omitempty"`
	Timestamp         string  `json:"timestamp"`
	Carrier           *string `json:"carrier,omitempty"`
	TrackingNumber    *string `json:"tracking_number,omitempty"`
	Location          *string `json:"location,omitempty"`
	EstimatedDelivery string  `json:"estimated_delivery,omitempty"`
	Synthetic         bool    `json:"synthetic,omitempty"`
}

type timelineResponse struct {
	OrderID string                 `json:"order_id"`
	Entries []timelineEntryPayload `json:"entries"`
}

type trackingEventPayload struct {
	ID                string  `json:"id"`
	Sequence          int     `json:"sequence"`
	Status            string  `json:"status"`
	Description       string  `json:"description,omitempty"`
	Carrier           *string `json:"carrier,omitempty"`
	TrackingNumber    *string `json:"tracking_number,omitempty"`
	LastLocation      *string `json:"last_location,omitempty"`
	EstimatedDelivery string  `json:"estimated_delivery,omitempty"`
	ActorRole         string  `json:"actor_role"`
	CreatedAt         string  `json:"created_at"`
}

type trackingEventListResponse struct {
	OrderID string                 `json:"order_id"`
	Events  []trackingEventPayload `json:"events"`
}

// trackingRequest is the optional shipment block accepted by advance endpoints.
type trackingRequest struct {
	Carrier           *string `json:"carrier"`
	TrackingNumber    *string `json:"tracking_number"`
	Location          *string `json:"location"`
	EstimatedDelivery *string `json:"estimated_delivery"`
}

type advanceOrderRequest struct {
	Status      string           `json:"status"`
	Description string           `json:"description"`
	Tracking    *trackingRequest `json:"tracking"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func buildOrderPayload(order services.Order) orderPayload {
	return orderPayload{
		ID:            order.ID,
		BuyerID:       order.BuyerID,
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
		DeliveredAt:   formatTime(pointerTime(order.DeliveredAt)),
		CancelReason:  cloneStringPointer(order.CancelReason),
		Version:       order.Version,
	}
}

func buildTimelinePayload(entries []services.TimelineEntry) []timelineEntryPayload {
	out := make([]timelineEntryPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, timelineEntryPayload{
			Status:            string(entry.Status),
			Title:             entry.Title,
			Description:       entry.Description,
			Timestamp:         formatTime(entry.Timestamp),
			Carrier:           cloneStringPointer(entry.Carrier),
			TrackingNumber:    cloneStringPointer(entry.TrackingNumber),
			Location:          cloneStringPointer(entry.Location),
			EstimatedDelivery: formatTime(pointerTime(entry.EstimatedDelivery)),
			Synthetic:         entry.Synthetic,
		})
	}
	return out
}

func buildTrackingEventPayloads(events []services.TrackingEvent) []trackingEventPayload {
	out := make([]trackingEventPayload, 0, len(events))
	for _, event := range events {
		out = append(out, trackingEventPayload{
			ID:                event.ID,
			Sequence:          event.Sequence,
			Status:            string(event.Status),
			Description:       event.Description,
			Carrier:           cloneStringPointer(event.Carrier),
			TrackingNumber:    cloneStringPointer(event.TrackingNumber),
			LastLocation:      cloneStringPointer(event.LastLocation),
			EstimatedDelivery: formatTime(pointerTime(event.EstimatedDelivery)),
			ActorRole:         string(event.ActorRole),
			CreatedAt:         formatTime(event.CreatedAt),
		})
	}
	return out
}

// toTrackingDetails converts the request block; carrier overrides the body value when set.
func (t *trackingRequest) toTrackingDetails(carrier string) (*services.TrackingDetails, error) {
	if t == nil && carrier == "" {
		return nil, nil
	}
	details := &services.TrackingDetails{}
	if t != nil {
		details.Carrier = trimmedPointer(t.Carrier)
		details.TrackingNumber = trimmedPointer(t.TrackingNumber)
		details.LastLocation = trimmedPointer(t.Location)
		if raw := trimmedPointer(t.EstimatedDelivery); raw != nil {
			ts, err := parseTimeParam(*raw)
			if err != nil {
				return nil, errors.New("estimated_delivery must be an RFC3339 timestamp")
			}
			details.EstimatedDelivery = &ts
		}
	}
	if carrier != "" {
		details.Carrier = &carrier
	}
	return details, nil
}

func parseOrderStatus(raw string) (services.OrderStatus, bool) {
	status := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	return status, status.Valid()
}

// parseStatusFilter accepts repeated and comma separated status values.
func parseStatusFilter(values []string) ([]services.OrderStatus, error) {
	var out []services.OrderStatus
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := parseOrderStatus(part)
			if !ok {
				return nil, errors.New("status must be one of PENDING, CONFIRMED, PROCESSING, SHIPPED, DELIVERED, CANCELLED, REFUNDED")
			}
			out = append(out, status)
		}
	}
	return out, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// requestLocale prefers ?locale, then the identity's locale claim, then Accept-Language.
func requestLocale(r *http.Request) string {
	if locale := strings.TrimSpace(r.URL.Query().Get("locale")); locale != "" {
		return locale
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.Locale) != "" {
		return strings.TrimSpace(identity.Locale)
	}
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}

// staffActor maps a verified seller/admin identity to the engine role.
func staffActor(identity *auth.Identity) services.ActorRole {
	if identity.HasRole(auth.RoleAdmin) {
		return domain.ActorAdmin
	}
	return domain.ActorSeller
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if illegal, ok := services.AsIllegalTransition(err); ok {
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", "order cannot move to the requested status", http.StatusConflict).
			WithDetails(map[string]any{
				"current_status":   string(illegal.Current),
				"requested_status": string(illegal.Requested),
				"reason":           illegal.Reason,
			}))
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderIllegalTransition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConcurrentModification):
		httpx.WriteError(ctx, w, httpx.NewError("concurrent_modification", "order was modified concurrently, retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("order_store_unavailable", "order storage temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

func orderIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func trimmedPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}
