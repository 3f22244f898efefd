package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/ordertracking/internal/platform/auth"
	"github.com/hanko-field/ordertracking/internal/platform/httpx"
	"github.com/hanko-field/ordertracking/internal/platform/observability"
	"github.com/hanko-field/ordertracking/internal/platform/pagination"
	"github.com/hanko-field/ordertracking/internal/platform/storage"
	"github.com/hanko-field/ordertracking/internal/services"
)

// ArchiveLinker issues download links for archived timelines.
type ArchiveLinker interface {
	DownloadURL(ctx context.Context, bucket, object string, expiresIn time.Duration) (storage.SignedURL, error)
}

// FulfillmentHandlers serves seller and admin order operations. The engine
// role is ADMIN when the identity holds the admin role and SELLER otherwise.
type FulfillmentHandlers struct {
	authn        *auth.Authenticator
	orders       services.OrderService
	allowedRoles []string

	archive       ArchiveLinker
	archiveBucket string
	archiveTTL    time.Duration
}

// FulfillmentOption customises FulfillmentHandlers.
type FulfillmentOption func(*FulfillmentHandlers)

// WithTimelineArchive enables the signed archive download endpoint.
func WithTimelineArchive(linker ArchiveLinker, bucket string, ttl time.Duration) FulfillmentOption {
	return func(h *FulfillmentHandlers) {
		h.archive = linker
		h.archiveBucket = strings.TrimSpace(bucket)
		h.archiveTTL = ttl
	}
}

// NewSellerHandlers serves /seller/orders for sellers and admins.
func NewSellerHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...FulfillmentOption) *FulfillmentHandlers {
	return newFulfillmentHandlers(authn, orders, []string{auth.RoleSeller, auth.RoleAdmin}, opts)
}

// NewAdminHandlers serves /admin/orders for admins only.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...FulfillmentOption) *FulfillmentHandlers {
	return newFulfillmentHandlers(authn, orders, []string{auth.RoleAdmin}, opts)
}

func newFulfillmentHandlers(authn *auth.Authenticator, orders services.OrderService, roles []string, opts []FulfillmentOption) *FulfillmentHandlers {
	h := &FulfillmentHandlers{authn: authn, orders: orders, allowedRoles: roles}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the order routes relative to the mounted group.
func (h *FulfillmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(h.allowedRoles...))
	}
	r.Use(observability.IdentityFieldsMiddleware)
	r.Route("/orders", func(orders chi.Router) {
		orders.Get("/", h.listOrders)
		orders.Get("/{orderID}", h.getOrder)
		orders.Get("/{orderID}/timeline", h.getTimeline)
		orders.Get("/{orderID}/events", h.listEvents)
		orders.Post("/{orderID}:advance", h.advanceOrder)
		orders.Post("/{orderID}:cancel", h.cancelOrder)
		if h.archive != nil {
			orders.Get("/{orderID}/timeline:archive", h.archiveLink)
		}
	})
}

func (h *FulfillmentHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	statuses, err := parseStatusFilter(r.URL.Query()["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	result, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		BuyerID:    strings.TrimSpace(r.URL.Query().Get("buyer_id")),
		Status:     statuses,
		Pagination: services.Pagination{PageSize: page.PageSize, PageToken: page.PageToken},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeOrderList(w, result.Items, result.NextPageToken)
}

func (h *FulfillmentHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *FulfillmentHandlers) getTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	entries, err := h.orders.GetTimeline(ctx, orderID, services.TimelineOptions{Locale: requestLocale(r)})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, timelineResponse{OrderID: orderID, Entries: buildTimelinePayload(entries)})
}

func (h *FulfillmentHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	events, err := h.orders.ListTrackingEvents(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, trackingEventListResponse{OrderID: orderID, Events: buildTrackingEventPayloads(events)})
}

func (h *FulfillmentHandlers) advanceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req advanceOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	status, valid := parseOrderStatus(req.Status)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a known order status", http.StatusBadRequest))
		return
	}
	tracking, err := req.Tracking.toTrackingDetails("")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.AdvanceStatus(ctx, services.AdvanceStatusCommand{
		OrderID:     orderID,
		ActorRole:   staffActor(identity),
		ActorID:     identity.UID,
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

func (h *FulfillmentHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID:   orderID,
		ActorRole: staffActor(identity),
		ActorID:   identity.UID,
		Reason:    req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type archiveLinkResponse struct {
	OrderID   string `json:"order_id"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

// archiveLink signs a download URL for the archived timeline of a terminal order.
func (h *FulfillmentHandlers) archiveLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !order.Status.IsTerminal() {
		httpx.WriteError(ctx, w, httpx.NewError("timeline_not_archived", "timelines are archived once the order is cancelled or refunded", http.StatusConflict))
		return
	}
	object, err := storage.TimelineArchivePath(order.ID)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	signed, err := h.archive.DownloadURL(ctx, h.archiveBucket, object, h.archiveTTL)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("archive_unavailable", "unable to sign archive download", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, archiveLinkResponse{OrderID: order.ID, URL: signed.URL, ExpiresAt: formatTime(signed.ExpiresAt)})
}
