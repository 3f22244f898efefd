package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// OrderStatus enumerates lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates a prepaid order waiting for payment capture or seller confirmation.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusConfirmed indicates the seller accepted a paid order.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusProcessing indicates the order is being prepared. COD orders start here.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped indicates the parcel was handed to a carrier.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered indicates the parcel reached the buyer.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled is terminal; the order stopped before shipment.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRefunded is terminal; funds were (or will be) returned.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// PaymentMethod selects the payment flow and therefore the reachable status chain.
type PaymentMethod string

const (
	PaymentMethodPrepaid PaymentMethod = "PREPAID"
	PaymentMethodCOD     PaymentMethod = "COD"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodPrepaid || m == PaymentMethodCOD
}

// PaymentStatus is tracked independently from the order status.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// ActorRole identifies who requested a transition.
type ActorRole string

const (
	ActorBuyer   ActorRole = "BUYER"
	ActorSeller  ActorRole = "SELLER"
	ActorCourier ActorRole = "COURIER"
	ActorAdmin   ActorRole = "ADMIN"
	ActorSystem  ActorRole = "SYSTEM"
)

// Valid reports whether r is a known role.
func (r ActorRole) Valid() bool {
	switch r {
	case ActorBuyer, ActorSeller, ActorCourier, ActorAdmin, ActorSystem:
		return true
	}
	return false
}

// Order is the aggregate root owned by the buyer that created it.
type Order struct {
	ID            string
	BuyerID       string
	Status        OrderStatus
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   *time.Time
	CancelReason  *string
	// Version increments on every committed write and guards optimistic updates.
	Version int64
}

// TrackingDetails carries optional shipment data attached to a status change.
type TrackingDetails struct {
	Carrier           *string
	TrackingNumber    *string
	LastLocation      *string
	EstimatedDelivery *time.Time
}

// TrackingEvent is one append-only entry in an order's shipment log.
type TrackingEvent struct {
	ID                string
	OrderID           string
	Sequence          int
	Status            OrderStatus
	Description       string
	Carrier           *string
	TrackingNumber    *string
	LastLocation      *string
	EstimatedDelivery *time.Time
	ActorRole         ActorRole
	CreatedAt         time.Time
}

// TimelineEntry is the display-ready projection of an order's history.
type TimelineEntry struct {
	Status            OrderStatus
	Title             string
	Description       string
	Timestamp         time.Time
	Carrier           *string
	TrackingNumber    *string
	Location          *string
	EstimatedDelivery *time.Time
	Synthetic         bool
}

// OrderEventType names the notification published after a committed change.
type OrderEventType string

const (
	OrderEventCreated        OrderEventType = "order.created"
	OrderEventStatusChanged  OrderEventType = "order.status_changed"
	OrderEventPaymentUpdated OrderEventType = "order.payment_updated"
)

// OrderEvent is the payload emitted to downstream consumers after commit.
type OrderEvent struct {
	Type           OrderEventType
	OrderID        string
	BuyerID        string
	PreviousStatus OrderStatus
	Status         OrderStatus
	PaymentStatus  PaymentStatus
	ActorRole      ActorRole
	ActorID        string
	OccurredAt     time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
