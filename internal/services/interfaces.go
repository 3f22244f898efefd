package services

import (
	"context"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	PaymentMethod      = domain.PaymentMethod
	PaymentStatus      = domain.PaymentStatus
	ActorRole          = domain.ActorRole
	TrackingDetails    = domain.TrackingDetails
	TrackingEvent      = domain.TrackingEvent
	TimelineEntry      = domain.TimelineEntry
	OrderEvent         = domain.OrderEvent
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService is the order lifecycle engine. Every mutating call is one transaction
// spanning the order read, the transition check, the event append and the status write.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	AdvanceStatus(ctx context.Context, cmd AdvanceStatusCommand) (Order, error)
	MarkPaymentFailed(ctx context.Context, cmd MarkPaymentFailedCommand) (Order, error)
	MarkPaymentCaptured(ctx context.Context, cmd MarkPaymentCapturedCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListTrackingEvents(ctx context.Context, orderID string) ([]TrackingEvent, error)
	GetTimeline(ctx context.Context, orderID string, opts TimelineOptions) ([]TimelineEntry, error)
	Close(ctx context.Context) error
}

// SystemService aggregates utility endpoints (health checks).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher publishes order events for downstream consumers after commit.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// TimelineArchiver persists a rendered timeline once the order is terminal.
type TimelineArchiver interface {
	ArchiveTimeline(ctx context.Context, order Order, entries []TimelineEntry) error
}

// TransitionRecorder receives one observation per transition decision.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, from, to OrderStatus, role ActorRole, outcome string)
}

type OrderListFilter = repositories.OrderListFilter

type CreateOrderCommand struct {
	BuyerID       string
	PaymentMethod PaymentMethod
}

type CancelOrderCommand struct {
	OrderID   string
	ActorRole ActorRole
	ActorID   string
	Reason    string
}

type AdvanceStatusCommand struct {
	OrderID     string
	ActorRole   ActorRole
	ActorID     string
	Status      OrderStatus
	Description string
	Tracking    *TrackingDetails
}

type MarkPaymentFailedCommand struct {
	OrderID string
	Reason  string
}

type MarkPaymentCapturedCommand struct {
	OrderID string
}

// TimelineOptions selects the presentation locale for entry titles.
type TimelineOptions struct {
	Locale string
}
