package repositories

import (
	"context"

	domain "github.com/hanko-field/ordertracking/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	TrackingEvents() TrackingEventRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Repositories called with the ctx handed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates.
//
// Update must fail with a conflict error when the stored version differs from
// order.Version-1, i.e. callers bump Version before writing.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// TrackingEventRepository is the append-only shipment log for orders.
//
// Append assigns the next sequence number and rejects events that would move the
// log backwards or follow a terminal event.
type TrackingEventRepository interface {
	Append(ctx context.Context, event domain.TrackingEvent) (string, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.TrackingEvent, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings. Results are ordered by CreatedAt descending, then ID.
type OrderListFilter struct {
	BuyerID    string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}
