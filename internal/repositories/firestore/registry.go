// Package firestore implements the order and tracking-event repositories on
// Cloud Firestore. Orders live in the top-level orders collection and each
// order's tracking log in its trackingEvents subcollection.
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/hanko-field/ordertracking/internal/platform/firestore"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

// Registry wires the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	events   *TrackingEventRepository
	health   repositories.HealthRepository
	uow      *pfirestore.UnitOfWork
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds the repositories on provider. health may be nil.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository, txOpts ...pfirestore.TxOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	events, err := NewTrackingEventRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider: provider,
		orders:   orders,
		events:   events,
		health:   health,
		uow:      pfirestore.NewUnitOfWork(provider, txOpts...),
	}, nil
}

func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) TrackingEvents() repositories.TrackingEventRepository { return r.events }
func (r *Registry) Health() repositories.HealthRepository                 { return r.health }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

// Ping is the readiness probe for the orders collection.
func (r *Registry) Ping(ctx context.Context) error {
	return r.provider.Ping(ctx, ordersCollection)
}
