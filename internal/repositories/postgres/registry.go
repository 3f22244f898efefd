// Package postgres implements the order and tracking-event repositories on
// PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	ppostgres "github.com/hanko-field/ordertracking/internal/platform/postgres"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

// Registry wires the Postgres repositories behind repositories.Registry and owns the pool.
type Registry struct {
	pool   *pgxpool.Pool
	orders *OrderRepository
	events *TrackingEventRepository
	health repositories.HealthRepository
	uow    *ppostgres.UnitOfWork
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds the repositories on pool. health may be nil.
func NewRegistry(pool *pgxpool.Pool, health repositories.HealthRepository) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("postgres registry: pool is required")
	}
	orders, err := NewOrderRepository(pool)
	if err != nil {
		return nil, err
	}
	events, err := NewTrackingEventRepository(pool)
	if err != nil {
		return nil, err
	}
	return &Registry{
		pool:   pool,
		orders: orders,
		events: events,
		health: health,
		uow:    ppostgres.NewUnitOfWork(pool),
	}, nil
}

func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) TrackingEvents() repositories.TrackingEventRepository { return r.events }
func (r *Registry) Health() repositories.HealthRepository                 { return r.health }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}

// Ping is the readiness probe for the pool.
func (r *Registry) Ping(ctx context.Context) error {
	return ppostgres.WrapError("ping", r.pool.Ping(ctx))
}

func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}
