package memory

import (
	"context"

	"github.com/hanko-field/ordertracking/internal/repositories"
)

// Registry exposes the in-memory store through the repositories.Registry contract.
type Registry struct {
	*Store
	health repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wraps store; health may be nil when readiness probes are not wired.
func NewRegistry(store *Store, health repositories.HealthRepository) *Registry {
	if store == nil {
		store = NewStore()
	}
	return &Registry{Store: store, health: health}
}

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// Close is a no-op; state lives only as long as the process.
func (r *Registry) Close(context.Context) error { return nil }
