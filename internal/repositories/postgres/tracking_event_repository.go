package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	ppostgres "github.com/hanko-field/ordertracking/internal/platform/postgres"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

// TrackingEventRepository stores the append-only log in tracking_events.
type TrackingEventRepository struct {
	pool *pgxpool.Pool
	uow  *ppostgres.UnitOfWork
}

var _ repositories.TrackingEventRepository = (*TrackingEventRepository)(nil)

func NewTrackingEventRepository(pool *pgxpool.Pool) (*TrackingEventRepository, error) {
	if pool == nil {
		return nil, errors.New("tracking event repository requires postgres pool")
	}
	return &TrackingEventRepository{pool: pool, uow: ppostgres.NewUnitOfWork(pool)}, nil
}

// Append locks the owning order row so appends to one order are linearised,
// then writes the event after the current last sequence.
func (r *TrackingEventRepository) Append(ctx context.Context, event domain.TrackingEvent) (string, error) {
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.OrderID) == "" {
		return "", errors.New("tracking event append: id and order id are required")
	}
	err := r.uow.RunInTx(ctx, func(txCtx context.Context) error {
		conn := ppostgres.Conn(txCtx, r.pool)
		var locked string
		if err := conn.QueryRow(txCtx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, event.OrderID).Scan(&locked); err != nil {
			return ppostgres.WrapError("trackingEvents.append", err)
		}

		var (
			lastSeq    int
			lastStatus string
		)
		err := conn.QueryRow(txCtx, `
			SELECT sequence, status FROM tracking_events
			WHERE order_id = $1
			ORDER BY sequence DESC
			LIMIT 1`, event.OrderID).Scan(&lastSeq, &lastStatus)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return ppostgres.WrapError("trackingEvents.append", err)
		case !domain.CanFollow(domain.OrderStatus(lastStatus), event.Status):
			return repositories.NewStoreError("trackingEvents.append", repositories.StoreErrorConflict,
				fmt.Errorf("%s cannot follow %s", event.Status, lastStatus))
		}

		_, err = conn.Exec(txCtx, `
			INSERT INTO tracking_events (
				id, order_id, sequence, status, description, carrier, tracking_number,
				last_location, estimated_delivery, actor_role, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			event.ID, event.OrderID, lastSeq+1, string(event.Status), event.Description,
			event.Carrier, event.TrackingNumber, event.LastLocation, utcPtr(event.EstimatedDelivery),
			string(event.ActorRole), event.CreatedAt.UTC(),
		)
		return ppostgres.WrapError("trackingEvents.append", err)
	})
	if err != nil {
		return "", err
	}
	return event.ID, nil
}

func (r *TrackingEventRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.TrackingEvent, error) {
	rows, err := ppostgres.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, order_id, sequence, status, description, carrier, tracking_number,
			last_location, estimated_delivery, actor_role, created_at
		FROM tracking_events
		WHERE order_id = $1
		ORDER BY sequence`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("trackingEvents.list", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.TrackingEvent, error) {
		var (
			event             domain.TrackingEvent
			status, actorRole string
		)
		err := row.Scan(
			&event.ID, &event.OrderID, &event.Sequence, &status, &event.Description,
			&event.Carrier, &event.TrackingNumber, &event.LastLocation, &event.EstimatedDelivery,
			&actorRole, &event.CreatedAt,
		)
		event.Status = domain.OrderStatus(status)
		event.ActorRole = domain.ActorRole(actorRole)
		event.CreatedAt = event.CreatedAt.UTC()
		event.EstimatedDelivery = utcPtr(event.EstimatedDelivery)
		return event, err
	})
	if err != nil {
		return nil, ppostgres.WrapError("trackingEvents.list", err)
	}
	return events, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
