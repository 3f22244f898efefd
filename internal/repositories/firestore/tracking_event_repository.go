package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	pfirestore "github.com/hanko-field/ordertracking/internal/platform/firestore"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

const trackingEventsCollection = "trackingEvents"

// TrackingEventRepository keeps each order's log in orders/{orderID}/trackingEvents.
type TrackingEventRepository struct {
	provider *pfirestore.Provider
	docs     *pfirestore.BaseRepository[trackingEventDocument]
}

var _ repositories.TrackingEventRepository = (*TrackingEventRepository)(nil)

func NewTrackingEventRepository(provider *pfirestore.Provider) (*TrackingEventRepository, error) {
	if provider == nil {
		return nil, errors.New("tracking event repository requires firestore provider")
	}
	return &TrackingEventRepository{
		provider: provider,
		docs:     pfirestore.NewBaseRepository[trackingEventDocument](provider, "trackingEvents", nil, nil),
	}, nil
}

func eventsOf(orderID string) pfirestore.CollectionResolver {
	return pfirestore.Nested(ordersCollection, orderID, trackingEventsCollection)
}

// Append reads the last event of the log and creates the next one. When ctx
// carries no transaction a single-attempt transaction is opened for the append.
func (r *TrackingEventRepository) Append(ctx context.Context, event domain.TrackingEvent) (string, error) {
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.OrderID) == "" {
		return "", errors.New("tracking event append: id and order id are required")
	}
	if _, inTx := pfirestore.TransactionFromContext(ctx); inTx {
		return event.ID, r.appendInTx(ctx, event)
	}
	err := r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return r.appendInTx(txCtx, event)
	}, pfirestore.WithTxAttempts(1))
	if err != nil {
		return "", err
	}
	return event.ID, nil
}

func (r *TrackingEventRepository) appendInTx(ctx context.Context, event domain.TrackingEvent) error {
	coll := eventsOf(event.OrderID)
	last, err := r.docs.Query(ctx, coll, func(q firestore.Query) firestore.Query {
		return q.OrderBy("sequence", firestore.Desc).Limit(1)
	})
	if err != nil {
		return err
	}
	event.Sequence = 1
	if len(last) > 0 {
		prev := domain.OrderStatus(last[0].Data.Status)
		if !domain.CanFollow(prev, event.Status) {
			return repositories.NewStoreError("trackingEvents.append", repositories.StoreErrorConflict,
				fmt.Errorf("%s cannot follow %s", event.Status, prev))
		}
		event.Sequence = last[0].Data.Sequence + 1
	}
	return r.docs.Create(ctx, coll, event.ID, newTrackingEventDocument(event))
}

func (r *TrackingEventRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.TrackingEvent, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, errors.New("tracking event list: order id is required")
	}
	docs, err := r.docs.Query(ctx, eventsOf(orderID), func(q firestore.Query) firestore.Query {
		return q.OrderBy("sequence", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	events := make([]domain.TrackingEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, doc.Data.toDomain(doc.ID, orderID))
	}
	return events, nil
}

type trackingEventDocument struct {
	Sequence          int        `firestore:"sequence"`
	Status            string     `firestore:"status"`
	Description       string     `firestore:"description"`
	Carrier           *string    `firestore:"carrier"`
	TrackingNumber    *string    `firestore:"trackingNumber"`
	LastLocation      *string    `firestore:"lastLocation"`
	EstimatedDelivery *time.Time `firestore:"estimatedDelivery"`
	ActorRole         string     `firestore:"actorRole"`
	CreatedAt         time.Time  `firestore:"createdAt"`
}

func newTrackingEventDocument(event domain.TrackingEvent) trackingEventDocument {
	doc := trackingEventDocument{
		Sequence:       event.Sequence,
		Status:         string(event.Status),
		Description:    event.Description,
		Carrier:        event.Carrier,
		TrackingNumber: event.TrackingNumber,
		LastLocation:   event.LastLocation,
		ActorRole:      string(event.ActorRole),
		CreatedAt:      event.CreatedAt.UTC(),
	}
	if event.EstimatedDelivery != nil {
		eta := event.EstimatedDelivery.UTC()
		doc.EstimatedDelivery = &eta
	}
	return doc
}

func (d trackingEventDocument) toDomain(id, orderID string) domain.TrackingEvent {
	event := domain.TrackingEvent{
		ID:             id,
		OrderID:        orderID,
		Sequence:       d.Sequence,
		Status:         domain.OrderStatus(d.Status),
		Description:    d.Description,
		Carrier:        d.Carrier,
		TrackingNumber: d.TrackingNumber,
		LastLocation:   d.LastLocation,
		ActorRole:      domain.ActorRole(d.ActorRole),
		CreatedAt:      d.CreatedAt.UTC(),
	}
	if d.EstimatedDelivery != nil {
		eta := d.EstimatedDelivery.UTC()
		event.EstimatedDelivery = &eta
	}
	return event
}
