// Package memory keeps orders and tracking events in process memory. It backs
// local development and tests and follows the same optimistic concurrency
// contract as the durable stores: writes staged inside RunInTx are validated
// against the versions that were read and fail with a conflict when another
// transaction committed first.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/platform/pagination"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

// Store holds committed state shared by the order and tracking-event repositories.
type Store struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	events map[string][]domain.TrackingEvent
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		orders: make(map[string]domain.Order),
		events: make(map[string][]domain.TrackingEvent),
	}
}

var _ repositories.UnitOfWork = (*Store)(nil)

type txKey struct{}

// tx journals reads and staged writes until commit.
type tx struct {
	readVersions map[string]int64
	readLogs     map[string]int
	orders       map[string]domain.Order
	inserted     map[string]bool
	appended     map[string][]domain.TrackingEvent
}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// RunInTx executes fn with a journal attached to ctx and commits it atomically.
// Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is required")
	}
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	journal := &tx{
		readVersions: map[string]int64{},
		readLogs:     map[string]int{},
		orders:       map[string]domain.Order{},
		inserted:     map[string]bool{},
		appended:     map[string][]domain.TrackingEvent{},
	}
	if err := fn(context.WithValue(ctx, txKey{}, journal)); err != nil {
		return err
	}
	return s.commit(journal)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, version := range t.readVersions {
		if current, ok := s.orders[id]; !ok || current.Version != version {
			return conflict("commit", fmt.Errorf("order %s changed since read", id))
		}
	}
	for id := range t.inserted {
		if _, exists := s.orders[id]; exists {
			return conflict("commit", fmt.Errorf("order %s already exists", id))
		}
	}
	for orderID, observed := range t.readLogs {
		if len(s.events[orderID]) != observed {
			return conflict("commit", fmt.Errorf("tracking log of %s changed since read", orderID))
		}
	}

	for id, order := range t.orders {
		s.orders[id] = order
	}
	for orderID, staged := range t.appended {
		s.events[orderID] = append(s.events[orderID], staged...)
	}
	return nil
}

func (s *Store) committedOrder(id string) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	return order, ok
}

func (s *Store) committedLog(orderID string) []domain.TrackingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[orderID])
}

func notFound(op string, err error) error {
	return repositories.NewStoreError("memory."+op, repositories.StoreErrorNotFound, err)
}

func conflict(op string, err error) error {
	return repositories.NewStoreError("memory."+op, repositories.StoreErrorConflict, err)
}

// Orders returns the order repository view of the store.
func (s *Store) Orders() repositories.OrderRepository { return orderRepository{store: s} }

// TrackingEvents returns the tracking-event repository view of the store.
func (s *Store) TrackingEvents() repositories.TrackingEventRepository {
	return trackingEventRepository{store: s}
}

type orderRepository struct {
	store *Store
}

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	if order.ID == "" {
		return errors.New("memory: order id is required")
	}
	if t := txFrom(ctx); t != nil {
		if _, ok := t.orders[order.ID]; ok {
			return conflict("orders.insert", fmt.Errorf("order %s already exists", order.ID))
		}
		if _, ok := r.store.committedOrder(order.ID); ok {
			return conflict("orders.insert", fmt.Errorf("order %s already exists", order.ID))
		}
		t.orders[order.ID] = cloneOrder(order)
		t.inserted[order.ID] = true
		return nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.orders[order.ID]; ok {
		return conflict("orders.insert", fmt.Errorf("order %s already exists", order.ID))
	}
	r.store.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	if t := txFrom(ctx); t != nil {
		current, ok := t.orders[order.ID]
		if !ok {
			current, ok = r.store.committedOrder(order.ID)
			if !ok {
				return notFound("orders.update", fmt.Errorf("order %s", order.ID))
			}
			if _, seen := t.readVersions[order.ID]; !seen {
				t.readVersions[order.ID] = current.Version
			}
		}
		if current.Version != order.Version-1 {
			return conflict("orders.update", fmt.Errorf("order %s version %d, expected %d", order.ID, current.Version, order.Version-1))
		}
		t.orders[order.ID] = cloneOrder(order)
		return nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	current, ok := r.store.orders[order.ID]
	if !ok {
		return notFound("orders.update", fmt.Errorf("order %s", order.ID))
	}
	if current.Version != order.Version-1 {
		return conflict("orders.update", fmt.Errorf("order %s version %d, expected %d", order.ID, current.Version, order.Version-1))
	}
	r.store.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	t := txFrom(ctx)
	if t != nil {
		if staged, ok := t.orders[orderID]; ok {
			return cloneOrder(staged), nil
		}
	}
	order, ok := r.store.committedOrder(orderID)
	if !ok {
		return domain.Order{}, notFound("orders.find", fmt.Errorf("order %s", orderID))
	}
	if t != nil {
		if _, seen := t.readVersions[orderID]; !seen {
			t.readVersions[orderID] = order.Version
		}
	}
	return cloneOrder(order), nil
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.Normalize(filter.Pagination.PageSize, pagination.Options{})

	r.store.mu.RLock()
	matched := make([]domain.Order, 0, len(r.store.orders))
	for _, order := range r.store.orders {
		if filter.BuyerID != "" && order.BuyerID != filter.BuyerID {
			continue
		}
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		if !cursor.After(order.CreatedAt, order.ID) {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	r.store.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := domain.CursorPage[domain.Order]{Items: matched}
	if len(matched) > pageSize {
		page.Items = matched[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

type trackingEventRepository struct {
	store *Store
}

func (r trackingEventRepository) Append(ctx context.Context, event domain.TrackingEvent) (string, error) {
	if event.ID == "" || event.OrderID == "" {
		return "", errors.New("memory: tracking event id and order id are required")
	}
	if t := txFrom(ctx); t != nil {
		committed := r.store.committedLog(event.OrderID)
		if _, seen := t.readLogs[event.OrderID]; !seen {
			t.readLogs[event.OrderID] = len(committed)
		}
		log := append(committed, t.appended[event.OrderID]...)
		if err := checkAppend(log, event); err != nil {
			return "", err
		}
		event.Sequence = len(log) + 1
		t.appended[event.OrderID] = append(t.appended[event.OrderID], cloneEvent(event))
		return event.ID, nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	log := r.store.events[event.OrderID]
	if err := checkAppend(log, event); err != nil {
		return "", err
	}
	event.Sequence = len(log) + 1
	r.store.events[event.OrderID] = append(log, cloneEvent(event))
	return event.ID, nil
}

func (r trackingEventRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.TrackingEvent, error) {
	log := r.store.committedLog(orderID)
	if t := txFrom(ctx); t != nil {
		if _, seen := t.readLogs[orderID]; !seen {
			t.readLogs[orderID] = len(log)
		}
		log = append(log, t.appended[orderID]...)
	}
	out := make([]domain.TrackingEvent, len(log))
	for i, event := range log {
		out[i] = cloneEvent(event)
	}
	return out, nil
}

func checkAppend(log []domain.TrackingEvent, event domain.TrackingEvent) error {
	if len(log) == 0 {
		return nil
	}
	last := log[len(log)-1]
	if !domain.CanFollow(last.Status, event.Status) {
		return conflict("events.append", fmt.Errorf("%s cannot follow %s", event.Status, last.Status))
	}
	return nil
}

func cloneOrder(order domain.Order) domain.Order {
	if order.DeliveredAt != nil {
		delivered := *order.DeliveredAt
		order.DeliveredAt = &delivered
	}
	if order.CancelReason != nil {
		reason := *order.CancelReason
		order.CancelReason = &reason
	}
	return order
}

func cloneEvent(event domain.TrackingEvent) domain.TrackingEvent {
	event.Carrier = clonePtr(event.Carrier)
	event.TrackingNumber = clonePtr(event.TrackingNumber)
	event.LastLocation = clonePtr(event.LastLocation)
	event.EstimatedDelivery = clonePtr(event.EstimatedDelivery)
	return event
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
