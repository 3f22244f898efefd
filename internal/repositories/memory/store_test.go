package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

var baseTime = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func seedOrder(t *testing.T, store *Store, id string) domain.Order {
	t.Helper()
	order := domain.Order{
		ID:            id,
		BuyerID:       "buyer-1",
		Status:        domain.OrderStatusProcessing,
		PaymentMethod: domain.PaymentMethodCOD,
		PaymentStatus: domain.PaymentStatusPending,
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
		Version:       1,
	}
	require.NoError(t, store.Orders().Insert(context.Background(), order))
	return order
}

func TestOrderRepositoryInsertFindUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	order := seedOrder(t, store, "ord_1")

	err := store.Orders().Insert(ctx, order)
	require.Error(t, err)
	assert.True(t, repositories.IsConflict(err))

	found, err := store.Orders().FindByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, order, found)

	found.Status = domain.OrderStatusShipped
	found.Version = 2
	require.NoError(t, store.Orders().Update(ctx, found))

	stale := found
	stale.Status = domain.OrderStatusDelivered
	err = store.Orders().Update(ctx, stale)
	assert.True(t, repositories.IsConflict(err), "same version written twice must conflict")

	_, err = store.Orders().FindByID(ctx, "missing")
	assert.True(t, repositories.IsNotFound(err))
}

func TestFindReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	order := seedOrder(t, store, "ord_1")
	reason := "changed mind"
	order.CancelReason = &reason
	order.Version = 2
	require.NoError(t, store.Orders().Update(ctx, order))

	found, err := store.Orders().FindByID(ctx, "ord_1")
	require.NoError(t, err)
	*found.CancelReason = "mutated"

	again, err := store.Orders().FindByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "changed mind", *again.CancelReason)
}

func TestTrackingEventAppendAssignsSequenceAndEnforcesOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	events := store.TrackingEvents()

	_, err := events.Append(ctx, domain.TrackingEvent{ID: "trk_1", OrderID: "ord_1", Status: domain.OrderStatusShipped, CreatedAt: baseTime})
	require.NoError(t, err)
	_, err = events.Append(ctx, domain.TrackingEvent{ID: "trk_2", OrderID: "ord_1", Status: domain.OrderStatusShipped, CreatedAt: baseTime.Add(time.Hour)})
	require.NoError(t, err, "equal statuses keep the log non-decreasing")

	_, err = events.Append(ctx, domain.TrackingEvent{ID: "trk_3", OrderID: "ord_1", Status: domain.OrderStatusProcessing})
	require.Error(t, err)
	assert.True(t, repositories.IsConflict(err))

	_, err = events.Append(ctx, domain.TrackingEvent{ID: "trk_4", OrderID: "ord_1", Status: domain.OrderStatusRefunded})
	require.NoError(t, err)
	_, err = events.Append(ctx, domain.TrackingEvent{ID: "trk_5", OrderID: "ord_1", Status: domain.OrderStatusDelivered})
	assert.True(t, repositories.IsConflict(err), "nothing follows a terminal event")

	log, err := events.ListByOrder(ctx, "ord_1")
	require.NoError(t, err)
	require.Len(t, log, 3)
	for i, event := range log {
		assert.Equal(t, i+1, event.Sequence)
	}

	empty, err := events.ListByOrder(ctx, "ord_unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRunInTxCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedOrder(t, store, "ord_1")

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := store.Orders().FindByID(txCtx, "ord_1")
		require.NoError(t, err)
		_, err = store.TrackingEvents().Append(txCtx, domain.TrackingEvent{ID: "trk_1", OrderID: "ord_1", Status: domain.OrderStatusShipped})
		require.NoError(t, err)
		order.Status = domain.OrderStatusShipped
		order.Version++
		require.NoError(t, store.Orders().Update(txCtx, order))

		inTx, err := store.TrackingEvents().ListByOrder(txCtx, "ord_1")
		require.NoError(t, err)
		assert.Len(t, inTx, 1, "staged appends are visible inside the transaction")
		return boom
	})
	require.ErrorIs(t, err, boom)

	order, err := store.Orders().FindByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status, "rolled back")
	log, err := store.TrackingEvents().ListByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestRunInTxDetectsLostUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedOrder(t, store, "ord_1")

	err := store.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := store.Orders().FindByID(txCtx, "ord_1")
		require.NoError(t, err)

		// A competing writer commits between our read and our commit.
		competing := order
		competing.Status = domain.OrderStatusShipped
		competing.Version++
		require.NoError(t, store.Orders().Update(ctx, competing))

		order.Status = domain.OrderStatusDelivered
		order.Version++
		return store.Orders().Update(txCtx, order)
	})
	require.Error(t, err)
	assert.True(t, repositories.IsConflict(err))

	order, err := store.Orders().FindByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, order.Status)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for i := 0; i < 5; i++ {
		order := domain.Order{
			ID:        fmt.Sprintf("ord_%d", i),
			BuyerID:   "buyer-1",
			Status:    domain.OrderStatusPending,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
			Version:   1,
		}
		if i == 4 {
			order.BuyerID = "buyer-2"
		}
		require.NoError(t, store.Orders().Insert(ctx, order))
	}

	filter := repositories.OrderListFilter{BuyerID: "buyer-1", Pagination: domain.Pagination{PageSize: 3}}
	first, err := store.Orders().List(ctx, filter)
	require.NoError(t, err)
	require.Len(t, first.Items, 3)
	assert.Equal(t, []string{"ord_3", "ord_2", "ord_1"}, ids(first.Items))
	require.NotEmpty(t, first.NextPageToken)

	filter.Pagination.PageToken = first.NextPageToken
	second, err := store.Orders().List(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, []string{"ord_0"}, ids(second.Items))
	assert.Empty(t, second.NextPageToken)

	byStatus, err := store.Orders().List(ctx, repositories.OrderListFilter{Status: []domain.OrderStatus{domain.OrderStatusShipped}})
	require.NoError(t, err)
	assert.Empty(t, byStatus.Items)
}

func ids(orders []domain.Order) []string {
	out := make([]string, len(orders))
	for i, order := range orders {
		out[i] = order.ID
	}
	return out
}
