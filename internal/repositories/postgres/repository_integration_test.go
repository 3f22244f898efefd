//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/platform/config"
	ppostgres "github.com/hanko-field/ordertracking/internal/platform/postgres"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

type repositorySuite struct {
	suite.Suite
	pool     *pgxpool.Pool
	registry *Registry
	created  time.Time
}

func TestPostgresRepositories(t *testing.T) {
	dsn := os.Getenv("API_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("API_TEST_POSTGRES_DSN not set")
	}
	suite.Run(t, &repositorySuite{created: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)})
}

func (s *repositorySuite) SetupSuite() {
	dsn := os.Getenv("API_TEST_POSTGRES_DSN")
	s.Require().NoError(ppostgres.Migrate(dsn))
	pool, err := ppostgres.Open(context.Background(), config.PostgresConfig{DSN: dsn, MaxConns: 8})
	s.Require().NoError(err)
	s.pool = pool
	s.registry, err = NewRegistry(pool, nil)
	s.Require().NoError(err)
}

func (s *repositorySuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *repositorySuite) SetupTest() {
	_, err := s.pool.Exec(context.Background(), `TRUNCATE tracking_events, orders`)
	s.Require().NoError(err)
}

func (s *repositorySuite) insert(id, buyer string, status domain.OrderStatus, offset time.Duration) domain.Order {
	order := domain.Order{
		ID:            id,
		BuyerID:       buyer,
		Status:        status,
		PaymentMethod: domain.PaymentMethodPrepaid,
		PaymentStatus: domain.PaymentStatusPaid,
		CreatedAt:     s.created.Add(offset),
		UpdatedAt:     s.created.Add(offset),
		Version:       1,
	}
	s.Require().NoError(s.registry.Orders().Insert(context.Background(), order))
	return order
}

func (s *repositorySuite) TestInsertFindUpdate() {
	ctx := context.Background()
	order := s.insert("ord_pg_1", "buyer-1", domain.OrderStatusConfirmed, 0)

	err := s.registry.Orders().Insert(ctx, order)
	s.True(repositories.IsConflict(err))

	found, err := s.registry.Orders().FindByID(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(order, found)

	delivered := s.created.Add(48 * time.Hour)
	found.Status = domain.OrderStatusDelivered
	found.DeliveredAt = &delivered
	found.Version = 2
	s.Require().NoError(s.registry.Orders().Update(ctx, found))

	stale := order
	stale.Version = 2
	s.True(repositories.IsConflict(s.registry.Orders().Update(ctx, stale)))

	missing := order
	missing.ID = "ord_missing"
	missing.Version = 2
	s.True(repositories.IsNotFound(s.registry.Orders().Update(ctx, missing)))

	_, err = s.registry.Orders().FindByID(ctx, "ord_missing")
	s.True(repositories.IsNotFound(err))
}

func (s *repositorySuite) TestAppendOrdersAndGuardsLog() {
	ctx := context.Background()
	s.insert("ord_pg_2", "buyer-1", domain.OrderStatusProcessing, 0)
	events := s.registry.TrackingEvents()

	carrier := "yamato"
	_, err := events.Append(ctx, domain.TrackingEvent{ID: "trk_1", OrderID: "ord_pg_2", Status: domain.OrderStatusShipped, Carrier: &carrier, ActorRole: domain.ActorCourier, CreatedAt: s.created})
	s.Require().NoError(err)
	_, err = events.Append(ctx, domain.TrackingEvent{ID: "trk_2", OrderID: "ord_pg_2", Status: domain.OrderStatusProcessing, ActorRole: domain.ActorSeller, CreatedAt: s.created})
	s.True(repositories.IsConflict(err))
	_, err = events.Append(ctx, domain.TrackingEvent{ID: "trk_3", OrderID: "ord_unknown", Status: domain.OrderStatusShipped, CreatedAt: s.created})
	s.True(repositories.IsNotFound(err))

	log, err := events.ListByOrder(ctx, "ord_pg_2")
	s.Require().NoError(err)
	s.Require().Len(log, 1)
	s.Equal(1, log[0].Sequence)
	s.Require().NotNil(log[0].Carrier)
	s.Equal("yamato", *log[0].Carrier)
}

func (s *repositorySuite) TestRollbackDiscardsWrites() {
	ctx := context.Background()
	s.insert("ord_pg_3", "buyer-1", domain.OrderStatusProcessing, 0)

	err := s.registry.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.registry.Orders().FindByID(txCtx, "ord_pg_3")
		if err != nil {
			return err
		}
		if _, err := s.registry.TrackingEvents().Append(txCtx, domain.TrackingEvent{ID: "trk_rb", OrderID: order.ID, Status: domain.OrderStatusShipped, CreatedAt: s.created}); err != nil {
			return err
		}
		order.Status = domain.OrderStatusShipped
		order.Version++
		if err := s.registry.Orders().Update(txCtx, order); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	s.Require().EqualError(err, "transaction: abort")

	order, err := s.registry.Orders().FindByID(ctx, "ord_pg_3")
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusProcessing, order.Status)
	log, err := s.registry.TrackingEvents().ListByOrder(ctx, "ord_pg_3")
	s.Require().NoError(err)
	s.Empty(log)
}

func (s *repositorySuite) TestConcurrentAdvancesSerialise() {
	ctx := context.Background()
	s.insert("ord_pg_race", "buyer-1", domain.OrderStatusProcessing, 0)

	const writers = 6
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = s.registry.RunInTx(ctx, func(txCtx context.Context) error {
				order, err := s.registry.Orders().FindByID(txCtx, "ord_pg_race")
				if err != nil {
					return err
				}
				if _, err := s.registry.TrackingEvents().Append(txCtx, domain.TrackingEvent{
					ID: fmt.Sprintf("trk_race_%d", idx), OrderID: order.ID, Status: domain.OrderStatusShipped, CreatedAt: s.created,
				}); err != nil {
					return err
				}
				order.Status = domain.OrderStatusShipped
				order.Version++
				return s.registry.Orders().Update(txCtx, order)
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		s.NoError(err, "row locks serialise writers instead of failing them")
	}

	order, err := s.registry.Orders().FindByID(ctx, "ord_pg_race")
	s.Require().NoError(err)
	s.Equal(int64(writers+1), order.Version)
	log, err := s.registry.TrackingEvents().ListByOrder(ctx, "ord_pg_race")
	s.Require().NoError(err)
	s.Len(log, writers)
	for i, event := range log {
		s.Equal(i+1, event.Sequence)
	}
}

func (s *repositorySuite) TestListKeysetPagination() {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		buyer := "buyer-1"
		if i == 2 {
			buyer = "buyer-2"
		}
		s.insert(fmt.Sprintf("ord_pg_l%d", i), buyer, domain.OrderStatusConfirmed, time.Duration(i)*time.Minute)
	}

	filter := repositories.OrderListFilter{BuyerID: "buyer-1", Pagination: domain.Pagination{PageSize: 2}}
	first, err := s.registry.Orders().List(ctx, filter)
	s.Require().NoError(err)
	assert.Equal(s.T(), []string{"ord_pg_l4", "ord_pg_l3"}, orderIDs(first.Items))
	require.NotEmpty(s.T(), first.NextPageToken)

	filter.Pagination.PageToken = first.NextPageToken
	second, err := s.registry.Orders().List(ctx, filter)
	s.Require().NoError(err)
	s.Equal([]string{"ord_pg_l1", "ord_pg_l0"}, orderIDs(second.Items))
	s.Empty(second.NextPageToken)

	byStatus, err := s.registry.Orders().List(ctx, repositories.OrderListFilter{Status: []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusShipped}})
	s.Require().NoError(err)
	s.Len(byStatus.Items, 5)
}

func orderIDs(orders []domain.Order) []string {
	out := make([]string, len(orders))
	for i, order := range orders {
		out[i] = order.ID
	}
	return out
}
