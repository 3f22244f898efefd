package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/platform/pagination"
	ppostgres "github.com/hanko-field/ordertracking/internal/platform/postgres"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

const orderColumns = `id, buyer_id, status, payment_method, payment_status,
	created_at, updated_at, delivered_at, cancel_reason, version`

// OrderRepository stores orders in the orders table.
type OrderRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(pool *pgxpool.Pool) (*OrderRepository, error) {
	if pool == nil {
		return nil, errors.New("order repository requires postgres pool")
	}
	return &OrderRepository{pool: pool}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}
	_, err := ppostgres.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		order.ID, order.BuyerID, string(order.Status), string(order.PaymentMethod), string(order.PaymentStatus),
		order.CreatedAt.UTC(), order.UpdatedAt.UTC(), utcPtr(order.DeliveredAt), order.CancelReason, order.Version,
	)
	return ppostgres.WrapError("orders.insert", err)
}

// Update writes the order only when the stored version is order.Version-1.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	tag, err := ppostgres.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE orders
		SET status = $2,
			payment_status = $3,
			updated_at = $4,
			delivered_at = $5,
			cancel_reason = $6,
			version = $7
		WHERE id = $1 AND version = $8`,
		order.ID, string(order.Status), string(order.PaymentStatus), order.UpdatedAt.UTC(),
		utcPtr(order.DeliveredAt), order.CancelReason, order.Version, order.Version-1,
	)
	if err != nil {
		return ppostgres.WrapError("orders.update", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := ppostgres.Conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return ppostgres.WrapError("orders.update", err)
	}
	if !exists {
		return repositories.NewStoreError("orders.update", repositories.StoreErrorNotFound, fmt.Errorf("order %s", order.ID))
	}
	return repositories.NewStoreError("orders.update", repositories.StoreErrorConflict,
		fmt.Errorf("order %s is not at version %d", order.ID, order.Version-1))
}

// FindByID locks the row for the rest of the transaction when ctx carries one.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if _, inTx := ppostgres.TxFromContext(ctx); inTx {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(ppostgres.Conn(ctx, r.pool).QueryRow(ctx, query, orderID))
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.find", err)
	}
	return order, nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.Normalize(filter.Pagination.PageSize, pagination.Options{})

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if buyer := strings.TrimSpace(filter.BuyerID); buyer != "" {
		where = append(where, "buyer_id = "+arg(buyer))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			statuses[i] = string(status)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if !cursor.IsZero() {
		where = append(where, "(created_at, id) < ("+arg(cursor.CreatedAt.UTC())+", "+arg(cursor.ID)+")")
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(pageSize+1)

	rows, err := ppostgres.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, ppostgres.WrapError("orders.list", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, ppostgres.WrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order                                 domain.Order
		status, paymentMethod, paymentStatus string
	)
	err := row.Scan(
		&order.ID, &order.BuyerID, &status, &paymentMethod, &paymentStatus,
		&order.CreatedAt, &order.UpdatedAt, &order.DeliveredAt, &order.CancelReason, &order.Version,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentMethod = domain.PaymentMethod(paymentMethod)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.DeliveredAt = utcPtr(order.DeliveredAt)
	return order, nil
}
