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
	"github.com/hanko-field/ordertracking/internal/platform/pagination"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

const (
	ordersCollection = "orders"
	maxStatusFilter  = 30
)

var ordersRef = pfirestore.TopLevel(ordersCollection)

// OrderRepository stores orders in the top-level orders collection.
type OrderRepository struct {
	provider *pfirestore.Provider
	docs     *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		docs:     pfirestore.NewBaseRepository[orderDocument](provider, "orders", nil, nil),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}
	return r.docs.Create(ctx, ordersRef, order.ID, newOrderDocument(order))
}

// Update replaces the order when the stored version is order.Version-1. Inside a
// transaction the check uses the snapshot read earlier by FindByID; the
// transaction's read set rejects competing commits.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: id is required")
	}
	if _, inTx := pfirestore.TransactionFromContext(ctx); inTx {
		return r.updateInTx(ctx, order)
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return r.updateInTx(txCtx, order)
	}, pfirestore.WithTxAttempts(1))
}

func (r *OrderRepository) updateInTx(ctx context.Context, order domain.Order) error {
	current, ok, err := r.docs.ReadInTx(ctx, ordersRef, order.ID)
	if err != nil {
		return err
	}
	if !ok {
		current, err = r.docs.Get(ctx, ordersRef, order.ID)
		if err != nil {
			return err
		}
	}
	if current.Data.Version != order.Version-1 {
		return repositories.NewStoreError("orders.update", repositories.StoreErrorConflict,
			fmt.Errorf("order %s version %d, expected %d", order.ID, current.Data.Version, order.Version-1))
	}
	return r.docs.Set(ctx, ordersRef, order.ID, newOrderDocument(order))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.docs.Get(ctx, ordersRef, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	if len(filter.Status) > maxStatusFilter {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("order list: at most %d statuses can be filtered", maxStatusFilter)
	}
	pageSize := pagination.Normalize(filter.Pagination.PageSize, pagination.Options{})

	docs, err := r.docs.Query(ctx, ordersRef, func(q firestore.Query) firestore.Query {
		if buyer := strings.TrimSpace(filter.BuyerID); buyer != "" {
			q = q.Where("buyerId", "==", buyer)
		}
		switch len(filter.Status) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Status[0]))
		default:
			statuses := make([]string, len(filter.Status))
			for i, status := range filter.Status {
				statuses[i] = string(status)
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, len(docs))}
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	if len(page.Items) > pageSize {
		page.Items = page.Items[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

type orderDocument struct {
	BuyerID       string     `firestore:"buyerId"`
	Status        string     `firestore:"status"`
	PaymentMethod string     `firestore:"paymentMethod"`
	PaymentStatus string     `firestore:"paymentStatus"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
	DeliveredAt   *time.Time `firestore:"deliveredAt"`
	CancelReason  *string    `firestore:"cancelReason"`
	Version       int64      `firestore:"version"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		BuyerID:       order.BuyerID,
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		CancelReason:  order.CancelReason,
		Version:       order.Version,
	}
	if order.DeliveredAt != nil {
		delivered := order.DeliveredAt.UTC()
		doc.DeliveredAt = &delivered
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:            id,
		BuyerID:       d.BuyerID,
		Status:        domain.OrderStatus(d.Status),
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
		CancelReason:  d.CancelReason,
		Version:       d.Version,
	}
	if d.DeliveredAt != nil {
		delivered := d.DeliveredAt.UTC()
		order.DeliveredAt = &delivered
	}
	return order
}
