package firestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/hanko-field/ordertracking/internal/repositories"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides how many times Firestore itself retries an aborted transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the whole transaction, retries included.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

type txKey struct{}

// txScope carries the transaction plus the snapshots read through it, so a
// later write in the same transaction can inspect what was read without a
// second read (Firestore rejects reads after writes).
type txScope struct {
	tx *firestore.Transaction

	mu    sync.Mutex
	reads map[string]*firestore.DocumentSnapshot
}

// WithTransaction attaches tx to ctx so repositories join it.
func WithTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, &txScope{tx: tx, reads: map[string]*firestore.DocumentSnapshot{}})
}

// TransactionFromContext returns the transaction attached by WithTransaction, if any.
func TransactionFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	scope := scopeFromContext(ctx)
	if scope == nil {
		return nil, false
	}
	return scope.tx, true
}

func scopeFromContext(ctx context.Context) *txScope {
	scope, _ := ctx.Value(txKey{}).(*txScope)
	if scope == nil || scope.tx == nil {
		return nil
	}
	return scope
}

func (s *txScope) remember(snap *firestore.DocumentSnapshot) {
	if snap == nil || snap.Ref == nil {
		return
	}
	s.mu.Lock()
	s.reads[snap.Ref.Path] = snap
	s.mu.Unlock()
}

func (s *txScope) recall(path string) (*firestore.DocumentSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.reads[path]
	return snap, ok
}

// RunTransaction executes fn within a transaction on the provided client.
// fn receives a context carrying the transaction.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return errors.New("firestore: client is nil")
	}
	if fn == nil {
		return errors.New("firestore: transaction function is nil")
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > cfg.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	err := client.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
		return fn(WithTransaction(txCtx, tx), tx)
	}, firestore.MaxAttempts(cfg.attempts))
	return WrapError("transaction", err)
}

// UnitOfWork adapts Provider transactions to repositories.UnitOfWork.
type UnitOfWork struct {
	provider *Provider
	opts     []TxOption
}

var _ repositories.UnitOfWork = (*UnitOfWork)(nil)

// NewUnitOfWork returns a UnitOfWork. A single attempt is the default so the
// caller decides whether an aborted transaction is retried.
func NewUnitOfWork(provider *Provider, opts ...TxOption) *UnitOfWork {
	return &UnitOfWork{
		provider: provider,
		opts:     append([]TxOption{WithTxAttempts(1)}, opts...),
	}
}

// RunInTx runs fn in a Firestore transaction; nested calls join the outer one.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TransactionFromContext(ctx); ok {
		return fn(ctx)
	}
	return u.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	}, u.opts...)
}
