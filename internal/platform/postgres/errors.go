package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hanko-field/ordertracking/internal/repositories"
)

// SQLSTATE codes mapped to repository classifications.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeLockNotAvailable     = "55P03"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
	classConnection          = "08"
)

// WrapError classifies pgx failures as repository errors. Context
// cancellation is passed through untouched.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified repositories.RepositoryError
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeSerializationFailure, pgErr.Code == codeDeadlockDetected,
			pgErr.Code == codeUniqueViolation, pgErr.Code == codeLockNotAvailable:
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
		case pgErr.Code == codeForeignKeyViolation:
			return repositories.NewStoreError(op, repositories.StoreErrorNotFound, err)
		case pgErr.Code == codeAdminShutdown, pgErr.Code == codeCannotConnectNow,
			len(pgErr.Code) >= 2 && pgErr.Code[:2] == classConnection:
			return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
		}
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
	}
	if op == "" {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
