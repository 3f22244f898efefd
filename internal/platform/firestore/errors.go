package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/ordertracking/internal/repositories"
)

// WrapError classifies Firestore failures as repository errors. Context
// cancellation is passed through untouched so callers can tell it apart.
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

	switch code := status.Code(err); code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.NotFound:
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, err)
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
	}
	if op == "" {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
