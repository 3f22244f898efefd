package idempotency

import (
	"context"
	"time"
)

const (
	defaultCleanupInterval = 15 * time.Minute
	defaultCleanupBatch    = 200
)

// RunCleanup purges expired records every interval until ctx is cancelled.
// A batch that fills up is followed immediately by another one.
func RunCleanup(ctx context.Context, store Store, interval time.Duration, batch int, logger Logger) error {
	if store == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if batch <= 0 {
		batch = defaultCleanupBatch
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		total := 0
		for {
			removed, err := store.CleanupExpired(ctx, time.Now().UTC(), batch)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if logger != nil {
					logger(ctx, "idempotency.cleanup.failed", map[string]any{"error": err.Error()})
				}
				break
			}
			total += removed
			if removed < batch || ctx.Err() != nil {
				break
			}
		}
		if total > 0 && logger != nil {
			logger(ctx, "idempotency.cleanup.completed", map[string]any{"removed": total})
		}
	}
}
