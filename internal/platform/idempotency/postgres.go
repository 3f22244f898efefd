package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/ordertracking/internal/platform/postgres"
)

// PostgresStore keeps records in the idempotency_keys table created by the
// embedded migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const reserveSQL = `
INSERT INTO idempotency_keys (key_hash, fingerprint, completed, updated_at, expires_at)
VALUES ($1, $2, FALSE, $3, $4)
ON CONFLICT (key_hash) DO UPDATE SET
    fingerprint = EXCLUDED.fingerprint,
    completed = FALSE,
    response_status = NULL,
    response_headers = NULL,
    response_body = NULL,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.expires_at <= EXCLUDED.updated_at
RETURNING key_hash`

const selectSQL = `
SELECT fingerprint, completed, response_status, response_headers, response_body
FROM idempotency_keys WHERE key_hash = $1`

func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	id := documentID(key)
	now = now.UTC()
	conn := postgres.Conn(ctx, s.pool)

	var inserted string
	err := conn.QueryRow(ctx, reserveSQL, id, fingerprint, now, now.Add(ttlOrDefault(ttl))).Scan(&inserted)
	if err == nil {
		return Reservation{State: StateNew}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, postgres.WrapError("idempotency.reserve", err)
	}

	// The key exists and has not expired.
	var (
		storedFingerprint string
		completed         bool
		status            *int
		headers           map[string][]string
		body              []byte
	)
	err = conn.QueryRow(ctx, selectSQL, id).Scan(&storedFingerprint, &completed, &status, &headers, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		// Removed by cleanup between the two statements.
		return Reservation{State: StatePending}, nil
	}
	if err != nil {
		return Reservation{}, postgres.WrapError("idempotency.reserve", err)
	}
	if storedFingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if !completed {
		return Reservation{State: StatePending}, nil
	}
	resp := Response{Headers: headers, Body: body}
	if status != nil {
		resp.Status = *status
	}
	return Reservation{State: StateCompleted, Response: resp}, nil
}

const completeSQL = `
INSERT INTO idempotency_keys (key_hash, fingerprint, completed, response_status, response_headers, response_body, updated_at, expires_at)
VALUES ($1, $2, TRUE, $3, $4, $5, $6, $7)
ON CONFLICT (key_hash) DO UPDATE SET
    completed = TRUE,
    response_status = EXCLUDED.response_status,
    response_headers = EXCLUDED.response_headers,
    response_body = EXCLUDED.response_body,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.fingerprint = EXCLUDED.fingerprint
RETURNING key_hash`

func (s *PostgresStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	var updated string
	err := postgres.Conn(ctx, s.pool).QueryRow(ctx, completeSQL,
		documentID(key), fingerprint, resp.Status, storableHeaders(resp.Headers), cloneBody(resp.Body),
		now, now.Add(ttlOrDefault(ttl)),
	).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrFingerprintMismatch
	}
	return postgres.WrapError("idempotency.complete", err)
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := postgres.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM idempotency_keys WHERE key_hash = $1`, documentID(key))
	return postgres.WrapError("idempotency.release", err)
}

const cleanupSQL = `
DELETE FROM idempotency_keys
WHERE key_hash IN (
    SELECT key_hash FROM idempotency_keys WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
)`

func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := postgres.Conn(ctx, s.pool).Exec(ctx, cleanupSQL, now.UTC(), limit)
	if err != nil {
		return 0, postgres.WrapError("idempotency.cleanup", err)
	}
	return int(tag.RowsAffected()), nil
}
