package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var errNonceScope = errors.New("auth: scope and nonce are required")

// NonceStore remembers signature nonces to reject replays. UseNonce returns
// false when the nonce was already used within scope and has not expired.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process; suitable for a single instance or tests.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store; now may be nil.
func NewInMemoryNonceStore(now func() time.Time) *InMemoryNonceStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryNonceStore{now: now, nonces: make(map[string]time.Time)}
}

func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errNonceScope
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !expiry.After(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	for key, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, key)
		}
	}

	key := scope + "::" + nonce
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

type nonceSetter interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisNonceStore shares nonces across instances with SET NX and a TTL.
type RedisNonceStore struct {
	client nonceSetter
	prefix string
	now    func() time.Time
}

// NewRedisNonceStore wraps a go-redis client; keys are namespaced under prefix.
func NewRedisNonceStore(client redis.Cmdable, prefix string) *RedisNonceStore {
	return newRedisNonceStore(client, prefix, time.Now)
}

func newRedisNonceStore(client nonceSetter, prefix string, now func() time.Time) *RedisNonceStore {
	if prefix == "" {
		prefix = "nonce"
	}
	return &RedisNonceStore{client: client, prefix: prefix, now: now}
}

func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errNonceScope
	}
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	key := fmt.Sprintf("%s:%s:%s", s.prefix, scope, nonce)
	stored, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: redis nonce: %w", err)
	}
	return stored, nil
}
