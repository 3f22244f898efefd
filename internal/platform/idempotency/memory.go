package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type memoryRecord struct {
	fingerprint string
	completed   bool
	response    Response
	expiresAt   time.Time
}

// MemoryStore keeps records in process for the memory backend and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	record, ok := s.records[id]
	if !ok || !now.Before(record.expiresAt) {
		s.records[id] = memoryRecord{fingerprint: fingerprint, expiresAt: now.Add(ttlOrDefault(ttl))}
		return Reservation{State: StateNew}, nil
	}
	if record.fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.completed {
		return Reservation{State: StateCompleted, Response: cloneResponse(record.response)}, nil
	}
	return Reservation{State: StatePending}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	if record, ok := s.records[id]; ok && record.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = memoryRecord{
		fingerprint: fingerprint,
		completed:   true,
		response:    Response{Status: resp.Status, Headers: storableHeaders(resp.Headers), Body: cloneBody(resp.Body)},
		expiresAt:   now.Add(ttlOrDefault(ttl)),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, documentID(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if now.Before(record.expiresAt) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	return removed, nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func cloneResponse(resp Response) Response {
	return Response{Status: resp.Status, Headers: http.Header(storableHeaders(resp.Headers)), Body: cloneBody(resp.Body)}
}
