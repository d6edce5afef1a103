package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory. It backs tests and single
// instance deployments (API_IDEMPOTENCY_BACKEND=memory).
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok && !rec.expired(now) {
		return reservationFor(rec, fingerprint)
	}
	rec := pendingRecord(key, fingerprint, now, effectiveTTL(ttl))
	s.records[id] = rec
	return Reservation{Outcome: OutcomeProceed, Record: rec}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		rec = pendingRecord(key, fingerprint, now, effectiveTTL(ttl))
	} else if rec.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = completeRecord(rec, resp, now, effectiveTTL(ttl))
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, documentID(key))
	return nil
}

// PurgeExpired implements Store. A non-positive limit removes every expired key.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if rec.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
