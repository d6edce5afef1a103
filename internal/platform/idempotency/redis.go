package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "idempotency"

// RedisStore keeps keys in Redis. Expiry is delegated to Redis TTLs, so
// PurgeExpired has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption customises the RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix namespaces keys, for example per environment.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore constructs a store on top of an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, documentID(key))
}

// Reserve implements Store with SET NX so only one caller proceeds.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	ttl = effectiveTTL(ttl)
	rec := pendingRecord(key, fingerprint, now.UTC(), ttl)
	payload, err := json.Marshal(rec)
	if err != nil {
		return Reservation{}, err
	}

	rk := s.redisKey(key)
	stored, err := s.client.SetNX(ctx, rk, payload, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if stored {
		return Reservation{Outcome: OutcomeProceed, Record: rec}, nil
	}

	existing, found, err := s.load(ctx, rk)
	if err != nil {
		return Reservation{}, err
	}
	if !found {
		// expired between SETNX and GET
		return s.Reserve(ctx, key, fingerprint, now, ttl)
	}
	return reservationFor(existing, fingerprint)
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	rk := s.redisKey(key)

	rec, found, err := s.load(ctx, rk)
	if err != nil {
		return err
	}
	if !found {
		rec = pendingRecord(key, fingerprint, now, ttl)
	} else if rec.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}

	payload, err := json.Marshal(completeRecord(rec, resp, now, ttl))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, rk, payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

// PurgeExpired implements Store.
func (s *RedisStore) PurgeExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, rk string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: load: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return rec, true, nil
}
