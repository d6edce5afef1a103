package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "idempotency_keys"
	defaultMaxAttempts = 5
	defaultPurgeBatch  = 100
)

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding keys.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts bounds transaction retries.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// FirestoreStore shares keys across instances through Firestore.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: defaultCollection, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(documentID(key))
}

// Reserve implements Store inside a transaction so two instances cannot both proceed.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ref := s.doc(key)

	var result Reservation
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		if found && !existing.expired(now) {
			result, err = reservationFor(existing, fingerprint)
			return err
		}
		rec := pendingRecord(key, fingerprint, now, effectiveTTL(ttl))
		result = Reservation{Outcome: OutcomeProceed, Record: rec}
		return tx.Set(ref, toDocument(rec))
	}, firestore.MaxAttempts(s.maxAttempts))
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ref := s.doc(key)

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rec, found, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		if !found {
			rec = pendingRecord(key, fingerprint, now, effectiveTTL(ttl))
		} else if rec.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		return tx.Set(ref, toDocument(completeRecord(rec, resp, now, effectiveTTL(ttl))))
	}, firestore.MaxAttempts(s.maxAttempts))
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	_, err := s.doc(key).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// PurgeExpired deletes up to limit expired keys in one batch.
func (s *FirestoreStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeBatch
	}
	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}

	writer := s.client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := writer.Delete(doc.Ref); err != nil {
			writer.End()
			return 0, err
		}
	}
	writer.End()
	return len(docs), nil
}

type recordDocument struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func readRecord(tx *firestore.Transaction, ref *firestore.DocumentRef) (Record, bool, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var doc recordDocument
	if err := snap.DataTo(&doc); err != nil {
		return Record{}, false, err
	}
	return Record{
		Key:             doc.Key,
		Fingerprint:     doc.Fingerprint,
		Status:          Status(doc.Status),
		ResponseStatus:  doc.ResponseStatus,
		ResponseHeaders: doc.ResponseHeaders,
		ResponseBody:    doc.ResponseBody,
		CreatedAt:       doc.CreatedAt,
		ExpiresAt:       doc.ExpiresAt,
	}, true, nil
}

func toDocument(rec Record) recordDocument {
	return recordDocument{
		Key:             rec.Key,
		Fingerprint:     rec.Fingerprint,
		Status:          string(rec.Status),
		ResponseStatus:  rec.ResponseStatus,
		ResponseHeaders: rec.ResponseHeaders,
		ResponseBody:    rec.ResponseBody,
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       rec.ExpiresAt,
	}
}
