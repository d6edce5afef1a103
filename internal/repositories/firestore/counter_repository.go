package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/vanhh59/vpack-ecomerce/internal/platform/firestore"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	Step         int64     `firestore:"step"`
	MaxValue     *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterOption customises the CounterRepository.
type CounterOption func(*CounterRepository)

// WithCounterCeiling caps counterID at max. The ceiling is written when the
// counter document is first created and enforced on every increment.
func WithCounterCeiling(counterID string, max int64) CounterOption {
	return func(r *CounterRepository) {
		if id := strings.TrimSpace(counterID); id != "" && max > 0 {
			r.ceilings[id] = max
		}
	}
}

// WithCounterClock overrides the clock stamped on counter documents.
func WithCounterClock(clock func() time.Time) CounterOption {
	return func(r *CounterRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// CounterRepository hands out monotonically increasing values from a
// Firestore document per counter.
type CounterRepository struct {
	counters *pfirestore.BaseRepository[counterDocument]
	ceilings map[string]int64
	now      func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider, opts ...CounterOption) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository: firestore provider is required")
	}
	repo := &CounterRepository{
		counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection, nil, nil),
		ceilings: make(map[string]int64),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Next atomically advances counterID and returns the new value. A step of
// zero reuses the stored step.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(id, repositories.CounterErrorInvalidInput, "counter id is required")
	}
	if step < 0 {
		return 0, repositories.NewCounterError(id, repositories.CounterErrorInvalidInput, fmt.Sprintf("step must not be negative, got %d", step))
	}

	now := r.now().UTC()
	var next int64
	err := r.counters.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		var doc counterDocument
		snapshot, err := tx.Get(ref)
		switch {
		case pfirestore.IsNotFound(err):
			if max, ok := r.ceilings[id]; ok {
				doc.MaxValue = &max
			}
		case err != nil:
			return err
		default:
			decoded, err := r.counters.Decode(ctx, snapshot)
			if err != nil {
				return fmt.Errorf("counters decode %s: %w", id, err)
			}
			doc = decoded.Data
		}

		increment := step
		if increment == 0 {
			increment = max(doc.Step, 1)
		}
		value := doc.CurrentValue + increment
		if doc.MaxValue != nil && value > *doc.MaxValue {
			return repositories.NewCounterError(id, repositories.CounterErrorExhausted, fmt.Sprintf("exceeded max value %d", *doc.MaxValue))
		}

		doc.CurrentValue = value
		doc.Step = increment
		doc.UpdatedAt = now
		next = value
		return tx.Set(ref, doc)
	})
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return next, nil
}
