package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
)

const aggregateAlias = "value"

// Document pairs a decoded entity with its id and server timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// Encoder serialises the entity prior to persistence.
type Encoder[T any] func(ctx context.Context, value T) (any, error)

// Decoder hydrates the entity from a snapshot.
type Decoder[T any] func(ctx context.Context, snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises a collection query before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// BaseRepository wraps typed access to one collection.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
	encode     Encoder[T]
	decode     Decoder[T]
}

// NewBaseRepository constructs a BaseRepository bound to a collection. Nil
// codecs fall back to native struct encoding.
func NewBaseRepository[T any](provider *Provider, collection string, encode Encoder[T], decode Decoder[T]) *BaseRepository[T] {
	if encode == nil {
		encode = IdentityEncoder[T]()
	}
	if decode == nil {
		decode = StructDecoder[T]()
	}
	return &BaseRepository[T]{
		provider:   provider,
		collection: strings.TrimSpace(collection),
		encode:     encode,
		decode:     decode,
	}
}

// Create writes a new document and fails with a conflict if id is taken.
func (r *BaseRepository[T]) Create(ctx context.Context, id string, value T) error {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	payload, err := r.encode(ctx, value)
	if err != nil {
		return fmt.Errorf("firestore: encode document %s: %w", id, err)
	}
	if _, err := doc.Create(ctx, payload); err != nil {
		return WrapError(r.op("create"), err)
	}
	return nil
}

// Set upserts the value under id.
func (r *BaseRepository[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) error {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	payload, err := r.encode(ctx, value)
	if err != nil {
		return fmt.Errorf("firestore: encode document %s: %w", id, err)
	}
	if _, err := doc.Set(ctx, payload, opts...); err != nil {
		return WrapError(r.op("set"), err)
	}
	return nil
}

// Update applies field updates. A missing document is reported as not found.
func (r *BaseRepository[T]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := doc.Update(ctx, updates); err != nil {
		return WrapError(r.op("update"), err)
	}
	return nil
}

// Get fetches and decodes one document.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := doc.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return r.Decode(ctx, snapshot)
}

// GetMany reads ids in one batched call. Ids without a document are left
// out of the result rather than reported as errors.
func (r *BaseRepository[T]) GetMany(ctx context.Context, ids []string) (map[string]Document[T], error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(ids))
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, coll.Doc(id))
	}
	result := make(map[string]Document[T], len(refs))
	if len(refs) == 0 {
		return result, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	snapshots, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, WrapError(r.op("get_many"), err)
	}
	for _, snapshot := range snapshots {
		if snapshot == nil || !snapshot.Exists() {
			continue
		}
		decoded, err := r.Decode(ctx, snapshot)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode document %s: %w", snapshot.Ref.ID, err)
		}
		result[decoded.ID] = decoded
	}
	return result, nil
}

// Query executes a collection query and returns the decoded documents.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	query, err := r.query(ctx, build)
	if err != nil {
		return nil, err
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		decoded, err := r.Decode(ctx, snapshot)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode document %s: %w", snapshot.Ref.ID, err)
		}
		docs = append(docs, decoded)
	}
	return docs, nil
}

// Count runs a server-side COUNT aggregation over the query.
func (r *BaseRepository[T]) Count(ctx context.Context, build QueryBuilder) (int64, error) {
	query, err := r.query(ctx, build)
	if err != nil {
		return 0, err
	}
	result, err := query.NewAggregationQuery().WithCount(aggregateAlias).Get(ctx)
	if err != nil {
		return 0, WrapError(r.op("count"), err)
	}
	return aggregateInt(result[aggregateAlias])
}

// Sum runs a server-side SUM aggregation of field over the query. Sums
// that Firestore reports as doubles are rounded to the nearest integer.
func (r *BaseRepository[T]) Sum(ctx context.Context, field string, build QueryBuilder) (int64, error) {
	query, err := r.query(ctx, build)
	if err != nil {
		return 0, err
	}
	result, err := query.NewAggregationQuery().WithSum(field, aggregateAlias).Get(ctx)
	if err != nil {
		return 0, WrapError(r.op("sum"), err)
	}
	return aggregateInt(result[aggregateAlias])
}

// DocumentRef exposes the reference for transactional access.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Encode applies the repository encoder, for writes made inside a transaction.
func (r *BaseRepository[T]) Encode(ctx context.Context, value T) (any, error) {
	return r.encode(ctx, value)
}

// Decode applies the repository decoder to a snapshot.
func (r *BaseRepository[T]) Decode(ctx context.Context, snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	entity, err := r.decode(ctx, snapshot)
	if err != nil {
		return Document[T]{}, err
	}
	return Document[T]{
		ID:         snapshot.Ref.ID,
		Data:       entity,
		CreateTime: snapshot.CreateTime,
		UpdateTime: snapshot.UpdateTime,
	}, nil
}

// RunTransaction delegates to the provider.
func (r *BaseRepository[T]) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if r == nil || r.provider == nil {
		return WrapError(r.op("transaction"), errors.New("firestore: provider is nil"))
	}
	return r.provider.RunTransaction(ctx, fn, opts...)
}

func (r *BaseRepository[T]) query(ctx context.Context, build QueryBuilder) (firestore.Query, error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return firestore.Query{}, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}
	return query, nil
}

func (r *BaseRepository[T]) collectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, WrapError(r.op("collection"), errors.New("firestore: provider is nil"))
	}
	if r.collection == "" {
		return nil, WrapError(r.op("collection"), errors.New("firestore: collection name is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

func (r *BaseRepository[T]) op(action string) string {
	name := "firestore"
	if r != nil && r.collection != "" {
		name = r.collection
	}
	return name + "." + action
}

func aggregateInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case *firestorepb.Value:
		switch val := v.GetValueType().(type) {
		case *firestorepb.Value_IntegerValue:
			return val.IntegerValue, nil
		case *firestorepb.Value_DoubleValue:
			return int64(math.Round(val.DoubleValue)), nil
		case *firestorepb.Value_NullValue, nil:
			return 0, nil
		}
	}
	return 0, fmt.Errorf("firestore: unexpected aggregation value %T", raw)
}

// IdentityEncoder writes the value unchanged.
func IdentityEncoder[T any]() Encoder[T] {
	return func(_ context.Context, value T) (any, error) {
		return value, nil
	}
}

// StructDecoder populates the target struct using Firestore's native decoding.
func StructDecoder[T any]() Decoder[T] {
	return func(_ context.Context, snap *firestore.DocumentSnapshot) (T, error) {
		var target T
		err := snap.DataTo(&target)
		return target, err
	}
}
