package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document represents a strongly typed Firestore document with metadata timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// Encoder serialises the strongly typed entity prior to persistence.
type Encoder[T any] func(value T) (any, error)

// Decoder hydrates the strongly typed entity from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// CollectionResolver returns the collection a repository works on. Nested
// collections resolve through the parent document.
type CollectionResolver func(client *firestore.Client) *firestore.CollectionRef

// TopLevel resolves a root collection by name.
func TopLevel(name string) CollectionResolver {
	return func(client *firestore.Client) *firestore.CollectionRef {
		return client.Collection(name)
	}
}

// Nested resolves parent/{parentID}/child.
func Nested(parent, parentID, child string) CollectionResolver {
	return func(client *firestore.Client) *firestore.CollectionRef {
		return client.Collection(parent).Doc(parentID).Collection(child)
	}
}

// BaseRepository provides typed document access. Every method joins the
// transaction attached to ctx by WithTransaction when there is one.
type BaseRepository[T any] struct {
	provider *Provider
	name     string
	encode   Encoder[T]
	decode   Decoder[T]
}

// NewBaseRepository constructs a BaseRepository; name is used in error annotations.
func NewBaseRepository[T any](provider *Provider, name string, encode Encoder[T], decode Decoder[T]) *BaseRepository[T] {
	if encode == nil {
		encode = func(value T) (any, error) { return value, nil }
	}
	if decode == nil {
		decode = StructDecoder[T]()
	}
	return &BaseRepository[T]{
		provider: provider,
		name:     strings.TrimSpace(name),
		encode:   encode,
		decode:   decode,
	}
}

// Create writes a new document and fails with a conflict when it already exists.
func (r *BaseRepository[T]) Create(ctx context.Context, coll CollectionResolver, id string, value T) error {
	doc, payload, err := r.prepare(ctx, coll, id, value)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return WrapError(r.op("create"), tx.Create(doc, payload))
	}
	_, err = doc.Create(ctx, payload)
	return WrapError(r.op("create"), err)
}

// Set overwrites the document, optionally guarded by preconditions outside transactions.
func (r *BaseRepository[T]) Set(ctx context.Context, coll CollectionResolver, id string, value T) error {
	doc, payload, err := r.prepare(ctx, coll, id, value)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return WrapError(r.op("set"), tx.Set(doc, payload))
	}
	_, err = doc.Set(ctx, payload)
	return WrapError(r.op("set"), err)
}

// Get fetches and decodes one document.
func (r *BaseRepository[T]) Get(ctx context.Context, coll CollectionResolver, id string) (Document[T], error) {
	doc, err := r.documentRef(ctx, coll, id)
	if err != nil {
		return Document[T]{}, err
	}
	var snap *firestore.DocumentSnapshot
	if scope := scopeFromContext(ctx); scope != nil {
		snap, err = scope.tx.Get(doc)
		if err == nil {
			scope.remember(snap)
		}
	} else {
		snap, err = doc.Get(ctx)
	}
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return r.decodeDocument(snap)
}

// ReadInTx returns the document as it was read earlier in the transaction
// attached to ctx. ok is false outside a transaction or when the document was
// not read through this repository.
func (r *BaseRepository[T]) ReadInTx(ctx context.Context, coll CollectionResolver, id string) (doc Document[T], ok bool, err error) {
	scope := scopeFromContext(ctx)
	if scope == nil {
		return Document[T]{}, false, nil
	}
	ref, err := r.documentRef(ctx, coll, id)
	if err != nil {
		return Document[T]{}, false, err
	}
	snap, ok := scope.recall(ref.Path)
	if !ok {
		return Document[T]{}, false, nil
	}
	doc, err = r.decodeDocument(snap)
	return doc, err == nil, err
}

// Query runs a query against the collection and decodes every result.
func (r *BaseRepository[T]) Query(ctx context.Context, coll CollectionResolver, build QueryBuilder) ([]Document[T], error) {
	ref, err := r.collectionRef(ctx, coll)
	if err != nil {
		return nil, err
	}
	query := ref.Query
	if build != nil {
		query = build(query)
	}

	var iter *firestore.DocumentIterator
	if tx, ok := TransactionFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		decoded, err := r.decodeDocument(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, decoded)
	}
	return docs, nil
}

func (r *BaseRepository[T]) prepare(ctx context.Context, coll CollectionResolver, id string, value T) (*firestore.DocumentRef, any, error) {
	doc, err := r.documentRef(ctx, coll, id)
	if err != nil {
		return nil, nil, err
	}
	payload, err := r.encode(value)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: encode document %s: %w", r.op("encode"), id, err)
	}
	return doc, payload, nil
}

func (r *BaseRepository[T]) decodeDocument(snap *firestore.DocumentSnapshot) (Document[T], error) {
	entity, err := r.decode(snap)
	if err != nil {
		return Document[T]{}, fmt.Errorf("%s: decode document %s: %w", r.op("decode"), snap.Ref.ID, err)
	}
	return Document[T]{
		ID:         snap.Ref.ID,
		Data:       entity,
		UpdateTime: snap.UpdateTime,
	}, nil
}

func (r *BaseRepository[T]) collectionRef(ctx context.Context, coll CollectionResolver) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	if coll == nil {
		return nil, errors.New("firestore: collection resolver is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return coll(client), nil
}

func (r *BaseRepository[T]) documentRef(ctx context.Context, coll CollectionResolver, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%s: document id is required", r.op("document"))
	}
	ref, err := r.collectionRef(ctx, coll)
	if err != nil {
		return nil, err
	}
	return ref.Doc(id), nil
}

func (r *BaseRepository[T]) op(action string) string {
	name := "firestore"
	if r != nil && r.name != "" {
		name = r.name
	}
	return name + "." + action
}

// StructDecoder populates the target struct using Firestore's native decoding.
func StructDecoder[T any]() Decoder[T] {
	return func(snap *firestore.DocumentSnapshot) (T, error) {
		var target T
		err := snap.DataTo(&target)
		return target, err
	}
}
