// Package mongo implements repository.Repository on MongoDB with the
// official v2 driver. Each collection name maps to a MongoDB collection in
// the configured database; the document id is stored as _id.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/xraph/courier"
	"github.com/xraph/courier/repository"
)

var _ repository.Repository = (*Repository)(nil)

// Repository is a MongoDB document repository.
type Repository struct {
	client *mongod.Client
	db     *mongod.Database
	prefix string
	owned  bool
	logger *slog.Logger
}

// Option configures the Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

// WithCollectionPrefix prefixes every collection name.
func WithCollectionPrefix(prefix string) Option {
	return func(r *Repository) { r.prefix = prefix }
}

// Connect dials uri and returns a repository on database that closes the
// client on Close.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Repository, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: connect: %w", err)
	}
	r := New(client, database, opts...)
	r.owned = true
	if err := r.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background()) //nolint:errcheck // already failing
		return nil, err
	}
	return r, nil
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client *mongod.Client, database string, opts ...Option) *Repository {
	r := &Repository{
		client: client,
		db:     client.Database(database),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Index declares a secondary index created by Migrate.
type Index struct {
	Collection string
	// Keys are ascending; prefix a key with "-" for descending.
	Keys   []string
	Unique bool
}

// Migrate creates the given indexes. Existing identical indexes are kept.
func (r *Repository) Migrate(ctx context.Context, indexes ...Index) error {
	byCol := make(map[string][]mongod.IndexModel)
	for _, idx := range indexes {
		keys := bson.D{}
		for _, k := range idx.Keys {
			if name, ok := strings.CutPrefix(k, "-"); ok {
				keys = append(keys, bson.E{Key: name, Value: -1})
				continue
			}
			keys = append(keys, bson.E{Key: k, Value: 1})
		}
		model := mongod.IndexModel{Keys: keys}
		if idx.Unique {
			model.Options = options.Index().SetUnique(true)
		}
		byCol[idx.Collection] = append(byCol[idx.Collection], model)
	}
	for col, models := range byCol {
		if _, err := r.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("courier/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("courier/mongo: ping: %w", err)
	}
	return nil
}

// Close disconnects the client when the repository opened it.
func (r *Repository) Close() error {
	if !r.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

// Database returns the underlying database handle.
func (r *Repository) Database() *mongod.Database { return r.db }

func (r *Repository) col(name string) *mongod.Collection {
	return r.db.Collection(r.prefix + name)
}

// Save implements repository.Repository.
func (r *Repository) Save(ctx context.Context, collection, id string, fields repository.Document) error {
	if err := repository.Validate(collection, id); err != nil {
		return err
	}
	t := now()
	set := bson.M{repository.FieldUpdatedAt: t}
	for k, v := range fields {
		if reserved(k) {
			continue
		}
		set[k] = v
	}
	_, err := r.col(collection).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{repository.FieldCreatedAt: t},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("courier/mongo: save %s: %w", collection, err)
	}
	return nil
}

// Get implements repository.Repository.
func (r *Repository) Get(ctx context.Context, collection, id string) (repository.Document, error) {
	if err := repository.Validate(collection, id); err != nil {
		return nil, err
	}
	var m bson.M
	err := r.col(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s/%s", courier.ErrDocumentNotFound, collection, id)
		}
		return nil, fmt.Errorf("courier/mongo: get %s: %w", collection, err)
	}
	return fromBSON(m), nil
}

// Delete implements repository.Repository.
func (r *Repository) Delete(ctx context.Context, collection, id string) error {
	if err := repository.Validate(collection, id); err != nil {
		return err
	}
	res, err := r.col(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("courier/mongo: delete %s: %w", collection, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s/%s", courier.ErrDocumentNotFound, collection, id)
	}
	return nil
}

// Increment implements repository.Repository.
func (r *Repository) Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	if err := repository.Validate(collection, id); err != nil {
		return 0, err
	}
	if reserved(field) {
		return 0, fmt.Errorf("%w: field %q is reserved", courier.ErrValidation, field)
	}
	t := now()
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{field: 1})

	var m bson.M
	err := r.col(collection).FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc":         bson.M{field: delta},
			"$set":         bson.M{repository.FieldUpdatedAt: t},
			"$setOnInsert": bson.M{repository.FieldCreatedAt: t},
		},
		opts,
	).Decode(&m)
	if err != nil {
		if isTypeMismatch(err) {
			return 0, fmt.Errorf("%w: field %q is not numeric", courier.ErrValidation, field)
		}
		return 0, fmt.Errorf("courier/mongo: increment %s.%s: %w", collection, field, err)
	}
	switch n := m[field].(type) {
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("courier/mongo: increment %s.%s: unexpected %T", collection, field, m[field])
	}
}

// Find implements repository.Repository.
func (r *Repository) Find(ctx context.Context, collection string, match repository.Document, limit int) ([]repository.Document, error) {
	filter := bson.M{}
	for k, v := range match {
		if k == repository.FieldID {
			filter["_id"] = v
			continue
		}
		filter[k] = v
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: repository.FieldCreatedAt, Value: 1},
		{Key: "_id", Value: 1},
	})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := r.col(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: find %s: %w", collection, err)
	}
	defer cursor.Close(ctx) //nolint:errcheck // read-only cursor

	var ms []bson.M
	if err := cursor.All(ctx, &ms); err != nil {
		return nil, fmt.Errorf("courier/mongo: find %s decode: %w", collection, err)
	}
	out := make([]repository.Document, 0, len(ms))
	for _, m := range ms {
		out = append(out, fromBSON(m))
	}
	return out, nil
}

// ── helpers ──────────────────────────────────────────────────────

func now() time.Time {
	// MongoDB stores milliseconds.
	return time.Now().UTC().Truncate(time.Millisecond)
}

func reserved(key string) bool {
	return key == "_id" || key == repository.FieldID || key == repository.FieldCreatedAt || key == repository.FieldUpdatedAt
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isTypeMismatch reports a $inc on a non-numeric field.
func isTypeMismatch(err error) bool {
	var we mongod.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 14 {
				return true
			}
		}
	}
	var ce mongod.CommandError
	if errors.As(err, &ce) {
		return ce.Code == 14
	}
	return false
}

// fromBSON converts a decoded document, renaming _id and unwrapping BSON
// types into plain Go values.
func fromBSON(m bson.M) repository.Document {
	doc := make(repository.Document, len(m))
	for k, v := range m {
		if k == "_id" {
			doc[repository.FieldID] = plain(v)
			continue
		}
		doc[k] = plain(v)
	}
	return doc
}

func plain(v any) any {
	switch x := v.(type) {
	case bson.DateTime:
		return x.Time().UTC()
	case bson.M:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = plain(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case int32:
		return int64(x)
	default:
		return v
	}
}
