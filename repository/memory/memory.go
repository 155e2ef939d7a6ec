// Package memory provides an in-memory repository.Repository. Documents
// live in process memory and are lost on restart.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/repository"
)

var _ repository.Repository = (*Repository)(nil)

// Repository is a map-backed document repository.
type Repository struct {
	mu          sync.RWMutex
	collections map[string]map[string]repository.Document
}

// New creates an empty repository.
func New() *Repository {
	return &Repository{collections: make(map[string]map[string]repository.Document)}
}

func now() time.Time { return time.Now().UTC() }

// collection returns the named collection, creating it. Callers hold mu.
func (r *Repository) collection(name string) map[string]repository.Document {
	c, ok := r.collections[name]
	if !ok {
		c = make(map[string]repository.Document)
		r.collections[name] = c
	}
	return c
}

// Save implements repository.Repository.
func (r *Repository) Save(_ context.Context, collection, id string, fields repository.Document) error {
	if err := repository.Validate(collection, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t := now()
	c := r.collection(collection)
	doc, ok := c[id]
	if !ok {
		doc = repository.Document{repository.FieldID: id, repository.FieldCreatedAt: t}
		c[id] = doc
	}
	for k, v := range fields {
		if k == repository.FieldID || k == repository.FieldCreatedAt {
			continue
		}
		doc[k] = v
	}
	doc[repository.FieldUpdatedAt] = t
	return nil
}

// Get implements repository.Repository.
func (r *Repository) Get(_ context.Context, collection, id string) (repository.Document, error) {
	if err := repository.Validate(collection, id); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", courier.ErrDocumentNotFound, collection, id)
	}
	return doc.Clone(), nil
}

// Delete implements repository.Repository.
func (r *Repository) Delete(_ context.Context, collection, id string) error {
	if err := repository.Validate(collection, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.collections[collection]
	if _, ok := c[id]; !ok {
		return fmt.Errorf("%w: %s/%s", courier.ErrDocumentNotFound, collection, id)
	}
	delete(c, id)
	return nil
}

// Increment implements repository.Repository.
func (r *Repository) Increment(_ context.Context, collection, id, field string, delta int64) (int64, error) {
	if err := repository.Validate(collection, id); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t := now()
	c := r.collection(collection)
	doc, ok := c[id]
	if !ok {
		doc = repository.Document{repository.FieldID: id, repository.FieldCreatedAt: t}
		c[id] = doc
	}
	current, err := toInt64(doc[field])
	if err != nil {
		return 0, fmt.Errorf("%w: field %q: %w", courier.ErrValidation, field, err)
	}
	current += delta
	doc[field] = current
	doc[repository.FieldUpdatedAt] = t
	return current, nil
}

// Find implements repository.Repository.
func (r *Repository) Find(_ context.Context, collection string, match repository.Document, limit int) ([]repository.Document, error) {
	r.mu.RLock()
	out := make([]repository.Document, 0)
	for _, doc := range r.collections[collection] {
		if matches(doc, match) {
			out = append(out, doc.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, _ := out[i][repository.FieldCreatedAt].(time.Time)
		tj, _ := out[j][repository.FieldCreatedAt].(time.Time)
		if ti.Equal(tj) {
			return fmt.Sprint(out[i][repository.FieldID]) < fmt.Sprint(out[j][repository.FieldID])
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) Ping(context.Context) error { return nil }
func (r *Repository) Close() error               { return nil }

func matches(doc, match repository.Document) bool {
	for k, want := range match {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}
