// Package repository is the persistence capability job handlers write
// through. It stores schemaless documents keyed by collection and id, the
// shape the social backend keeps its users, posts, comments, reactions,
// follows, messages and notifications in.
//
// Two implementations ship with courier: repository/memory for tests and
// single-process setups, and repository/mongo for production.
package repository

import (
	"context"
	"fmt"

	"github.com/xraph/courier"
)

// Document is a stored record. The "id", "created_at" and "updated_at"
// keys are maintained by the repository.
type Document map[string]any

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	cp := make(Document, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

// Repository persists documents. Implementations must be safe for
// concurrent use; handlers on every worker slot share one.
type Repository interface {
	// Save creates the document or merges fields into an existing one.
	Save(ctx context.Context, collection, id string, fields Document) error

	// Get returns the document or courier.ErrDocumentNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Delete removes the document. Deleting a missing document returns
	// courier.ErrDocumentNotFound.
	Delete(ctx context.Context, collection, id string) error

	// Increment adds delta to a numeric field, creating the document and
	// field when missing, and returns the new value.
	Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error)

	// Find returns up to limit documents whose fields equal every entry of
	// match, oldest first. A zero limit means no limit.
	Find(ctx context.Context, collection string, match Document, limit int) ([]Document, error)

	Ping(ctx context.Context) error
	Close() error
}

// Reserved document keys.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Validate checks the collection and id arguments shared by every call.
func Validate(collection, id string) error {
	if collection == "" {
		return fmt.Errorf("%w: collection is required", courier.ErrValidation)
	}
	if id == "" {
		return fmt.Errorf("%w: document id is required", courier.ErrValidation)
	}
	return nil
}
