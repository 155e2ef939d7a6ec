package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/courier"
	"github.com/xraph/courier/repository"
	"github.com/xraph/courier/repository/memory"
)

func TestSaveMergesFields(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	if err := r.Save(ctx, "users", "u1", repository.Document{"username": "ada", "bio": "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := r.Save(ctx, "users", "u1", repository.Document{"bio": "math", "id": "ignored"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	doc, err := r.Get(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["username"] != "ada" || doc["bio"] != "math" {
		t.Errorf("doc = %v", doc)
	}
	if doc[repository.FieldID] != "u1" {
		t.Errorf("id = %v, want u1", doc[repository.FieldID])
	}
	if _, ok := doc[repository.FieldCreatedAt]; !ok {
		t.Error("created_at missing")
	}

	// Get returns a copy.
	doc["username"] = "changed"
	again, _ := r.Get(ctx, "users", "u1")
	if again["username"] != "ada" {
		t.Error("Get leaked internal state")
	}
}

func TestGetDeleteMissing(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	if _, err := r.Get(ctx, "posts", "nope"); !errors.Is(err, courier.ErrDocumentNotFound) {
		t.Errorf("Get = %v, want ErrDocumentNotFound", err)
	}
	if err := r.Delete(ctx, "posts", "nope"); !errors.Is(err, courier.ErrDocumentNotFound) {
		t.Errorf("Delete = %v, want ErrDocumentNotFound", err)
	}
	if err := r.Save(ctx, "", "x", nil); !errors.Is(err, courier.ErrValidation) {
		t.Errorf("Save(no collection) = %v, want ErrValidation", err)
	}
}

func TestIncrement(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	for i, want := range []int64{1, 2, 1} {
		delta := int64(1)
		if i == 2 {
			delta = -1
		}
		got, err := r.Increment(ctx, "posts", "p1", "comments_count", delta)
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if got != want {
			t.Errorf("step %d: got %d, want %d", i, got, want)
		}
	}

	_ = r.Save(ctx, "posts", "p2", repository.Document{"title": "hi"})
	if _, err := r.Increment(ctx, "posts", "p2", "title", 1); !errors.Is(err, courier.ErrValidation) {
		t.Errorf("Increment(non-numeric) = %v, want ErrValidation", err)
	}
}

func TestFind(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	_ = r.Save(ctx, "messages", "m1", repository.Document{"conversation_id": "c1"})
	_ = r.Save(ctx, "messages", "m2", repository.Document{"conversation_id": "c2"})
	_ = r.Save(ctx, "messages", "m3", repository.Document{"conversation_id": "c1"})

	got, err := r.Find(ctx, "messages", repository.Document{"conversation_id": "c1"}, 0)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	limited, _ := r.Find(ctx, "messages", nil, 1)
	if len(limited) != 1 {
		t.Errorf("limit: len = %d, want 1", len(limited))
	}
}
