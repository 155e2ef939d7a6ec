package social

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/courier"
	"github.com/xraph/courier/repository"
)

// Counter markers. A handler that moves a counter records the move on its
// own document after the increment succeeds, so a retry after a failed
// increment applies it again and a retry after a successful one does not.
const (
	markAuthorCounted    = "author_counted"
	markCommentCounted   = "counted"
	markFollowersCounted = "followers_counted"
	markFollowingCounted = "following_counted"
	markReactionCounted  = "counted_type"
)

// counter names a numeric field on another document.
type counter struct {
	collection, id, field string
}

// load returns the stored document and whether it exists. A missing
// document comes back empty, never nil.
func (h *Handlers) load(ctx context.Context, collection, docID string) (repository.Document, bool, error) {
	doc, err := h.repo.Get(ctx, collection, docID)
	switch {
	case err == nil:
		return doc, true, nil
	case errors.Is(err, courier.ErrDocumentNotFound):
		return repository.Document{}, false, nil
	default:
		return nil, false, err
	}
}

// tally makes c reflect whether the document at collection/docID is
// counted. It increments or decrements c only when the marker disagrees,
// then stores the new marker value.
func (h *Handlers) tally(ctx context.Context, collection, docID string, doc repository.Document, marker string, c counter, counted bool) error {
	if was, _ := doc[marker].(bool); was == counted {
		return nil
	}
	delta := int64(1)
	if !counted {
		delta = -1
	}
	if _, err := h.repo.Increment(ctx, c.collection, c.id, c.field, delta); err != nil {
		return fmt.Errorf("count %s: %w", c.field, err)
	}
	if err := h.repo.Save(ctx, collection, docID, repository.Document{marker: counted}); err != nil {
		return fmt.Errorf("mark %s: %w", marker, err)
	}
	doc[marker] = counted
	return nil
}

// moveReaction shifts a user's reaction count on a post from the type the
// reaction document last counted to typ. An empty typ uncounts it.
func (h *Handlers) moveReaction(ctx context.Context, docID, postID string, doc repository.Document, typ string) error {
	from, _ := doc[markReactionCounted].(string)
	if from == typ {
		return nil
	}
	if from != "" {
		if _, err := h.repo.Increment(ctx, CollectionPosts, postID, "reactions."+from, -1); err != nil {
			return fmt.Errorf("count reaction: %w", err)
		}
		if err := h.repo.Save(ctx, CollectionReactions, docID, repository.Document{markReactionCounted: ""}); err != nil {
			return fmt.Errorf("mark reaction: %w", err)
		}
		doc[markReactionCounted] = ""
	}
	if typ == "" {
		return nil
	}
	if _, err := h.repo.Increment(ctx, CollectionPosts, postID, "reactions."+typ, 1); err != nil {
		return fmt.Errorf("count reaction: %w", err)
	}
	if err := h.repo.Save(ctx, CollectionReactions, docID, repository.Document{markReactionCounted: typ}); err != nil {
		return fmt.Errorf("mark reaction: %w", err)
	}
	doc[markReactionCounted] = typ
	return nil
}

// withoutMarkers copies client fields, dropping the counter markers.
func withoutMarkers(fields map[string]any) repository.Document {
	out := make(repository.Document, len(fields))
	for k, v := range fields {
		switch k {
		case markAuthorCounted, markCommentCounted, markFollowersCounted, markFollowingCounted, markReactionCounted:
			continue
		}
		out[k] = v
	}
	return out
}
