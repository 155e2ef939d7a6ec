package social

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/courier"
	"github.com/xraph/courier/repository"
)

func reactionID(postID, userID string) string { return postID + ":" + userID }
func followID(follower, followee string) string { return follower + ":" + followee }

// React adds, replaces or removes a user's reaction on a post. Counters
// live on the post as reactions.<type>.
func (h *Handlers) React(ctx context.Context, p Reaction) error {
	if err := check(p); err != nil {
		return err
	}
	docID := reactionID(p.PostID, p.UserID)

	doc, existed, err := h.load(ctx, CollectionReactions, docID)
	if err != nil {
		return fmt.Errorf("load reaction: %w", err)
	}
	prevType, _ := doc["type"].(string)
	counted, _ := doc[markReactionCounted].(string)

	switch p.Action {
	case ReactionAdd:
		if prevType == p.Type && counted == p.Type {
			return nil
		}
		if err := h.repo.Save(ctx, CollectionReactions, docID, repository.Document{
			"post_id": p.PostID,
			"user_id": p.UserID,
			"type":    p.Type,
		}); err != nil {
			return fmt.Errorf("save reaction: %w", err)
		}
		if err := h.moveReaction(ctx, docID, p.PostID, doc, p.Type); err != nil {
			return err
		}
		h.publish(ctx, PostChannel(p.PostID), EventReactionAdded, change(p.PostID, map[string]any{
			"user_id":  p.UserID,
			"type":     p.Type,
			"previous": prevType,
		}))

	case ReactionRemove:
		if !existed {
			return nil
		}
		// Uncount before deleting: the document carries the marker.
		if err := h.moveReaction(ctx, docID, p.PostID, doc, ""); err != nil {
			return err
		}
		if err := h.repo.Delete(ctx, CollectionReactions, docID); err != nil && !errors.Is(err, courier.ErrDocumentNotFound) {
			return fmt.Errorf("delete reaction: %w", err)
		}
		h.publish(ctx, PostChannel(p.PostID), EventReactionRemoved, change(p.PostID, map[string]any{
			"user_id": p.UserID,
			"type":    prevType,
		}))
	}
	return nil
}

// Comment stores a comment and bumps the post's comment count once.
func (h *Handlers) Comment(ctx context.Context, p Comment) error {
	if err := check(p); err != nil {
		return err
	}

	doc, _, err := h.load(ctx, CollectionComments, p.CommentID)
	if err != nil {
		return fmt.Errorf("load comment: %w", err)
	}
	fields := repository.Document{
		"post_id": p.PostID,
		"user_id": p.UserID,
		"body":    p.Body,
	}
	if err := h.repo.Save(ctx, CollectionComments, p.CommentID, fields); err != nil {
		return fmt.Errorf("save comment: %w", err)
	}
	if err := h.tally(ctx, CollectionComments, p.CommentID, doc, markCommentCounted,
		counter{CollectionPosts, p.PostID, "comments_count"}, true); err != nil {
		return err
	}
	h.publish(ctx, PostChannel(p.PostID), EventCommentAdded, change(p.CommentID, fields))
	return nil
}

// Follow records or removes a follow edge and keeps both users' counts.
func (h *Handlers) Follow(ctx context.Context, p Follow) error {
	if err := check(p); err != nil {
		return err
	}
	docID := followID(p.FollowerID, p.FolloweeID)

	doc, existed, err := h.load(ctx, CollectionFollowers, docID)
	if err != nil {
		return fmt.Errorf("load follow: %w", err)
	}
	followers := counter{CollectionUsers, p.FolloweeID, "followers_count"}
	following := counter{CollectionUsers, p.FollowerID, "following_count"}

	eventType := EventFollowerAdded
	switch p.Action {
	case FollowAdd:
		if !existed {
			if err := h.repo.Save(ctx, CollectionFollowers, docID, repository.Document{
				"follower_id": p.FollowerID,
				"followee_id": p.FolloweeID,
			}); err != nil {
				return fmt.Errorf("save follow: %w", err)
			}
		}
		if err := h.tally(ctx, CollectionFollowers, docID, doc, markFollowersCounted, followers, true); err != nil {
			return err
		}
		if err := h.tally(ctx, CollectionFollowers, docID, doc, markFollowingCounted, following, true); err != nil {
			return err
		}

	case FollowRemove:
		eventType = EventFollowerRemoved
		if existed {
			if err := h.tally(ctx, CollectionFollowers, docID, doc, markFollowersCounted, followers, false); err != nil {
				return err
			}
			if err := h.tally(ctx, CollectionFollowers, docID, doc, markFollowingCounted, following, false); err != nil {
				return err
			}
			if err := h.repo.Delete(ctx, CollectionFollowers, docID); err != nil && !errors.Is(err, courier.ErrDocumentNotFound) {
				return fmt.Errorf("delete follow: %w", err)
			}
		}
	}

	h.publish(ctx, FollowerChannel(p.FolloweeID), eventType, change(docID, map[string]any{
		"follower_id": p.FollowerID,
		"followee_id": p.FolloweeID,
	}))
	return nil
}
