package social

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/repository"
)

// Event types.
const (
	EventUserCreated      = "user.created"
	EventUserUpdated      = "user.updated"
	EventUserOnline       = "user.online"
	EventUserOffline      = "user.offline"
	EventUserImageUpdated = "user.image_updated"
	EventPostCreated      = "post.created"
	EventPostUpdated      = "post.updated"
	EventPostDeleted      = "post.deleted"
	EventCommentAdded     = "comment.added"
	EventReactionAdded    = "reaction.added"
	EventReactionRemoved  = "reaction.removed"
	EventFollowerAdded    = "follower.added"
	EventFollowerRemoved  = "follower.removed"
	EventMessageSent      = "message.sent"
	EventMessageRead      = "message.read"
	EventNotification     = "notification.created"
)

// UserChannel and friends name the per-entity bus channels.
func UserChannel(userID string) string         { return "user:" + userID }
func PostChannel(postID string) string         { return "post:" + postID }
func ChatChannel(conversationID string) string { return "chat:" + conversationID }
func FollowerChannel(userID string) string     { return "follower:" + userID }
func NotificationChannel(userID string) string { return "notification:" + userID }

func change(id string, fields map[string]any) ChangeEvent {
	return ChangeEvent{ID: id, Fields: fields, At: time.Now().UTC()}
}

// SignUp stores the credentials and the initial profile, then queues the
// welcome email.
func (h *Handlers) SignUp(ctx context.Context, p SignUp) error {
	if err := check(p); err != nil {
		return err
	}

	if err := h.repo.Save(ctx, CollectionAuth, p.AuthID, repository.Document{
		"user_id":  p.UserID,
		"username": p.Username,
		"email":    p.Email,
		"password": p.PasswordHash,
	}); err != nil {
		return fmt.Errorf("save auth: %w", err)
	}
	profile := map[string]any{
		"auth_id":      p.AuthID,
		"username":     p.Username,
		"email":        p.Email,
		"avatar_color": p.AvatarColor,
	}
	if err := h.repo.Save(ctx, CollectionUsers, p.UserID, profile); err != nil {
		return fmt.Errorf("save user: %w", err)
	}

	if err := h.enqueue(ctx, QueueEmail, "welcome:"+p.UserID, Email{
		To:      p.Email,
		Subject: "Welcome, " + p.Username,
		HTML:    "<p>Your account is ready.</p>",
	}); err != nil {
		return err
	}

	h.publish(ctx, UserChannel(p.UserID), EventUserCreated, change(p.UserID, map[string]any{
		"username":     p.Username,
		"avatar_color": p.AvatarColor,
	}))
	return nil
}

// UpdateUser merges profile fields or records presence.
func (h *Handlers) UpdateUser(ctx context.Context, p UserChange) error {
	if err := check(p); err != nil {
		return err
	}

	fields := p.Fields
	eventType := EventUserUpdated
	switch p.Action {
	case "", UserUpdate:
		if len(fields) == 0 {
			return invalid("fields are required")
		}
	case UserOnline, UserOffline:
		fields = map[string]any{
			"online":    p.Action == UserOnline,
			"last_seen": time.Now().UTC(),
		}
		eventType = EventUserOnline
		if p.Action == UserOffline {
			eventType = EventUserOffline
		}
	}

	if err := h.repo.Save(ctx, CollectionUsers, p.UserID, fields); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	h.publish(ctx, UserChannel(p.UserID), eventType, change(p.UserID, fields))
	return nil
}

// Post creates, updates or deletes a post and keeps the author's
// post count.
func (h *Handlers) Post(ctx context.Context, p PostChange) error {
	if err := check(p); err != nil {
		return err
	}

	doc, existed, err := h.load(ctx, CollectionPosts, p.PostID)
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}
	author := counter{CollectionUsers, p.UserID, "post_count"}

	switch p.Action {
	case PostCreate:
		fields := withoutMarkers(p.Fields)
		fields["user_id"] = p.UserID
		if err := h.repo.Save(ctx, CollectionPosts, p.PostID, fields); err != nil {
			return fmt.Errorf("save post: %w", err)
		}
		if err := h.tally(ctx, CollectionPosts, p.PostID, doc, markAuthorCounted, author, true); err != nil {
			return err
		}
		h.publish(ctx, PostChannel(p.PostID), EventPostCreated, change(p.PostID, fields))

	case PostUpdate:
		if !existed {
			return invalid("post %s does not exist", p.PostID)
		}
		fields := withoutMarkers(p.Fields)
		if err := h.repo.Save(ctx, CollectionPosts, p.PostID, fields); err != nil {
			return fmt.Errorf("save post: %w", err)
		}
		h.publish(ctx, PostChannel(p.PostID), EventPostUpdated, change(p.PostID, fields))

	case PostDelete:
		if existed {
			if err := h.tally(ctx, CollectionPosts, p.PostID, doc, markAuthorCounted, author, false); err != nil {
				return err
			}
			if err := h.repo.Delete(ctx, CollectionPosts, p.PostID); err != nil && !errors.Is(err, courier.ErrDocumentNotFound) {
				return fmt.Errorf("delete post: %w", err)
			}
		}
		h.publish(ctx, PostChannel(p.PostID), EventPostDeleted, change(p.PostID, nil))
	}
	return nil
}

// Image records an uploaded image and points the profile or post at it.
func (h *Handlers) Image(ctx context.Context, p Image) error {
	if err := check(p); err != nil {
		return err
	}

	var collection, docID, field, channel, eventType string
	switch p.Kind {
	case ImageProfile:
		collection, docID, field = CollectionUsers, p.UserID, "profile_picture"
		channel, eventType = UserChannel(p.UserID), EventUserImageUpdated
	case ImageBackground:
		collection, docID, field = CollectionUsers, p.UserID, "background_image"
		channel, eventType = UserChannel(p.UserID), EventUserImageUpdated
	case ImagePost:
		collection, docID, field = CollectionPosts, p.PostID, "image_url"
		channel, eventType = PostChannel(p.PostID), EventPostUpdated
	}

	if err := h.repo.Save(ctx, CollectionImages, p.ImageID, repository.Document{
		"user_id": p.UserID,
		"kind":    p.Kind,
		"url":     p.URL,
		"post_id": p.PostID,
	}); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	fields := map[string]any{field: p.URL}
	if err := h.repo.Save(ctx, collection, docID, fields); err != nil {
		return fmt.Errorf("attach image: %w", err)
	}
	h.publish(ctx, channel, eventType, change(docID, fields))
	return nil
}
