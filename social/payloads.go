package social

import "time"

// SignUp is the auth queue payload.
type SignUp struct {
	AuthID       string `json:"auth_id" validate:"required"`
	UserID       string `json:"user_id" validate:"required"`
	Username     string `json:"username" validate:"required"`
	Email        string `json:"email" validate:"required,email"`
	PasswordHash string `json:"password_hash" validate:"required"`
	AvatarColor  string `json:"avatar_color,omitempty"`
}

// User actions.
const (
	UserUpdate  = "update"
	UserOnline  = "online"
	UserOffline = "offline"
)

// UserChange is the user queue payload. Action defaults to update.
type UserChange struct {
	Action string         `json:"action,omitempty" validate:"omitempty,oneof=update online offline"`
	UserID string         `json:"user_id" validate:"required"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Post actions.
const (
	PostCreate = "create"
	PostUpdate = "update"
	PostDelete = "delete"
)

// PostChange is the post queue payload.
type PostChange struct {
	Action string         `json:"action" validate:"required,oneof=create update delete"`
	PostID string         `json:"post_id" validate:"required"`
	UserID string         `json:"user_id" validate:"required"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Reaction actions.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// Reaction is the reaction queue payload. A user holds at most one
// reaction per post; adding a different type replaces it.
type Reaction struct {
	Action string `json:"action" validate:"required,oneof=add remove"`
	PostID string `json:"post_id" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
	Type   string `json:"type,omitempty" validate:"required_if=Action add"`
}

// Comment is the comment queue payload.
type Comment struct {
	CommentID string `json:"comment_id" validate:"required"`
	PostID    string `json:"post_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	Body      string `json:"body" validate:"required"`
}

// Follow actions.
const (
	FollowAdd    = "follow"
	FollowRemove = "unfollow"
)

// Follow is the follower queue payload.
type Follow struct {
	Action     string `json:"action" validate:"required,oneof=follow unfollow"`
	FollowerID string `json:"follower_id" validate:"required"`
	FolloweeID string `json:"followee_id" validate:"required,nefield=FollowerID"`
}

// Chat actions.
const (
	ChatSend = "send"
	ChatRead = "read"
)

// Message is the chat queue payload.
type Message struct {
	Action         string `json:"action" validate:"required,oneof=send read"`
	MessageID      string `json:"message_id" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"required"`
	SenderID       string `json:"sender_id,omitempty" validate:"required_if=Action send"`
	ReceiverID     string `json:"receiver_id,omitempty" validate:"required_if=Action send"`
	Body           string `json:"body,omitempty" validate:"required_if=Action send"`
}

// Notification is the notification queue payload. With EmailTo set a
// copy is mailed through the email queue.
type Notification struct {
	NotificationID string `json:"notification_id" validate:"required"`
	UserTo         string `json:"user_to" validate:"required"`
	UserFrom       string `json:"user_from,omitempty"`
	Kind           string `json:"kind" validate:"required"`
	Message        string `json:"message" validate:"required"`
	EntityID       string `json:"entity_id,omitempty"`
	EmailTo        string `json:"email_to,omitempty" validate:"omitempty,email"`
}

// Email is the email queue payload.
type Email struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required"`
	HTML    string `json:"html"`
}

// Image kinds.
const (
	ImageProfile    = "profile"
	ImageBackground = "background"
	ImagePost       = "post"
)

// Image is the image queue payload.
type Image struct {
	ImageID string `json:"image_id" validate:"required"`
	UserID  string `json:"user_id" validate:"required"`
	Kind    string `json:"kind" validate:"required,oneof=profile background post"`
	URL     string `json:"url" validate:"required"`
	PostID  string `json:"post_id,omitempty" validate:"required_if=Kind post"`
}

// ChangeEvent is the payload of entity events.
type ChangeEvent struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
	At     time.Time      `json:"at"`
}
