package social

import (
	"context"
	"fmt"

	"github.com/xraph/courier/repository"
)

// Chat stores a sent message or marks one read.
func (h *Handlers) Chat(ctx context.Context, p Message) error {
	if err := check(p); err != nil {
		return err
	}

	var (
		fields    repository.Document
		eventType string
	)
	switch p.Action {
	case ChatSend:
		fields = repository.Document{
			"conversation_id": p.ConversationID,
			"sender_id":       p.SenderID,
			"receiver_id":     p.ReceiverID,
			"body":            p.Body,
			"is_read":         false,
		}
		eventType = EventMessageSent
	case ChatRead:
		fields = repository.Document{"is_read": true}
		eventType = EventMessageRead
	}

	if err := h.repo.Save(ctx, CollectionMessages, p.MessageID, fields); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	h.publish(ctx, ChatChannel(p.ConversationID), eventType, change(p.MessageID, fields))
	return nil
}

// Notify stores a notification, pushes it to the recipient and optionally
// queues an email copy.
func (h *Handlers) Notify(ctx context.Context, p Notification) error {
	if err := check(p); err != nil {
		return err
	}

	fields := repository.Document{
		"user_to":   p.UserTo,
		"user_from": p.UserFrom,
		"kind":      p.Kind,
		"message":   p.Message,
		"entity_id": p.EntityID,
		"read":      false,
	}
	if err := h.repo.Save(ctx, CollectionNotifications, p.NotificationID, fields); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}

	if p.EmailTo != "" {
		if err := h.enqueue(ctx, QueueEmail, "notification:"+p.NotificationID, Email{
			To:      p.EmailTo,
			Subject: p.Message,
			HTML:    "<p>" + p.Message + "</p>",
		}); err != nil {
			return err
		}
	}

	h.publish(ctx, NotificationChannel(p.UserTo), EventNotification, change(p.NotificationID, fields))
	return nil
}

// SendEmail hands the message to the mailer. A malformed recipient is
// permanent; mailer errors are retried.
func (h *Handlers) SendEmail(ctx context.Context, p Email) error {
	if err := check(p); err != nil {
		return err
	}
	if err := h.mailer.Send(ctx, p.To, p.Subject, p.HTML); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
