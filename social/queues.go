package social

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/repository"
	"github.com/xraph/courier/validate"
)

// Queue names.
const (
	QueueAuth         = "auth"
	QueueUser         = "user"
	QueuePost         = "post"
	QueueReaction     = "reaction"
	QueueComment      = "comment"
	QueueFollower     = "follower"
	QueueChat         = "chat"
	QueueNotification = "notification"
	QueueEmail        = "email"
	QueueImage        = "image"
)

// Repository collections.
const (
	CollectionAuth          = "auth"
	CollectionUsers         = "users"
	CollectionPosts         = "posts"
	CollectionReactions     = "reactions"
	CollectionComments      = "comments"
	CollectionFollowers     = "followers"
	CollectionMessages      = "messages"
	CollectionNotifications = "notifications"
	CollectionImages        = "images"
)

// Channels lists the bus patterns every instance subscribes to so that
// connected clients receive events published anywhere in the cluster.
var Channels = []string{"post:*", "chat:*", "follower:*", "notification:*", "user:*"}

// QueueConfigs returns the queue declarations of the backend. Zero fields
// take the process defaults.
func QueueConfigs() []queue.Config {
	return []queue.Config{
		{Name: QueueAuth, MaxAttempts: 5},
		{Name: QueueUser},
		{Name: QueuePost},
		{Name: QueueReaction, Concurrency: 8},
		{Name: QueueComment},
		{Name: QueueFollower},
		{Name: QueueChat, Concurrency: 8, MaxAttempts: 5},
		{Name: QueueNotification},
		// Mail providers throttle; retry slowly and keep a wide budget.
		{Name: QueueEmail, Concurrency: 2, MaxAttempts: 8, Timeout: 30 * time.Second, RateLimit: 10, RateBurst: 5},
		{Name: QueueImage, Concurrency: 2, Timeout: 2 * time.Minute},
	}
}

// Publisher publishes bus events. *event.Bus implements it.
type Publisher interface {
	PublishJSON(ctx context.Context, channel, eventType string, v any) (*event.Event, error)
}

// Enqueuer adds follow-up jobs. *queue.Manager implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload []byte, opts ...job.Option) (*job.Job, error)
}

// Handlers holds the dependencies shared by every handler.
type Handlers struct {
	repo     repository.Repository
	bus      Publisher
	mailer   Mailer
	enqueuer Enqueuer
	logger   *slog.Logger
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) { h.logger = l }
}

// WithMailer sets the mailer used by the email queue. Defaults to a
// LogMailer.
func WithMailer(m Mailer) Option {
	return func(h *Handlers) { h.mailer = m }
}

// New creates the handler set.
func New(repo repository.Repository, bus Publisher, enqueuer Enqueuer, opts ...Option) *Handlers {
	h := &Handlers{
		repo:     repo,
		bus:      bus,
		enqueuer: enqueuer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.mailer == nil {
		h.mailer = NewLogMailer(h.logger)
	}
	return h
}

// Register binds every handler to its queue.
func (h *Handlers) Register(r *job.Registry) {
	job.RegisterDefinition(r, job.NewDefinition(QueueAuth, h.SignUp))
	job.RegisterDefinition(r, job.NewDefinition(QueueUser, h.UpdateUser))
	job.RegisterDefinition(r, job.NewDefinition(QueuePost, h.Post))
	job.RegisterDefinition(r, job.NewDefinition(QueueReaction, h.React))
	job.RegisterDefinition(r, job.NewDefinition(QueueComment, h.Comment))
	job.RegisterDefinition(r, job.NewDefinition(QueueFollower, h.Follow))
	job.RegisterDefinition(r, job.NewDefinition(QueueChat, h.Chat))
	job.RegisterDefinition(r, job.NewDefinition(QueueNotification, h.Notify))
	job.RegisterDefinition(r, job.NewDefinition(QueueEmail, h.SendEmail))
	job.RegisterDefinition(r, job.NewDefinition(QueueImage, h.Image))
}

// publish announces a change. Failures are logged, not returned.
func (h *Handlers) publish(ctx context.Context, channel, eventType string, v any) {
	if h.bus == nil {
		return
	}
	if _, err := h.bus.PublishJSON(ctx, channel, eventType, v); err != nil {
		h.logger.Warn("social event not published",
			slog.String("channel", channel),
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// enqueue adds a follow-up job with a dedupe key so retries of the parent
// do not fan out twice.
func (h *Handlers) enqueue(ctx context.Context, queueName, dedupeKey string, v any) error {
	if h.enqueuer == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return job.Permanent(fmt.Errorf("marshal %s job: %w", queueName, err))
	}
	if _, err := h.enqueuer.Enqueue(ctx, queueName, payload, job.WithDedupeKey(dedupeKey)); err != nil {
		return fmt.Errorf("enqueue %s job: %w", queueName, err)
	}
	return nil
}

// invalid reports a payload no retry can fix.
func invalid(format string, args ...any) error {
	return job.Permanent(fmt.Errorf("%w: "+format, append([]any{courier.ErrValidation}, args...)...))
}

// check validates a payload against its struct tags. A failure is
// permanent.
func check(p any) error {
	if err := validate.Struct(p); err != nil {
		return job.Permanent(err)
	}
	return nil
}
