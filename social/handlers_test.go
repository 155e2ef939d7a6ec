package social_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/xraph/courier"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/repository"
	repomemory "github.com/xraph/courier/repository/memory"
	"github.com/xraph/courier/social"
	"github.com/xraph/courier/store/memory"
)

type published struct {
	channel string
	typ     string
	payload json.RawMessage
}

// recordingBus captures events instead of broadcasting them.
type recordingBus struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (b *recordingBus) PublishJSON(_ context.Context, channel, eventType string, v any) (*event.Event, error) {
	if b.err != nil {
		return nil, b.err
	}
	data, _ := json.Marshal(v)
	b.mu.Lock()
	b.events = append(b.events, published{channel: channel, typ: eventType, payload: data})
	b.mu.Unlock()
	return &event.Event{ID: id.NewEventID(), Channel: channel, Type: eventType, Payload: data}, nil
}

func (b *recordingBus) last(t *testing.T) published {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		t.Fatal("no events published")
	}
	return b.events[len(b.events)-1]
}

type sentMail struct{ to, subject string }

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to, subject})
	return nil
}

// flakyRepo fails one Increment call, counting from 1.
type flakyRepo struct {
	repository.Repository

	mu     sync.Mutex
	calls  int
	failAt int
}

func (r *flakyRepo) Increment(ctx context.Context, collection, docID, field string, delta int64) (int64, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls == r.failAt
	r.mu.Unlock()
	if fail {
		return 0, errors.New("connection reset by peer")
	}
	return r.Repository.Increment(ctx, collection, docID, field, delta)
}

// failNth makes the nth Increment from now fail.
func (r *flakyRepo) failNth(n int) {
	r.mu.Lock()
	r.failAt = r.calls + n
	r.mu.Unlock()
}

type fixture struct {
	h       *social.Handlers
	repo    repository.Repository
	bus     *recordingBus
	mailer  *fakeMailer
	manager *queue.Manager
}

func setup(t *testing.T) *fixture {
	t.Helper()
	return setupWith(t, repomemory.New())
}

func setupWith(t *testing.T, repo repository.Repository) *fixture {
	t.Helper()
	m := queue.NewManager(memory.New())
	for _, cfg := range social.QueueConfigs() {
		if _, err := m.Declare(cfg); err != nil {
			t.Fatalf("Declare(%q): %v", cfg.Name, err)
		}
	}
	f := &fixture{
		repo:    repo,
		bus:     &recordingBus{},
		mailer:  &fakeMailer{},
		manager: m,
	}
	f.h = social.New(f.repo, f.bus, m,
		social.WithMailer(f.mailer),
		social.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func (f *fixture) doc(t *testing.T, collection, docID string) repository.Document {
	t.Helper()
	d, err := f.repo.Get(context.Background(), collection, docID)
	if err != nil {
		t.Fatalf("Get(%s/%s): %v", collection, docID, err)
	}
	return d
}

func (f *fixture) count(t *testing.T, collection, docID, field string) int64 {
	t.Helper()
	n, _ := f.doc(t, collection, docID)[field].(int64)
	return n
}

func TestQueueConfigsAreValid(t *testing.T) {
	seen := map[string]bool{}
	for _, cfg := range social.QueueConfigs() {
		if !job.ValidQueueName(cfg.Name) {
			t.Errorf("invalid queue name %q", cfg.Name)
		}
		if seen[cfg.Name] {
			t.Errorf("duplicate queue %q", cfg.Name)
		}
		seen[cfg.Name] = true
	}
	if len(seen) != 10 {
		t.Errorf("queues = %d, want 10", len(seen))
	}

	r := job.NewRegistry()
	setup(t).h.Register(r)
	for name := range seen {
		if _, ok := r.Get(name); !ok {
			t.Errorf("no handler for %q", name)
		}
	}
}

func TestSignUpQueuesWelcomeEmail(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := social.SignUp{AuthID: "a1", UserID: "u1", Username: "ada", Email: "ada@example.com", PasswordHash: "hash"}

	for range 2 {
		if err := f.h.SignUp(ctx, p); err != nil {
			t.Fatalf("SignUp: %v", err)
		}
	}

	if got := f.doc(t, social.CollectionUsers, "u1")["username"]; got != "ada" {
		t.Errorf("username = %v, want ada", got)
	}
	if got := f.doc(t, social.CollectionAuth, "a1")["password"]; got != "hash" {
		t.Errorf("password = %v, want hash", got)
	}

	n, err := f.manager.Store().CountJobs(ctx, job.CountOpts{Queue: social.QueueEmail})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("email jobs = %d, want 1 (deduplicated)", n)
	}

	ev := f.bus.last(t)
	if ev.channel != "user:u1" || ev.typ != social.EventUserCreated {
		t.Errorf("event = %s %s, want user:u1 %s", ev.channel, ev.typ, social.EventUserCreated)
	}
}

func TestValidationIsPermanent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
	}{
		{"signup", f.h.SignUp(ctx, social.SignUp{UserID: "u1"})},
		{"post action", f.h.Post(ctx, social.PostChange{Action: "archive", PostID: "p1", UserID: "u1"})},
		{"self follow", f.h.Follow(ctx, social.Follow{Action: social.FollowAdd, FollowerID: "u1", FolloweeID: "u1"})},
		{"image kind", f.h.Image(ctx, social.Image{ImageID: "i1", UserID: "u1", URL: "x", Kind: "gif"})},
		{"email address", f.h.SendEmail(ctx, social.Email{To: "not-an-address", Subject: "hi"})},
		{"chat action", f.h.Chat(ctx, social.Message{Action: "edit", MessageID: "m1", ConversationID: "c1"})},
		{"chat send body", f.h.Chat(ctx, social.Message{Action: social.ChatSend, MessageID: "m1", ConversationID: "c1", SenderID: "u1", ReceiverID: "u2"})},
		{"reaction type", f.h.React(ctx, social.Reaction{Action: social.ReactionAdd, PostID: "p1", UserID: "u1"})},
		{"post image", f.h.Image(ctx, social.Image{ImageID: "i1", UserID: "u1", URL: "x", Kind: social.ImagePost})},
		{"notification email", f.h.Notify(ctx, social.Notification{NotificationID: "n1", UserTo: "u2", Kind: "k", Message: "m", EmailTo: "nope"})},
	}
	for _, tt := range tests {
		if !job.IsPermanent(tt.err) {
			t.Errorf("%s: err = %v, want permanent", tt.name, tt.err)
		}
		if !errors.Is(tt.err, courier.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tt.name, tt.err)
		}
	}
}

func TestValidationNamesJSONField(t *testing.T) {
	f := setup(t)
	err := f.h.Comment(context.Background(), social.Comment{CommentID: "c1", PostID: "p1", Body: "x"})
	if err == nil || !strings.Contains(err.Error(), "user_id is required") {
		t.Errorf("err = %v, want user_id is required", err)
	}
}

func TestPostLifecycleCounts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	create := social.PostChange{Action: social.PostCreate, PostID: "p1", UserID: "u1", Fields: map[string]any{"text": "hi"}}
	for range 2 {
		if err := f.h.Post(ctx, create); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if got := f.count(t, social.CollectionUsers, "u1", "post_count"); got != 1 {
		t.Errorf("post_count = %d, want 1", got)
	}

	if err := f.h.Post(ctx, social.PostChange{Action: social.PostUpdate, PostID: "p1", UserID: "u1", Fields: map[string]any{"text": "edited"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := f.doc(t, social.CollectionPosts, "p1")["text"]; got != "edited" {
		t.Errorf("text = %v, want edited", got)
	}

	if err := f.h.Post(ctx, social.PostChange{Action: social.PostDelete, PostID: "p1", UserID: "u1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := f.count(t, social.CollectionUsers, "u1", "post_count"); got != 0 {
		t.Errorf("post_count = %d, want 0", got)
	}
	if ev := f.bus.last(t); ev.channel != "post:p1" || ev.typ != social.EventPostDeleted {
		t.Errorf("event = %s %s", ev.channel, ev.typ)
	}

	err := f.h.Post(ctx, social.PostChange{Action: social.PostUpdate, PostID: "p1", UserID: "u1"})
	if !job.IsPermanent(err) {
		t.Errorf("update deleted post: err = %v, want permanent", err)
	}
}

func TestReactionsReplaceAndRemove(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	add := func(typ string) {
		t.Helper()
		if err := f.h.React(ctx, social.Reaction{Action: social.ReactionAdd, PostID: "p1", UserID: "u1", Type: typ}); err != nil {
			t.Fatalf("React(%s): %v", typ, err)
		}
	}

	add("like")
	add("like")
	if got := f.count(t, social.CollectionPosts, "p1", "reactions.like"); got != 1 {
		t.Errorf("like = %d, want 1", got)
	}

	add("love")
	if got := f.count(t, social.CollectionPosts, "p1", "reactions.like"); got != 0 {
		t.Errorf("like after replace = %d, want 0", got)
	}
	if got := f.count(t, social.CollectionPosts, "p1", "reactions.love"); got != 1 {
		t.Errorf("love = %d, want 1", got)
	}

	for range 2 {
		if err := f.h.React(ctx, social.Reaction{Action: social.ReactionRemove, PostID: "p1", UserID: "u1"}); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	if got := f.count(t, social.CollectionPosts, "p1", "reactions.love"); got != 0 {
		t.Errorf("love after remove = %d, want 0", got)
	}
	if ev := f.bus.last(t); ev.typ != social.EventReactionRemoved {
		t.Errorf("last event = %s, want %s", ev.typ, social.EventReactionRemoved)
	}
}

func TestCommentCountsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := social.Comment{CommentID: "c1", PostID: "p1", UserID: "u2", Body: "nice"}

	for range 3 {
		if err := f.h.Comment(ctx, c); err != nil {
			t.Fatalf("Comment: %v", err)
		}
	}
	if got := f.count(t, social.CollectionPosts, "p1", "comments_count"); got != 1 {
		t.Errorf("comments_count = %d, want 1", got)
	}
	if ev := f.bus.last(t); ev.channel != "post:p1" || ev.typ != social.EventCommentAdded {
		t.Errorf("event = %s %s", ev.channel, ev.typ)
	}
}

func TestCountersSurviveFailedIncrement(t *testing.T) {
	type want struct {
		collection, id, field string
		n                     int64
	}
	tests := []struct {
		name    string
		prepare func(ctx context.Context, h *social.Handlers) error
		failAt  int
		run     func(ctx context.Context, h *social.Handlers) error
		want    []want
	}{
		{
			name:   "comment",
			failAt: 1,
			run: func(ctx context.Context, h *social.Handlers) error {
				return h.Comment(ctx, social.Comment{CommentID: "c1", PostID: "p1", UserID: "u2", Body: "nice"})
			},
			want: []want{{social.CollectionPosts, "p1", "comments_count", 1}},
		},
		{
			name:   "post create",
			failAt: 1,
			run: func(ctx context.Context, h *social.Handlers) error {
				return h.Post(ctx, social.PostChange{Action: social.PostCreate, PostID: "p1", UserID: "u1"})
			},
			want: []want{{social.CollectionUsers, "u1", "post_count", 1}},
		},
		{
			name: "post delete",
			prepare: func(ctx context.Context, h *social.Handlers) error {
				return h.Post(ctx, social.PostChange{Action: social.PostCreate, PostID: "p1", UserID: "u1"})
			},
			failAt: 1,
			run: func(ctx context.Context, h *social.Handlers) error {
				return h.Post(ctx, social.PostChange{Action: social.PostDelete, PostID: "p1", UserID: "u1"})
			},
			want: []want{{social.CollectionUsers, "u1", "post_count", 0}},
		},
		{
			name:   "reaction add",
			failAt: 1,
			run: func(ctx context.Context, h *social.Handlers) error {
				return h.React(ctx, social.Reaction{Action: social.ReactionAdd, PostID: "p1", UserID: "u1", Type: "like"})
			},
			want: []want{{social.CollectionPosts, "p1", "reactions.like", 1}},
		},
		{
			name: "reaction replace",
			prepare: func(ctx context.Context, h *social.Handlers) error {
				return h.React(ctx, social.Reaction{Action: social.ReactionAdd, PostID: "p1", UserID: "u1", Type: "like"})
			},
			failAt: 2,
			run: func(ctx context.Context, h *social.Handlers) error {
				return h.React(ctx, social.Reaction{Action: social.ReactionAdd, PostID: "p1", UserID: "u1", Type: "love"})
			},
			want: []want{
				{social.CollectionPosts, "p1", "reactions.like", 0},
				{social.CollectionPosts, "p1", "reactions.love", 1},
			},
		},
		{
			name:   "follow second counter",
			failAt: 2,
			run: func(ctx context.Context, h *social.Handlers) error {
				return h.Follow(ctx, social.Follow{Action: social.FollowAdd, FollowerID: "u1", FolloweeID: "u2"})
			},
			want: []want{
				{social.CollectionUsers, "u2", "followers_count", 1},
				{social.CollectionUsers, "u1", "following_count", 1},
			},
		},
		{
			name: "unfollow second counter",
			prepare: func(ctx context.Context, h *social.Handlers) error {
				return h.Follow(ctx, social.Follow{Action: social.FollowAdd, FollowerID: "u1", FolloweeID: "u2"})
			},
			failAt: 2,
			run: func(ctx context.Context, h *social.Handlers) error {
				return h.Follow(ctx, social.Follow{Action: social.FollowRemove, FollowerID: "u1", FolloweeID: "u2"})
			},
			want: []want{
				{social.CollectionUsers, "u2", "followers_count", 0},
				{social.CollectionUsers, "u1", "following_count", 0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := &flakyRepo{Repository: repomemory.New()}
			f := setupWith(t, repo)
			if tt.prepare != nil {
				if err := tt.prepare(ctx, f.h); err != nil {
					t.Fatalf("prepare: %v", err)
				}
			}

			repo.failNth(tt.failAt)
			err := tt.run(ctx, f.h)
			if err == nil || job.IsPermanent(err) {
				t.Fatalf("first attempt: err = %v, want retryable", err)
			}
			// The retry and a later duplicate delivery both succeed.
			for attempt := 2; attempt <= 3; attempt++ {
				if err := tt.run(ctx, f.h); err != nil {
					t.Fatalf("attempt %d: %v", attempt, err)
				}
			}
			for _, w := range tt.want {
				if got := f.count(t, w.collection, w.id, w.field); got != w.n {
					t.Errorf("%s/%s %s = %d, want %d", w.collection, w.id, w.field, got, w.n)
				}
			}
		})
	}
}

func TestPostFieldsCannotClearCounterMarker(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.h.Post(ctx, social.PostChange{Action: social.PostCreate, PostID: "p1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.h.Post(ctx, social.PostChange{
		Action: social.PostUpdate, PostID: "p1", UserID: "u1",
		Fields: map[string]any{"author_counted": false, "text": "x"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.h.Post(ctx, social.PostChange{Action: social.PostCreate, PostID: "p1", UserID: "u1"}); err != nil {
		t.Fatalf("create again: %v", err)
	}
	if got := f.count(t, social.CollectionUsers, "u1", "post_count"); got != 1 {
		t.Errorf("post_count = %d, want 1", got)
	}
}

func TestFollowUnfollow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	follow := social.Follow{Action: social.FollowAdd, FollowerID: "u1", FolloweeID: "u2"}

	for range 2 {
		if err := f.h.Follow(ctx, follow); err != nil {
			t.Fatalf("Follow: %v", err)
		}
	}
	if got := f.count(t, social.CollectionUsers, "u2", "followers_count"); got != 1 {
		t.Errorf("followers_count = %d, want 1", got)
	}
	if got := f.count(t, social.CollectionUsers, "u1", "following_count"); got != 1 {
		t.Errorf("following_count = %d, want 1", got)
	}
	if ev := f.bus.last(t); ev.channel != "follower:u2" || ev.typ != social.EventFollowerAdded {
		t.Errorf("event = %s %s", ev.channel, ev.typ)
	}

	follow.Action = social.FollowRemove
	if err := f.h.Follow(ctx, follow); err != nil {
		t.Fatalf("Unfollow: %v", err)
	}
	if got := f.count(t, social.CollectionUsers, "u2", "followers_count"); got != 0 {
		t.Errorf("followers_count = %d, want 0", got)
	}
}

func TestChatAndNotification(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.h.Chat(ctx, social.Message{
		Action: social.ChatSend, MessageID: "m1", ConversationID: "conv1",
		SenderID: "u1", ReceiverID: "u2", Body: "hey",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := f.h.Chat(ctx, social.Message{Action: social.ChatRead, MessageID: "m1", ConversationID: "conv1"}); err != nil {
		t.Fatalf("read: %v", err)
	}
	msg := f.doc(t, social.CollectionMessages, "m1")
	if msg["body"] != "hey" || msg["is_read"] != true {
		t.Errorf("message = %v", msg)
	}
	if ev := f.bus.last(t); ev.channel != "chat:conv1" || ev.typ != social.EventMessageRead {
		t.Errorf("event = %s %s", ev.channel, ev.typ)
	}

	if err := f.h.Notify(ctx, social.Notification{
		NotificationID: "n1", UserTo: "u2", UserFrom: "u1",
		Kind: "comment", Message: "u1 commented", EmailTo: "u2@example.com",
	}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if ev := f.bus.last(t); ev.channel != "notification:u2" || ev.typ != social.EventNotification {
		t.Errorf("event = %s %s", ev.channel, ev.typ)
	}
	n, _ := f.manager.Store().CountJobs(ctx, job.CountOpts{Queue: social.QueueEmail})
	if n != 1 {
		t.Errorf("email jobs = %d, want 1", n)
	}
}

func TestImageAttaches(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.h.Image(ctx, social.Image{ImageID: "i1", UserID: "u1", Kind: social.ImageProfile, URL: "https://cdn/x.png"}); err != nil {
		t.Fatalf("Image: %v", err)
	}
	if got := f.doc(t, social.CollectionUsers, "u1")["profile_picture"]; got != "https://cdn/x.png" {
		t.Errorf("profile_picture = %v", got)
	}
	if ev := f.bus.last(t); ev.typ != social.EventUserImageUpdated {
		t.Errorf("event = %s", ev.typ)
	}
}

func TestUserPresence(t *testing.T) {
	f := setup(t)
	if err := f.h.UpdateUser(context.Background(), social.UserChange{Action: social.UserOnline, UserID: "u1"}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if got := f.doc(t, social.CollectionUsers, "u1")["online"]; got != true {
		t.Errorf("online = %v, want true", got)
	}
	if ev := f.bus.last(t); ev.channel != "user:u1" || ev.typ != social.EventUserOnline {
		t.Errorf("event = %s %s", ev.channel, ev.typ)
	}
}

func TestPublishFailureDoesNotFailJob(t *testing.T) {
	f := setup(t)
	f.bus.err = courier.ErrTransportUnavailable

	err := f.h.Comment(context.Background(), social.Comment{CommentID: "c1", PostID: "p1", UserID: "u1", Body: "x"})
	if err != nil {
		t.Fatalf("Comment: %v", err)
	}
	f.doc(t, social.CollectionComments, "c1")
}

func TestSendEmail(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.h.SendEmail(ctx, social.Email{To: "ada@example.com", Subject: "hi", HTML: "<p>x</p>"}); err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if len(f.mailer.sent) != 1 || f.mailer.sent[0].to != "ada@example.com" {
		t.Errorf("sent = %+v", f.mailer.sent)
	}

	f.mailer.err = errors.New("421 try later")
	err := f.h.SendEmail(ctx, social.Email{To: "ada@example.com", Subject: "hi"})
	if err == nil || job.IsPermanent(err) {
		t.Errorf("mailer failure: err = %v, want retryable", err)
	}
}

func TestRegisteredHandlerRejectsBadJSON(t *testing.T) {
	r := job.NewRegistry()
	setup(t).h.Register(r)
	h, _ := r.Get(social.QueueComment)
	if err := h(context.Background(), []byte(`{not json`)); !job.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}
