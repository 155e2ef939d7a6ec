package cluster

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
)

// MemberOption configures a Member.
type MemberOption func(*Member)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MemberOption {
	return func(m *Member) { m.logger = l }
}

// WithHeartbeatInterval sets how often the instance refreshes its entry.
func WithHeartbeatInterval(d time.Duration) MemberOption {
	return func(m *Member) { m.heartbeat = d }
}

// WithDeadAfter sets how long a silent instance survives before it is
// reaped. Leadership ttl uses the same value.
func WithDeadAfter(d time.Duration) MemberOption {
	return func(m *Member) { m.deadAfter = d }
}

// WithReapHook registers fn to run for every instance this member reaps.
func WithReapHook(fn func(*Instance)) MemberOption {
	return func(m *Member) { m.onReap = fn }
}

// Member keeps the local instance registered, heartbeating, and competing
// for leadership. The leader reaps dead instances.
type Member struct {
	store     Store
	self      Instance
	logger    *slog.Logger
	heartbeat time.Duration
	deadAfter time.Duration
	onReap    func(*Instance)

	leader atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMember creates a Member for the local instance. ID, Hostname and
// StartedAt are filled in when empty.
func NewMember(store Store, self Instance, opts ...MemberOption) *Member {
	if self.ID.IsNil() {
		self.ID = id.NewInstanceID()
	}
	if self.Hostname == "" {
		self.Hostname, _ = os.Hostname() //nolint:errcheck // empty hostname is acceptable
	}
	if self.StartedAt.IsZero() {
		self.StartedAt = time.Now().UTC()
	}
	self.State = StateActive

	cfg := courier.DefaultConfig()
	m := &Member{
		store:     store,
		self:      self,
		logger:    slog.Default(),
		heartbeat: cfg.HeartbeatInterval,
		deadAfter: cfg.DeadAfter,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the local instance id.
func (m *Member) ID() id.InstanceID { return m.self.ID }

// IsLeader reports whether the local instance held leadership at the last
// heartbeat.
func (m *Member) IsLeader() bool { return m.leader.Load() }

// Start registers the instance and runs the heartbeat loop in the
// background.
func (m *Member) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	m.self.LastSeen = time.Now().UTC()
	inst := m.self
	if err := m.store.RegisterInstance(ctx, &inst); err != nil {
		return err
	}
	m.tick(ctx)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx)

	m.logger.Info("instance registered",
		slog.String("instance_id", m.self.ID.String()),
		slog.String("hostname", m.self.Hostname),
	)
	return nil
}

// Stop ends the heartbeat loop and deregisters the instance.
func (m *Member) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-done
	m.leader.Store(false)
	return m.store.DeregisterInstance(ctx, m.self.ID)
}

func (m *Member) loop(ctx context.Context) {
	defer close(m.done)
	t := time.NewTicker(m.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.tick(ctx)
		}
	}
}

// tick heartbeats, re-registers after being reaped, refreshes leadership,
// and reaps dead peers when leading.
func (m *Member) tick(ctx context.Context) {
	err := m.store.HeartbeatInstance(ctx, m.self.ID)
	if errors.Is(err, courier.ErrInstanceNotFound) {
		inst := m.self
		inst.LastSeen = time.Now().UTC()
		err = m.store.RegisterInstance(ctx, &inst)
	}
	if err != nil {
		m.logger.Warn("instance heartbeat failed",
			slog.String("instance_id", m.self.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	var leading bool
	if m.leader.Load() {
		leading, err = m.store.RenewLeadership(ctx, m.self.ID, m.deadAfter)
	} else {
		leading, err = m.store.AcquireLeadership(ctx, m.self.ID, m.deadAfter)
	}
	if err != nil {
		m.logger.Warn("leadership check failed", slog.String("error", err.Error()))
		leading = false
	}
	if leading != m.leader.Swap(leading) {
		m.logger.Info("leadership changed",
			slog.String("instance_id", m.self.ID.String()),
			slog.Bool("leader", leading),
		)
	}
	if !leading {
		return
	}

	dead, err := m.store.ReapDeadInstances(ctx, m.deadAfter)
	if err != nil {
		m.logger.Warn("reap dead instances failed", slog.String("error", err.Error()))
		return
	}
	for _, d := range dead {
		m.logger.Info("reaped dead instance",
			slog.String("instance_id", d.ID.String()),
			slog.String("hostname", d.Hostname),
			slog.Time("last_seen", d.LastSeen),
		)
		if m.onReap != nil {
			m.onReap(d)
		}
	}
}
