package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/courier"
	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/gateway"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	mw "github.com/xraph/courier/middleware"
	"github.com/xraph/courier/observability"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/stream"
	"github.com/xraph/courier/worker"
)

const instrumentationName = "github.com/xraph/courier"

// Engine owns every courier subsystem of one instance.
type Engine struct {
	cfg    courier.Config
	logger *slog.Logger

	jobStore     job.Store
	clusterStore cluster.Store
	medium       event.Medium

	queueConfigs []queue.Config
	extraExts    []ext.Extension
	mws          []mw.Middleware
	brokerOpts   []stream.BrokerOption

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	instanceID id.InstanceID
	extensions *ext.Registry
	registry   *job.Registry
	manager    *queue.Manager
	pool       *worker.Pool
	sweeper    *queue.Sweeper
	janitor    *queue.Janitor
	member     *cluster.Member
	bus        *event.Bus
	broker     *stream.Broker
	gateway    *gateway.Server
	dlq        *dlq.Service
	stats      metric.Registration

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	subs    []*event.Subscription
}

// New builds an Engine. A job store is required; everything else has a
// single-instance default.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:        courier.DefaultConfig(),
		logger:     slog.Default(),
		instanceID: id.NewInstanceID(),
		registry:   job.NewRegistry(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.jobStore == nil {
		return nil, courier.ErrNoStore
	}
	if eng.clusterStore == nil {
		if cs, ok := eng.jobStore.(cluster.Store); ok {
			eng.clusterStore = cs
		}
	}
	if eng.medium == nil {
		eng.medium = memory.NewHub()
	}
	logger := eng.logger

	// Extensions: the broker and lifecycle counters first, then user ones.
	eng.extensions = ext.NewRegistry(logger)
	eng.broker = stream.NewBroker(logger, eng.brokerOpts...)
	eng.extensions.Register(eng.broker)
	eng.extensions.Register(observability.NewMetricsExtensionWithMeter(eng.meter("observability")))
	for _, e := range eng.extraExts {
		eng.extensions.Register(e)
	}

	eng.manager = queue.NewManager(eng.jobStore,
		queue.WithLogger(logger),
		queue.WithExtensions(eng.extensions),
		queue.WithDefaults(eng.cfg),
	)
	for _, qc := range eng.queueConfigs {
		if _, err := eng.manager.Declare(qc); err != nil {
			return nil, fmt.Errorf("declare queue %q: %w", qc.Name, err)
		}
	}

	// Default middleware: recover, tracing, metrics, logging, timeout.
	chain := []mw.Middleware{
		mw.Recover(logger),
		mw.TracingWithTracer(eng.tracer()),
		mw.MetricsWithMeter(eng.meter("")),
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	chain = append(chain, eng.mws...)

	executor := worker.NewExecutor(eng.registry, eng.extensions, logger, chain...)
	eng.pool = worker.NewPool(eng.manager, executor, eng.extensions, logger,
		worker.WithPoolConcurrency(eng.cfg.Concurrency),
		worker.WithInstanceID(eng.instanceID.String()),
		worker.WithShutdownGrace(eng.cfg.ShutdownGrace),
	)
	eng.sweeper = queue.NewSweeper(eng.manager, eng.cfg.SweepInterval, eng.extensions, logger)

	if eng.clusterStore != nil {
		eng.member = cluster.NewMember(eng.clusterStore, cluster.Instance{
			ID:          eng.instanceID,
			Queues:      eng.manager.Names(),
			Channels:    eng.cfg.Channels,
			Concurrency: eng.cfg.Concurrency,
		},
			cluster.WithLogger(logger),
			cluster.WithHeartbeatInterval(eng.cfg.HeartbeatInterval),
			cluster.WithDeadAfter(eng.cfg.DeadAfter),
			cluster.WithReapHook(func(inst *cluster.Instance) {
				eng.bus.Forget(inst.ID.String())
			}),
		)
	}

	janitor, err := queue.NewJanitor(eng.manager, eng.cfg.JanitorSchedule,
		queue.WithLeaderCheck(eng.IsLeader),
		queue.WithJanitorLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	eng.janitor = janitor

	eng.bus = event.NewBus(eng.medium,
		event.WithOrigin(eng.instanceID.String()),
		event.WithLogger(logger),
	)
	eng.gateway = gateway.NewServer(eng.broker, eng.bus, gateway.WithLogger(logger))
	eng.dlq = dlq.NewService(eng.manager, dlq.WithLogger(logger))

	stats, err := observability.RegisterStats(eng.meter("observability"), eng.bus, eng.broker)
	if err != nil {
		logger.Warn("bus stats not registered", slog.String("error", err.Error()))
	} else {
		eng.stats = stats
	}

	return eng, nil
}

func (eng *Engine) tracer() trace.Tracer {
	if eng.tracerProvider != nil {
		return eng.tracerProvider.Tracer(instrumentationName)
	}
	return otel.Tracer(instrumentationName)
}

func (eng *Engine) meter(sub string) metric.Meter {
	name := instrumentationName
	if sub != "" {
		name += "/" + sub
	}
	if eng.meterProvider != nil {
		return eng.meterProvider.Meter(name)
	}
	return otel.Meter(name)
}

// Register binds a typed handler definition.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Declare adds a queue after construction. It must happen before Start
// for the pool to serve it.
func (eng *Engine) Declare(cfg queue.Config) (*queue.Queue, error) {
	return eng.manager.Declare(cfg)
}

// Enqueue marshals payload as JSON and enqueues it on queueName.
func Enqueue[T any](ctx context.Context, eng *Engine, queueName string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload for queue %q: %w", courier.ErrValidation, queueName, err)
	}
	return eng.EnqueueRaw(ctx, queueName, data, opts...)
}

// EnqueueRaw enqueues a pre-serialized payload.
func (eng *Engine) EnqueueRaw(ctx context.Context, queueName string, payload []byte, opts ...job.Option) (*job.Job, error) {
	return eng.manager.Enqueue(ctx, queueName, payload, opts...)
}

// Publish broadcasts an event to every instance through the bus.
func (eng *Engine) Publish(ctx context.Context, channel, eventType string, payload []byte) (*event.Event, error) {
	return eng.bus.Publish(ctx, channel, eventType, payload)
}

// Start brings the instance up: membership, bus subscriptions, the
// worker pool, then the sweeper and janitor. On error everything already started is
// stopped again. An engine runs at most once.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.running {
		return courier.ErrPoolRunning
	}
	if eng.stopped {
		return courier.ErrEngineStopped
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if eng.member != nil {
		if err := eng.member.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("register instance: %w", err)
		}
	}

	subs, err := eng.subscribe(ctx)
	if err != nil {
		cancel()
		eng.stopMember(ctx)
		return err
	}

	if err := eng.pool.Start(ctx); err != nil {
		cancel()
		eng.unsubscribe(ctx, subs)
		eng.stopMember(ctx)
		return fmt.Errorf("start worker pool: %w", err)
	}
	eng.sweeper.Start(runCtx)
	eng.janitor.Start(runCtx)

	eng.subs = subs
	eng.cancel = cancel
	eng.running = true
	eng.logger.Info("courier engine started",
		slog.String("instance_id", eng.instanceID.String()),
		slog.Any("queues", eng.manager.Names()),
		slog.Any("channels", eng.cfg.Channels),
	)
	return nil
}

// subscribe forwards every configured channel pattern to the broker.
func (eng *Engine) subscribe(ctx context.Context) ([]*event.Subscription, error) {
	patterns := slices.Clone(eng.cfg.Channels)
	slices.Sort(patterns)
	patterns = slices.Compact(patterns)

	subs := make([]*event.Subscription, len(patterns))
	g, gctx := errgroup.WithContext(ctx)
	for i, pattern := range patterns {
		g.Go(func() error {
			sub, err := eng.bus.Subscribe(gctx, pattern, eng.broker.DeliverFunc())
			if err != nil {
				return fmt.Errorf("subscribe %q: %w", pattern, err)
			}
			subs[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		eng.unsubscribe(ctx, subs)
		return nil, err
	}
	return subs, nil
}

func (eng *Engine) unsubscribe(ctx context.Context, subs []*event.Subscription) {
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := eng.bus.Unsubscribe(ctx, sub); err != nil {
			eng.logger.Warn("unsubscribe failed",
				slog.String("pattern", sub.Pattern()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (eng *Engine) stopMember(ctx context.Context) {
	if eng.member == nil {
		return
	}
	if err := eng.member.Stop(ctx); err != nil {
		eng.logger.Warn("failed to deregister instance", slog.String("error", err.Error()))
	}
}

// Stop drains the worker pool for up to the shutdown grace, stops the
// background loops, closes client connections and the bus, and leaves
// the instance registry.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return nil
	}
	eng.running = false
	eng.stopped = true
	cancel, subs := eng.cancel, eng.subs
	eng.cancel, eng.subs = nil, nil
	eng.mu.Unlock()

	poolErr := eng.pool.Stop(ctx, true)

	var g errgroup.Group
	g.Go(func() error { eng.sweeper.Stop(); return nil })
	g.Go(func() error { eng.janitor.Stop(); return nil })
	g.Go(eng.gateway.Close)
	gwErr := g.Wait()
	cancel()

	eng.unsubscribe(ctx, subs)
	eng.stopMember(ctx)
	eng.extensions.EmitShutdown(ctx)

	eng.logger.Info("courier engine stopped", slog.String("instance_id", eng.instanceID.String()))
	if poolErr != nil {
		return poolErr
	}
	return gwErr
}

// Close stops the engine if needed and releases the bus and metric
// callbacks. The engine cannot be restarted afterwards.
func (eng *Engine) Close(ctx context.Context) error {
	err := eng.Stop(ctx)
	if eng.stats != nil {
		if uerr := eng.stats.Unregister(); uerr != nil && err == nil {
			err = uerr
		}
	}
	if cerr := eng.bus.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health pings the job store and, when it is a different backend, the
// instance registry.
func (eng *Engine) Health(ctx context.Context) error {
	if p, ok := eng.jobStore.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("job store: %w", err)
		}
	}
	if eng.clusterStore != nil && any(eng.clusterStore) != any(eng.jobStore) {
		if p, ok := eng.clusterStore.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("cluster store: %w", err)
			}
		}
	}
	return nil
}

// IsLeader reports whether this instance leads the registry. Without a
// cluster store the instance is alone and always leads.
func (eng *Engine) IsLeader() bool {
	if eng.member == nil {
		return true
	}
	return eng.member.IsLeader()
}

// Instances lists the registered instances. Without a cluster store it
// returns nil.
func (eng *Engine) Instances(ctx context.Context) ([]*cluster.Instance, error) {
	if eng.clusterStore == nil {
		return nil, nil
	}
	return eng.clusterStore.ListInstances(ctx)
}

// Running reports whether Start succeeded and Stop has not been called.
func (eng *Engine) Running() bool {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.running
}

// InstanceID returns the id used as bus origin and lease holder.
func (eng *Engine) InstanceID() id.InstanceID { return eng.instanceID }

// Config returns the effective configuration.
func (eng *Engine) Config() courier.Config { return eng.cfg }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// Registry returns the handler registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Manager returns the queue manager.
func (eng *Engine) Manager() *queue.Manager { return eng.manager }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Sweeper returns the sweeper.
func (eng *Engine) Sweeper() *queue.Sweeper { return eng.sweeper }

// Janitor returns the janitor.
func (eng *Engine) Janitor() *queue.Janitor { return eng.janitor }

// Bus returns the event bus.
func (eng *Engine) Bus() *event.Bus { return eng.bus }

// Broker returns the local stream broker.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Gateway returns the WebSocket gateway.
func (eng *Engine) Gateway() *gateway.Server { return eng.gateway }

// DLQ returns the dead-letter service.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlq }

// JobStore returns the job store.
func (eng *Engine) JobStore() job.Store { return eng.jobStore }
