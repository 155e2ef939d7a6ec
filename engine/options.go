package engine

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier"
	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
	mw "github.com/xraph/courier/middleware"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/stream"
)

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the process defaults.
func WithConfig(cfg courier.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the logger handed to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithJobStore sets the job store. It is required.
func WithJobStore(s job.Store) Option {
	return func(eng *Engine) { eng.jobStore = s }
}

// WithClusterStore sets the instance registry store. When unset and the
// job store also implements cluster.Store, the job store is used.
func WithClusterStore(s cluster.Store) Option {
	return func(eng *Engine) { eng.clusterStore = s }
}

// WithMedium sets the broadcast medium of the event bus. Defaults to an
// in-process hub, which only reaches this instance.
func WithMedium(m event.Medium) Option {
	return func(eng *Engine) { eng.medium = m }
}

// WithQueues declares queues at construction.
func WithQueues(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithChannels adds bus patterns forwarded to local stream subscribers.
func WithChannels(patterns ...string) Option {
	return func(eng *Engine) { eng.cfg.Channels = append(eng.cfg.Channels, patterns...) }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extraExts = append(eng.extraExts, e) }
}

// WithMiddleware appends handler middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBrokerOptions configures the local stream broker.
func WithBrokerOptions(opts ...stream.BrokerOption) Option {
	return func(eng *Engine) { eng.brokerOpts = append(eng.brokerOpts, opts...) }
}

// WithTracerProvider sets the OTel TracerProvider used by the tracing
// middleware. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets the OTel MeterProvider used by the metrics
// middleware and the observability extension.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}
