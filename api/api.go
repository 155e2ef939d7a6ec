// Package api exposes the courier engine over HTTP: enqueueing, queue and
// job inspection, dead-letter management, event publishing, the instance
// registry, health, and the WebSocket gateway at /ws.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/courier/engine"
)

// API wires the HTTP handlers for one engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates an API for eng.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: eng.Logger()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns a chi router with every route mounted.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the routes on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.health)
	r.Handle("/ws", a.eng.Gateway())

	r.Route("/v1", func(r chi.Router) {
		a.registerJobRoutes(r)
		a.registerDeadLetterRoutes(r)
		a.registerEventRoutes(r)
		a.registerClusterRoutes(r)
	})
}

func (a *API) registerJobRoutes(r chi.Router) {
	r.Get("/queues", a.listQueues)
	r.Post("/queues/{queue}/jobs", a.enqueue)
	r.Get("/jobs/{jobID}", a.getJob)
}

func (a *API) registerDeadLetterRoutes(r chi.Router) {
	r.Get("/deadletters", a.listDeadLetters)
	r.Delete("/deadletters", a.purgeDeadLetters)
	r.Get("/deadletters/{jobID}", a.getDeadLetter)
	r.Post("/deadletters/{jobID}/replay", a.replayDeadLetter)
}

func (a *API) registerEventRoutes(r chi.Router) {
	r.Post("/events", a.publish)
}

func (a *API) registerClusterRoutes(r chi.Router) {
	r.Get("/instances", a.listInstances)
}

// requestLogger logs one line per request. WebSocket upgrades are logged
// when the connection ends.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
