// Command courierd runs the social backend's job workers, event fan-out
// and WebSocket gateway as one process. Configuration comes from COURIER_*
// environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/xraph/courier/api"
	audithook "github.com/xraph/courier/audit_hook"
	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/cluster/k8s"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/repository"
	repomemory "github.com/xraph/courier/repository/memory"
	repomongo "github.com/xraph/courier/repository/mongo"
	relayhook "github.com/xraph/courier/relay_hook"
	"github.com/xraph/courier/social"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/store/postgres"
	redisstore "github.com/xraph/courier/store/redis"
)

func main() {
	s := loadSettings()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: s.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, s, logger); err != nil {
		logger.Error("courierd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, s settings, logger *slog.Logger) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.Store != "memory" && s.RedisURL == "" {
		logger.Warn("events stay on this instance; set COURIER_REDIS_URL to fan out across instances",
			slog.String("store", s.Store),
		)
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", slog.String("error", err.Error()))
			}
		}
	}()

	backend, closeBackend, err := openBackend(ctx, s, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeBackend)

	repo, err := openRepository(ctx, s, logger)
	if err != nil {
		return err
	}
	closers = append(closers, repo.Close)

	mailer, err := newMailer(s, logger)
	if err != nil {
		return err
	}

	cfg := s.Engine
	cfg.Channels = append(cfg.Channels, social.Channels...)
	cfg.Channels = append(cfg.Channels, relayhook.ChannelPrefix+"*")
	eng, err := engine.New(append(backend,
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
		engine.WithQueues(social.QueueConfigs()...),
		engine.WithExtension(audithook.New(
			audithook.RepositoryRecorder(repo, s.AuditCollection),
			audithook.WithActions(
				audithook.ActionJobFailed,
				audithook.ActionJobDeadLettered,
				audithook.ActionJobsReclaimed,
			),
			audithook.WithLogger(logger),
		)),
	)...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	// Failures and dead letters go out on ops:<queue> so operators
	// connected to any instance see them.
	eng.Extensions().Register(relayhook.New(eng.Bus(),
		relayhook.WithEvents(
			relayhook.EventJobFailed,
			relayhook.EventJobRetrying,
			relayhook.EventJobDeadLettered,
			relayhook.EventJobsReclaimed,
		),
	))

	handlers := social.New(repo, eng.Bus(), eng.Manager(),
		social.WithLogger(logger),
		social.WithMailer(mailer),
	)
	handlers.Register(eng.Registry())

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := &http.Server{
		Addr:              s.HTTPAddr,
		Handler:           api.New(eng, api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()

		// Stop the engine first: it closes the gateway's hijacked
		// connections, which http.Server.Shutdown does not track.
		engErr := eng.Close(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return engErr
	})
	return g.Wait()
}

// openBackend returns the engine options for the selected job store and
// medium plus a function releasing their connections.
func openBackend(ctx context.Context, s settings, logger *slog.Logger) ([]engine.Option, func() error, error) {
	var (
		opts    []engine.Option
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	var rdb *goredis.Client
	if s.RedisURL != "" {
		ropts, err := goredis.ParseURL(s.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = goredis.NewClient(ropts)
		closers = append(closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		opts = append(opts, engine.WithMedium(redisstore.NewMedium(rdb, redisstore.WithMediumLogger(logger))))
	}

	var st store.Store
	switch s.Store {
	case "memory":
		st = memory.New()
	case "redis":
		if rdb == nil {
			_ = closeAll()
			return nil, nil, errors.New("COURIER_STORE=redis requires COURIER_REDIS_URL")
		}
		st = redisstore.New(rdb, redisstore.WithLogger(logger))
	case "postgres":
		if s.PostgresURL == "" {
			_ = closeAll()
			return nil, nil, errors.New("COURIER_STORE=postgres requires COURIER_POSTGRES_URL")
		}
		pg, err := postgres.New(ctx, s.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		st = pg
	default:
		_ = closeAll()
		return nil, nil, fmt.Errorf("unknown COURIER_STORE %q", s.Store)
	}
	closers = append(closers, st.Close)

	if err := st.Migrate(ctx); err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("migrate %s store: %w", s.Store, err)
	}
	opts = append(opts, engine.WithJobStore(st))

	var registry cluster.Store = st
	if s.Cluster == "k8s" {
		provider, err := newK8sProvider(s, logger)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		registry = provider
	}
	opts = append(opts, engine.WithClusterStore(registry))

	logger.Info("backend selected",
		slog.String("store", s.Store),
		slog.String("cluster", s.Cluster),
		slog.Bool("redis_medium", rdb != nil),
	)
	return opts, closeAll, nil
}

// newK8sProvider builds the Pod-annotation instance registry from the
// in-cluster service account.
func newK8sProvider(s settings, logger *slog.Logger) (*k8s.Provider, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("k8s client: %w", err)
	}
	return k8s.New(client, s.K8sNamespace,
		k8s.WithLogger(logger),
		k8s.WithLabelSelector(s.K8sLabelSelector),
	), nil
}

// socialIndexes keep the handlers' lookups and fan-out queries indexed.
var socialIndexes = []repomongo.Index{
	{Collection: social.CollectionAuth, Keys: []string{"email"}, Unique: true},
	{Collection: social.CollectionAuth, Keys: []string{"username"}, Unique: true},
	{Collection: social.CollectionUsers, Keys: []string{"username"}},
	{Collection: social.CollectionPosts, Keys: []string{"user_id", "-created_at"}},
	{Collection: social.CollectionComments, Keys: []string{"post_id", "created_at"}},
	{Collection: social.CollectionReactions, Keys: []string{"post_id", "type"}},
	{Collection: social.CollectionFollowers, Keys: []string{"followee_id"}},
	{Collection: social.CollectionFollowers, Keys: []string{"follower_id"}},
	{Collection: social.CollectionMessages, Keys: []string{"conversation_id", "created_at"}},
	{Collection: social.CollectionNotifications, Keys: []string{"user_to", "-created_at"}},
}

func openRepository(ctx context.Context, s settings, logger *slog.Logger) (repository.Repository, error) {
	if s.MongoURI == "" {
		logger.Warn("COURIER_MONGO_URI not set, documents are kept in memory")
		return repomemory.New(), nil
	}
	repo, err := repomongo.Connect(ctx, s.MongoURI, s.MongoDatabase, repomongo.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx, socialIndexes...); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}

func newMailer(s settings, logger *slog.Logger) (social.Mailer, error) {
	if s.SMTPAddr == "" {
		return social.NewLogMailer(logger), nil
	}
	return social.NewSMTPMailer(s.SMTPAddr, s.SMTPFrom, s.SMTPUser, s.SMTPPassword)
}
