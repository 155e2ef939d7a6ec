package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/courier"
)

// settings is the daemon configuration read from COURIER_* variables.
type settings struct {
	HTTPAddr string
	LogLevel slog.Level

	// Store selects the job store and broadcast medium: memory, redis or
	// postgres. With postgres the medium is still Redis when RedisURL is
	// set, otherwise in-process.
	Store       string
	RedisURL    string
	PostgresURL string

	// LocalMedium accepts an in-process medium next to a shared store.
	// Without it such a setup is refused, since events published on one
	// instance would never reach clients connected to another.
	LocalMedium bool

	// Cluster selects the instance registry: "store" keeps it in the job
	// store, "k8s" uses Pod annotations and a Lease.
	Cluster          string
	K8sNamespace     string
	K8sLabelSelector string

	MongoURI      string
	MongoDatabase string

	// AuditCollection receives job failure audit records.
	AuditCollection string

	SMTPAddr     string
	SMTPFrom     string
	SMTPUser     string
	SMTPPassword string

	Engine courier.Config
}

func loadSettings() settings {
	cfg := courier.DefaultConfig()
	cfg.Concurrency = getEnvInt("COURIER_CONCURRENCY", cfg.Concurrency)
	cfg.PollInterval = getEnvDuration("COURIER_POLL_INTERVAL", cfg.PollInterval)
	cfg.SweepInterval = getEnvDuration("COURIER_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.LeaseDuration = getEnvDuration("COURIER_LEASE_DURATION", cfg.LeaseDuration)
	cfg.JobTimeout = getEnvDuration("COURIER_JOB_TIMEOUT", cfg.JobTimeout)
	cfg.MaxAttempts = getEnvInt("COURIER_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.BackoffBase = getEnvDuration("COURIER_BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffMax = getEnvDuration("COURIER_BACKOFF_MAX", cfg.BackoffMax)
	cfg.ShutdownGrace = getEnvDuration("COURIER_SHUTDOWN_GRACE", cfg.ShutdownGrace)
	cfg.HeartbeatInterval = getEnvDuration("COURIER_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.DeadAfter = getEnvDuration("COURIER_DEAD_AFTER", cfg.DeadAfter)
	cfg.JanitorSchedule = getEnv("COURIER_JANITOR_SCHEDULE", cfg.JanitorSchedule)
	cfg.Retention = getEnvDuration("COURIER_RETENTION", cfg.Retention)
	cfg.Channels = getEnvList("COURIER_CHANNELS", nil)

	return settings{
		HTTPAddr:         getEnv("COURIER_HTTP_ADDR", ":8080"),
		LogLevel:         getEnvLevel("COURIER_LOG_LEVEL", slog.LevelInfo),
		Store:            getEnv("COURIER_STORE", "memory"),
		RedisURL:         getEnv("COURIER_REDIS_URL", ""),
		PostgresURL:      getEnv("COURIER_POSTGRES_URL", ""),
		LocalMedium:      getEnvBool("COURIER_LOCAL_MEDIUM", false),
		Cluster:          getEnv("COURIER_CLUSTER", "store"),
		K8sNamespace:     getEnv("COURIER_K8S_NAMESPACE", "default"),
		K8sLabelSelector: getEnv("COURIER_K8S_LABEL_SELECTOR", "app.kubernetes.io/component=courier"),
		MongoURI:         getEnv("COURIER_MONGO_URI", ""),
		MongoDatabase:    getEnv("COURIER_MONGO_DATABASE", "courier"),
		AuditCollection:  getEnv("COURIER_AUDIT_COLLECTION", "audit"),
		SMTPAddr:         getEnv("COURIER_SMTP_ADDR", ""),
		SMTPFrom:         getEnv("COURIER_SMTP_FROM", ""),
		SMTPUser:         getEnv("COURIER_SMTP_USER", ""),
		SMTPPassword:     getEnv("COURIER_SMTP_PASSWORD", ""),
		Engine:           cfg,
	}
}

// validate rejects combinations that start but misbehave.
func (s settings) validate() error {
	shared := s.Store == "postgres" || s.Cluster == "k8s"
	if shared && s.RedisURL == "" && !s.LocalMedium {
		return fmt.Errorf("COURIER_STORE=%s with COURIER_CLUSTER=%s is shared between instances but has no broadcast medium: "+
			"set COURIER_REDIS_URL, or COURIER_LOCAL_MEDIUM=true to run a single instance", s.Store, s.Cluster)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvLevel(key string, def slog.Level) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(getEnv(key, def.String()))); err != nil {
		return def
	}
	return lvl
}
