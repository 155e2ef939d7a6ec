package main

import (
	"log/slog"
	"slices"
	"testing"
	"time"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s := loadSettings()
	if s.HTTPAddr != ":8080" || s.Store != "memory" {
		t.Errorf("settings = %+v", s)
	}
	if s.LogLevel != slog.LevelInfo {
		t.Errorf("log level = %v, want info", s.LogLevel)
	}
	if s.Engine.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", s.Engine.Concurrency)
	}
	if s.Cluster != "store" {
		t.Errorf("cluster = %q, want store", s.Cluster)
	}
	if s.AuditCollection != "audit" {
		t.Errorf("audit collection = %q, want audit", s.AuditCollection)
	}
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("COURIER_STORE", "redis")
	t.Setenv("COURIER_LOG_LEVEL", "debug")
	t.Setenv("COURIER_CONCURRENCY", "16")
	t.Setenv("COURIER_LEASE_DURATION", "45s")
	t.Setenv("COURIER_CHANNELS", "ops:*, , jobs")
	t.Setenv("COURIER_MAX_ATTEMPTS", "lots")

	s := loadSettings()
	if s.Store != "redis" {
		t.Errorf("store = %q, want redis", s.Store)
	}
	if s.LogLevel != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", s.LogLevel)
	}
	if s.Engine.Concurrency != 16 {
		t.Errorf("concurrency = %d, want 16", s.Engine.Concurrency)
	}
	if s.Engine.LeaseDuration != 45*time.Second {
		t.Errorf("lease = %s, want 45s", s.Engine.LeaseDuration)
	}
	if !slices.Equal(s.Engine.Channels, []string{"ops:*", "jobs"}) {
		t.Errorf("channels = %v", s.Engine.Channels)
	}
	if s.Engine.MaxAttempts != 3 {
		t.Errorf("unparsable max attempts: got %d, want default 3", s.Engine.MaxAttempts)
	}
}

func TestGetEnvLevelFallsBack(t *testing.T) {
	t.Setenv("COURIER_LOG_LEVEL", "chatty")
	if got := getEnvLevel("COURIER_LOG_LEVEL", slog.LevelWarn); got != slog.LevelWarn {
		t.Errorf("level = %v, want warn", got)
	}
}

func TestSettingsValidateRequiresSharedMedium(t *testing.T) {
	tests := []struct {
		name    string
		s       settings
		wantErr bool
	}{
		{"memory alone", settings{Store: "memory", Cluster: "store"}, false},
		{"postgres without redis", settings{Store: "postgres", Cluster: "store"}, true},
		{"k8s registry without redis", settings{Store: "memory", Cluster: "k8s"}, true},
		{"postgres with redis", settings{Store: "postgres", Cluster: "store", RedisURL: "redis://localhost:6379"}, false},
		{"postgres single instance", settings{Store: "postgres", Cluster: "store", LocalMedium: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() = %v, want error %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSettingsLocalMedium(t *testing.T) {
	if loadSettings().LocalMedium {
		t.Error("local medium enabled by default")
	}
	t.Setenv("COURIER_LOCAL_MEDIUM", "true")
	if !loadSettings().LocalMedium {
		t.Error("COURIER_LOCAL_MEDIUM=true not honoured")
	}
}
