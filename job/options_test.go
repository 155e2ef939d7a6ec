package job_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

func TestValidQueueName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"email", true},
		{"chat.v2", true},
		{"0-retry_x", true},
		{"", false},
		{"Email", false},
		{"-email", false},
		{"has space", false},
		{"a234567890123456789012345678901234567890123456789012345678901234", true},
		{"a2345678901234567890123456789012345678901234567890123456789012345", false},
	}
	for _, tt := range tests {
		if got := job.ValidQueueName(tt.name); got != tt.want {
			t.Errorf("ValidQueueName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts []job.Option
		ok   bool
	}{
		{"defaults", nil, true},
		{"full", []job.Option{job.WithMaxAttempts(5), job.WithPriority(10), job.WithDedupeKey("k"), job.WithDelay(time.Second), job.WithTimeout(time.Minute)}, true},
		{"negative attempts", []job.Option{job.WithMaxAttempts(-1)}, false},
		{"priority too high", []job.Option{job.WithPriority(job.MaxPriority + 1)}, false},
		{"priority too low", []job.Option{job.WithPriority(-job.MaxPriority - 1)}, false},
		{"negative delay", []job.Option{job.WithDelay(-time.Second)}, false},
		{"negative timeout", []job.Option{job.WithTimeout(-time.Second)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := job.Apply(tt.opts...).Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, courier.ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestOptionsAvailableAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if got := job.Apply().AvailableAt(now); !got.Equal(now) {
		t.Errorf("immediate: got %v, want %v", got, now)
	}
	if got := job.Apply(job.WithDelay(time.Minute)).AvailableAt(now); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("delay: got %v", got)
	}
	runAt := now.Add(time.Hour)
	if got := job.Apply(job.WithDelay(time.Minute), job.WithRunAt(runAt)).AvailableAt(now); !got.Equal(runAt) {
		t.Errorf("run at: got %v, want %v", got, runAt)
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range job.States {
		want := s == job.StateCompleted || s == job.StateFailed || s == job.StateDeadLettered
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if job.State("running").Valid() {
		t.Error("unknown state reported valid")
	}
}

func TestJobClone(t *testing.T) {
	exp := time.Now()
	j := &job.Job{Payload: []byte("x"), LeaseExpiresAt: &exp}
	cp := j.Clone()
	cp.Payload[0] = 'y'
	*cp.LeaseExpiresAt = exp.Add(time.Hour)
	if string(j.Payload) != "x" || !j.LeaseExpiresAt.Equal(exp) {
		t.Error("clone shares memory with the original")
	}
}
