package courier

import "time"

// Config holds process-wide defaults for the queue, worker pool, sweeper,
// event bus and instance registry. Per-queue settings override the job
// related fields.
type Config struct {
	// Concurrency is the default number of worker slots per queue.
	Concurrency int

	// PollInterval bounds how long an idle slot waits before retrying a
	// lease when no local availability signal arrives.
	PollInterval time.Duration

	// SweepInterval is how often due delayed jobs are promoted and
	// expired leases are reclaimed.
	SweepInterval time.Duration

	// LeaseDuration is how long a leased job stays exclusive to one
	// worker without an extension.
	LeaseDuration time.Duration

	// JobTimeout is the default execution budget for a handler. Zero
	// disables the timeout.
	JobTimeout time.Duration

	// MaxAttempts is the default retry budget for new jobs.
	MaxAttempts int

	// BackoffBase and BackoffMax configure the default jittered
	// exponential backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// ShutdownGrace bounds how long a graceful stop waits for in-flight
	// handlers before abandoning them.
	ShutdownGrace time.Duration

	// HeartbeatInterval is how often this instance refreshes its entry
	// in the instance registry.
	HeartbeatInterval time.Duration

	// DeadAfter is how long an instance may stay silent before it is
	// reaped from the registry.
	DeadAfter time.Duration

	// JanitorSchedule is the cron expression driving finished-job
	// garbage collection.
	JanitorSchedule string

	// Retention is how long completed and failed jobs are kept.
	Retention time.Duration

	// Channels are the event bus patterns this instance subscribes to
	// at startup, e.g. "chat:*".
	Channels []string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		PollInterval:      time.Second,
		SweepInterval:     time.Second,
		LeaseDuration:     30 * time.Second,
		JobTimeout:        time.Minute,
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMax:        5 * time.Minute,
		ShutdownGrace:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		DeadAfter:         45 * time.Second,
		JanitorSchedule:   "@every 10m",
		Retention:         24 * time.Hour,
	}
}
