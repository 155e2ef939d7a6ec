package job

import (
	"fmt"
	"regexp"
	"time"

	"github.com/xraph/courier"
)

// MaxPriority bounds the absolute value of a job priority.
const MaxPriority = 1000

var queueNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidQueueName reports whether name is an acceptable queue name.
func ValidQueueName(name string) bool {
	return queueNamePattern.MatchString(name)
}

// Options configures a single enqueue call.
type Options struct {
	// MaxAttempts is the retry budget. Zero uses the queue default.
	MaxAttempts int

	// Priority orders waiting jobs. Higher values are leased first.
	Priority int

	// DedupeKey makes the enqueue idempotent within the queue.
	DedupeKey string

	// Delay postpones the job relative to now.
	Delay time.Duration

	// RunAt schedules the job at an absolute time. It wins over Delay.
	RunAt time.Time

	// Timeout bounds a single execution. Zero uses the queue default.
	Timeout time.Duration
}

// Option is a functional option for an enqueue call.
type Option func(*Options)

// WithMaxAttempts sets the retry budget for the job.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithPriority sets the job priority. Higher values are leased first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithDedupeKey makes repeated enqueues with the same key return the
// first job.
func WithDedupeKey(key string) Option {
	return func(o *Options) { o.DedupeKey = key }
}

// WithDelay postpones the job.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithRunAt schedules the job for a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}

// WithTimeout sets the execution budget for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// Apply folds opts into a fresh Options.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Validate checks the options and returns an error wrapping
// courier.ErrValidation.
func (o Options) Validate() error {
	switch {
	case o.MaxAttempts < 0:
		return fmt.Errorf("%w: max attempts %d is negative", courier.ErrValidation, o.MaxAttempts)
	case o.Priority > MaxPriority || o.Priority < -MaxPriority:
		return fmt.Errorf("%w: priority %d outside [-%d, %d]", courier.ErrValidation, o.Priority, MaxPriority, MaxPriority)
	case o.Delay < 0:
		return fmt.Errorf("%w: negative delay %s", courier.ErrValidation, o.Delay)
	case o.Timeout < 0:
		return fmt.Errorf("%w: negative timeout %s", courier.ErrValidation, o.Timeout)
	case len(o.DedupeKey) > 256:
		return fmt.Errorf("%w: dedupe key longer than 256 bytes", courier.ErrValidation)
	}
	return nil
}

// AvailableAt resolves when a job enqueued at now becomes leasable.
func (o Options) AvailableAt(now time.Time) time.Time {
	if !o.RunAt.IsZero() {
		return o.RunAt.UTC()
	}
	return now.Add(o.Delay)
}
