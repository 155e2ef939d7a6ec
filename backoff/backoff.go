// Package backoff maps a retry attempt number to a delay.
//
// Every Strategy is non-decreasing in the attempt number and, when a
// maximum is configured, bounded by it. All strategies are safe for
// concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear grows as min(Initial*attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial*attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	return capped(float64(l.Initial)*float64(max(attempt, 1)), l.Max)
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential grows as min(Initial*2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial*2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return nominal(e.Initial, e.Max, attempt)
}

// ──────────────────────────────────────────────────
// Jittered
// ──────────────────────────────────────────────────

// Jittered is exponential backoff with a jitter factor in [0.5, 1.5].
//
// Attempt n draws uniformly from the window [lo(n), hi(n)] where
// hi(n) = min(Max, 1.5*d(n)), lo(1) = 0.5*d(1) and lo(n) = hi(n-1) for
// n >= 2, with d(n) the nominal exponential delay. Adjacent windows touch
// but never overlap, so draws never decrease across attempts and never
// exceed Max.
type Jittered struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewJittered creates a jittered backoff. The same seed yields the same
// sequence of delays.
func NewJittered(base, maxDelay time.Duration, seed uint64) *Jittered {
	return &Jittered{
		Base: base,
		Max:  maxDelay,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), //nolint:gosec // jitter is not security sensitive
	}
}

// Delay returns a jittered delay for attempt n.
func (j *Jittered) Delay(attempt int) time.Duration {
	attempt = max(attempt, 1)
	hi := j.high(attempt)
	var lo time.Duration
	if attempt == 1 {
		lo = nominal(j.Base, j.Max, 1) / 2
	} else {
		lo = min(j.high(attempt-1), hi)
	}
	if hi <= lo {
		return hi
	}

	j.mu.Lock()
	if j.rng == nil {
		j.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // jitter
	}
	f := j.rng.Float64()
	j.mu.Unlock()

	return lo + time.Duration(f*float64(hi-lo))
}

func (j *Jittered) high(attempt int) time.Duration {
	return capped(1.5*float64(nominal(j.Base, j.Max, attempt)), j.Max)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func nominal(base, maxDelay time.Duration, attempt int) time.Duration {
	return capped(float64(base)*math.Pow(2, float64(max(attempt, 1)-1)), maxDelay)
}

// capped converts d to a Duration, clamping at maxDelay (when positive)
// and at the largest representable Duration.
func capped(d float64, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// DefaultStrategy returns the jittered backoff used when a queue does not
// configure one: 1s base, 5m max.
func DefaultStrategy() Strategy {
	return NewJittered(time.Second, 5*time.Minute, rand.Uint64()) //nolint:gosec // jitter seed
}
