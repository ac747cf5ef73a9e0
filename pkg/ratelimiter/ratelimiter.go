// Package ratelimiter implements the per-application launch backoff used to
// throttle how often a failing application's tasks are retried. A Limiter
// tracks, for each (app ID, app version) pair, a deadline before which no
// further launch should be attempted; repeated failures push the deadline
// out multiplicatively, up to a per-app ceiling.
package ratelimiter

import (
	"time"

	"k8s.io/utils/clock"
)

// AppKey identifies the application a backoff entry belongs to. Two
// versions of the same application are rate-limited independently.
type AppKey struct {
	ID      string
	Version string
}

// AppBackoffConfig is the per-application backoff policy. BackoffFactor is
// assumed to be >= 1.0; a value below 1.0 is accepted but makes the delay
// shrink toward zero on every call, eventually resetting.
type AppBackoffConfig struct {
	Backoff        time.Duration
	BackoffFactor  float64
	MaxLaunchDelay time.Duration
}

// entry is the Limiter's bookkeeping for a single AppKey: the currently
// applicable delay duration and the deadline it produced.
type entry struct {
	duration time.Duration
	deadline time.Time
}

// Limiter tracks launch backoff deadlines per AppKey. It is a plain,
// unsynchronized struct: it is meant to be owned and called by a single
// goroutine, matching the Manager's own single-writer discipline. Callers
// that cannot guarantee single-writer access should wrap a Limiter in
// Synchronized instead of locking it externally ad hoc.
type Limiter struct {
	clock   clock.Clock
	entries map[AppKey]entry
}

// NewLimiter constructs an empty Limiter using clk for all time
// computations.
func NewLimiter(clk clock.Clock) *Limiter {
	return &Limiter{
		clock:   clk,
		entries: make(map[AppKey]entry),
	}
}

// GetDelay returns the stored deadline for app, or the current time if no
// entry exists.
func (l *Limiter) GetDelay(app AppKey) time.Time {
	if e, ok := l.entries[app]; ok {
		return e.deadline
	}
	return l.clock.Now()
}

// AddDelay extends the backoff for app: if no entry exists, it creates one
// of duration config.Backoff; otherwise it replaces the stored duration
// with min(config.MaxLaunchDelay, current*config.BackoffFactor). The
// returned value, and the newly stored deadline, is now plus that
// duration. If the recomputed duration is zero or negative (only possible
// with a BackoffFactor < 1 that has shrunk the entry away), the entry is
// removed instead, and the current time is returned, mirroring the
// post-condition that either a future deadline exists or no entry does.
func (l *Limiter) AddDelay(app AppKey, config AppBackoffConfig) time.Time {
	now := l.clock.Now()

	e, ok := l.entries[app]
	duration := config.Backoff
	if ok {
		duration = scaleDuration(e.duration, config.BackoffFactor)
	}
	if duration > config.MaxLaunchDelay {
		duration = config.MaxLaunchDelay
	}

	if duration <= 0 {
		delete(l.entries, app)
		return now
	}

	deadline := now.Add(duration)
	l.entries[app] = entry{duration: duration, deadline: deadline}
	return deadline
}

// ResetDelay removes any backoff entry for app. A subsequent GetDelay(app)
// returns the current time.
func (l *Limiter) ResetDelay(app AppKey) {
	delete(l.entries, app)
}

// scaleDuration multiplies d by factor using nanosecond precision,
// saturating at the largest representable Duration rather than overflowing
// into a negative value. The caller is responsible for capping the result
// at MaxLaunchDelay afterwards.
func scaleDuration(d time.Duration, factor float64) time.Duration {
	scaled := float64(d) * factor
	if scaled >= float64(time.Duration(1<<63 - 1)) {
		return time.Duration(1<<63 - 1)
	}
	if scaled < 0 {
		return 0
	}
	return time.Duration(scaled)
}
