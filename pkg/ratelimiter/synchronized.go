package ratelimiter

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Synchronized wraps a Limiter with a mutex, for callers that do not
// already run it from within a single-writer context (the Manager's own
// actor loop has no need for this; a handler-per-goroutine caller does).
type Synchronized struct {
	mu sync.Mutex
	l  *Limiter
}

// NewSynchronized constructs a mutex-guarded Limiter using clk.
func NewSynchronized(clk clock.Clock) *Synchronized {
	return &Synchronized{l: NewLimiter(clk)}
}

func (s *Synchronized) GetDelay(app AppKey) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l.GetDelay(app)
}

func (s *Synchronized) AddDelay(app AppKey, config AppBackoffConfig) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l.AddDelay(app, config)
}

func (s *Synchronized) ResetDelay(app AppKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l.ResetDelay(app)
}
