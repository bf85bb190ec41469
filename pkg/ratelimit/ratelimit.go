// Package ratelimit enforces per-user request quotas over fixed time
// windows. State is in-memory; multi-instance deployments shard users
// by instance or front the API with an external limiter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/castellan-ai/castellan/pkg/ids"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	count     int
	windowEnd time.Time
}

// Limiter counts requests per identifier in fixed windows.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   ids.Clock
	buckets map[string]*bucket
}

type Option func(*Limiter)

func WithClock(c ids.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New creates a limiter admitting limit requests per window per
// identifier. A non-positive limit disables limiting.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		limit:   limit,
		window:  window,
		clock:   ids.SystemClock(),
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one request for id and reports whether it is admitted.
func (l *Limiter) Allow(id string) Result {
	if l.limit <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[id]
	if !ok || !b.windowEnd.After(now) {
		b = &bucket{windowEnd: now.Add(l.window)}
		l.buckets[id] = b
	}
	if b.count >= l.limit {
		return Result{Allowed: false, RetryAfter: b.windowEnd.Sub(now)}
	}
	b.count++
	return Result{Allowed: true, Remaining: l.limit - b.count}
}

// Sweep drops buckets whose window has passed. Callers run it
// periodically to keep memory bounded.
func (l *Limiter) Sweep() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if !b.windowEnd.After(now) {
			delete(l.buckets, id)
		}
	}
}
