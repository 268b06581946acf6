// Package ratelimit implements a per-user token bucket rate limiter on top
// of golang.org/x/time/rate. Each user gets an independent bucket; one user
// cannot exhaust another's quota.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	sweepInterval = 5 * time.Minute
	idleTTL       = time.Hour
)

// Config configures the limiter: Requests per Window, with a burst of Requests.
type Config struct {
	Requests int // Zero or negative = unlimited (Allow always succeeds).
	Window   time.Duration
}

// Limiter is a per-user token bucket rate limiter. Safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*entry
	limit rate.Limit
	burst int
	now   func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		users: make(map[string]*entry),
		now:   time.Now,
	}
	if cfg.Requests > 0 {
		window := cfg.Window
		if window <= 0 {
			window = time.Minute
		}
		l.limit = rate.Every(window / time.Duration(cfg.Requests))
		l.burst = cfg.Requests
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token from the user's bucket. It returns ErrRateLimited
// wrapped with the wait until the next token when the bucket is empty.
func (l *Limiter) Allow(userID string) error {
	_, err := l.Reserve(userID)
	return err
}

// Reserve is Allow that also reports how long to wait before retrying.
func (l *Limiter) Reserve(userID string) (time.Duration, error) {
	if l == nil || l.burst == 0 {
		return 0, nil
	}
	now := l.now()
	lim := l.limiterFor(userID, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return 0, ErrRateLimited
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return wait, ErrRateLimited
	}
	return 0, nil
}

func (l *Limiter) limiterFor(userID string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.users[userID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Sweep drops buckets idle for longer than ttl and returns how many were removed.
func (l *Limiter) Sweep(ttl time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.users {
		if e.lastSeen.Before(cutoff) {
			delete(l.users, id)
			n++
		}
	}
	return n
}

// Run sweeps idle buckets until ctx is canceled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(idleTTL)
		}
	}
}
