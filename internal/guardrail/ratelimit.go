package guardrail

import (
	"sync"
	"time"

	"github.com/ppiankov/runforge/internal/model"
)

// limiterKey identifies one counted stream of authorizations.
type limiterKey struct {
	role   model.Role
	action string
}

// Limiter counts authorizations per (role, action) over a rolling window.
// The window slides: each call prunes timestamps older than the window,
// then checks the ceiling, then records. All three happen under one lock
// so concurrent callers never under-count.
type Limiter struct {
	mu      sync.Mutex
	history map[limiterKey][]time.Time
	now     func() time.Time
}

// NewLimiter returns an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		history: make(map[limiterKey][]time.Time),
		now:     time.Now,
	}
}

// Take records one authorization against the limit and reports whether it
// fit under the ceiling. A nil or disabled limit always fits and records
// nothing.
func (l *Limiter) Take(role model.Role, action string, limit *RateLimit) (current int, ok bool) {
	if limit == nil || !limit.Enabled() {
		return 0, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey{role: role, action: action}
	now := l.now()
	recent := prune(l.history[key], now.Add(-limit.Window))

	if len(recent) >= limit.MaxRequests {
		l.history[key] = recent
		return len(recent), false
	}

	l.history[key] = append(recent, now)
	return len(recent) + 1, true
}

// Peek reports the current count without consuming budget. Used by dry-run
// checks, which must not affect live traffic.
func (l *Limiter) Peek(role model.Role, action string, limit *RateLimit) (current int, ok bool) {
	if limit == nil || !limit.Enabled() {
		return 0, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey{role: role, action: action}
	recent := prune(l.history[key], l.now().Add(-limit.Window))
	l.history[key] = recent
	return len(recent), len(recent) < limit.MaxRequests
}

// prune drops timestamps at or before the cutoff. History is append-only
// and therefore sorted, so a single scan finds the boundary.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
