package forward

import (
	"sync"
	"time"
)

// RateLimiter caps study dispatches with a one-minute sliding window. A
// nil limiter (limit 0) admits everything. Callers that are denied requeue
// themselves instead of blocking; see Orchestrator.admit.
type RateLimiter struct {
	limit int

	mu     sync.Mutex
	starts []time.Time
}

// NewRateLimiter returns nil when perMinute is 0, meaning unlimited.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &RateLimiter{limit: perMinute}
}

// Allow admits one dispatch if the window has room.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trim(time.Now())
	if len(r.starts) >= r.limit {
		return false
	}
	r.starts = append(r.starts, time.Now())
	return true
}

// trim runs under r.mu.
func (r *RateLimiter) trim(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.starts) && r.starts[i].Before(cutoff) {
		i++
	}
	r.starts = r.starts[i:]
}
