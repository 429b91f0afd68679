package registry

import (
	"sync"
	"time"
)

// rateLimitDelays is the ascending per-attempt delay table, in seconds.
var rateLimitDelays = [...]int{0, 10, 30, 60, 180, 300}

// rateLimitResetAfter is how long an IP must be idle before its counter
// resets automatically.
const rateLimitResetAfter = 1800 * time.Second

type rateLimitEntry struct {
	count       int
	lastAttempt time.Time
}

// RateLimiter enforces the ascending-delay-table policy on room creation,
// keyed by client IP. A single counter and last-attempt instant per IP.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

func newRateLimiter(now func() time.Time) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*rateLimitEntry),
		now:     now,
	}
}

// check reports whether ip may proceed now. On allow, it records the
// attempt and returns (0, true). On deny, it returns the number of whole
// seconds the caller must wait and false.
func (rl *RateLimiter) check(ip string) (retryAfterSeconds int, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.entries[ip]
	if !ok || now.Sub(e.lastAttempt) > rateLimitResetAfter {
		rl.entries[ip] = &rateLimitEntry{count: 1, lastAttempt: now}
		return 0, true
	}

	idx := e.count
	if idx > len(rateLimitDelays)-1 {
		idx = len(rateLimitDelays) - 1
	}
	required := time.Duration(rateLimitDelays[idx]) * time.Second
	elapsed := now.Sub(e.lastAttempt)
	if elapsed >= required {
		e.count++
		e.lastAttempt = now
		return 0, true
	}

	remaining := required - elapsed
	secs := int(remaining.Seconds())
	if remaining%time.Second != 0 {
		secs++
	}
	return secs, false
}

// reset clears the entry for ip, treating a successful join as proof of
// legitimate use.
func (rl *RateLimiter) reset(ip string) {
	rl.mu.Lock()
	delete(rl.entries, ip)
	rl.mu.Unlock()
}
