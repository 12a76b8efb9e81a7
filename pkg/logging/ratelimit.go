package logging

import (
	"sync"
	"time"
)

// RateLimiter enforces "at most one log line per class per window", the
// behavior required by §4.4.7 for rtp_src_limit_exceeded / rtp_src_table_full.
// Keys are caller-chosen class
// identifiers (e.g. a channel ID + reason string); each key gets its own
// independent window.
type RateLimiter struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewRateLimiter builds a limiter with the given window (typically 30s).
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether a log for key may be emitted now. Only allowed
// emissions are recorded, so the window is measured from the last allowed
// emission, not from every suppressed call.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.window {
		return false
	}
	r.last[key] = now
	return true
}

// LogIfAllowed emits msg via log (e.g. logger.Warn) only if Allow(key)
// permits it this window.
func (r *RateLimiter) LogIfAllowed(key string, log func()) {
	if r.Allow(key) {
		log()
	}
}
