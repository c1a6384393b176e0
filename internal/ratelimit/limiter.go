// Package ratelimit rate-limits logging for accept-layer transient
// errors (cap rejections, FD exhaustion). Each offending peer gets its
// own token bucket so one noisy peer cannot suppress logging for
// another; go-cache expires idle buckets so bookkeeping does not grow
// unbounded under high peer churn.
package ratelimit

import (
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Limiter grants at most burst log lines immediately, then one every
// interval, per key (typically a peer address).
type Limiter struct {
	buckets  *cache.Cache
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
}

// New constructs a limiter allowing ~1 log line every interval (plus an
// initial burst), auto-expiring a peer's bucket after it has been idle
// for idleTTL.
func New(interval time.Duration, burst int, idleTTL time.Duration) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Limiter{
		buckets: cache.New(idleTTL, idleTTL/2),
		rate:    rate.Every(interval),
		burst:   burst,
		idleTTL: idleTTL,
	}
}

// Allow reports whether the caller should log now for the given key.
func (l *Limiter) Allow(key string) bool {
	if cached, ok := l.buckets.Get(key); ok {
		lim := cached.(*rate.Limiter)
		return lim.Allow()
	}

	lim := rate.NewLimiter(l.rate, l.burst)
	// Consume the first token so the very first log line is guaranteed.
	allowed := lim.Allow()
	l.buckets.SetDefault(key, lim)
	return allowed
}
