package server

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// AcceptRateLimiter tracks a token bucket per remote host for new
// connections. Buckets of hosts that stay quiet for the expiry window are
// evicted by the cache janitor.
type AcceptRateLimiter struct {
	mu       sync.Mutex // serialises bucket creation
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

// NewAcceptRateLimiter creates a limiter allowing perSecond new connections per
// host with the given burst. A non-positive perSecond disables the check.
func NewAcceptRateLimiter(perSecond float64, burst int, expiry time.Duration) *AcceptRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &AcceptRateLimiter{
		limiters: cache.New(expiry, expiry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether host may open another connection now.
func (rl *AcceptRateLimiter) Allow(host string) bool {
	if rl.limit <= 0 {
		return true
	}
	return rl.limiter(host).Allow()
}

func (rl *AcceptRateLimiter) limiter(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, found := rl.limiters.Get(host); found {
		l := v.(*rate.Limiter)
		// Sliding expiry: every access keeps the bucket alive.
		rl.limiters.SetDefault(host, l)
		return l
	}

	l := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters.SetDefault(host, l)
	return l
}

// Tracked returns the number of hosts with a live bucket.
func (rl *AcceptRateLimiter) Tracked() int {
	return rl.limiters.ItemCount()
}
