// Package ratelimit throttles worker respawns and caps the tick rate.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewRateLimiter allows perSecond events per second with a burst of
// max(1, perSecond). A zero rate disables limiting.
func NewRateLimiter(perSecond float64) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burstFor(perSecond)),
	}
}

func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.RLock()
	limiter := r.limiter
	limit := limiter.Limit()
	r.mu.RUnlock()

	// If rate limit is 0, don't wait (no rate limiting)
	if limit == 0 {
		return nil
	}
	return limiter.Wait(ctx)
}

// Allow reports whether an event may happen now without waiting.
func (r *RateLimiter) Allow() bool {
	r.mu.RLock()
	limiter := r.limiter
	r.mu.RUnlock()
	if limiter.Limit() == 0 {
		return true
	}
	return limiter.Allow()
}

func (r *RateLimiter) SetRate(perSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimit(rate.Limit(perSecond))
	r.limiter.SetBurst(burstFor(perSecond))
}

// Rate returns the current limit in events per second.
func (r *RateLimiter) Rate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return float64(r.limiter.Limit())
}

func burstFor(perSecond float64) int {
	if perSecond < 1 {
		return 1
	}
	return int(perSecond)
}
