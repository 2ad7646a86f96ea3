package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket guarding platform API calls. A burst up to
// the bucket capacity is allowed, then tokens refill at a steady rate.
type RateLimiter struct {
	rate     float64 // tokens per second
	capacity int

	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter builds a limiter allowing rate operations per second with
// bursts up to capacity.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		capacity:   capacity,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.waitDuration()):
		}
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN consumes n tokens if that many are available.
func (r *RateLimiter) AllowN(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= float64(n) {
		r.tokens -= float64(n)
		return true
	}
	return false
}

// Reserve always takes a token and returns how long the caller must wait
// before acting on it.
func (r *RateLimiter) Reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	needed := 1 - r.tokens
	return time.Duration(needed / r.rate * float64(time.Second))
}

// Tokens returns the currently available token count.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	return r.tokens
}

// refill must be called with the lock held.
func (r *RateLimiter) refill() {
	now := time.Now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.capacity) {
		r.tokens = float64(r.capacity)
	}
	r.lastRefill = now
}

func (r *RateLimiter) waitDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		return 0
	}
	needed := 1 - r.tokens
	return time.Duration(needed / r.rate * float64(time.Second))
}
