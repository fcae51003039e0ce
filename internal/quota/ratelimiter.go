// Package quota throttles mutating API calls per client.
package quota

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements per-client token bucket rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	rpm     int
	buckets map[string]*tokenBucket
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter granting rpm requests per minute to each
// client, with bursts up to rpm. rpm <= 0 means unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm:     rpm,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Enabled reports whether any limit is enforced.
func (rl *RateLimiter) Enabled() bool {
	return rl.rpm > 0
}

func (rl *RateLimiter) refillRate() float64 {
	return float64(rl.rpm) / 60.0
}

// Allow reports whether a request from key may proceed and consumes a
// token if so.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.rpm), lastRefill: now}
		rl.buckets[key] = bucket
	}

	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * rl.refillRate()
	if limit := float64(rl.rpm); bucket.tokens > limit {
		bucket.tokens = limit
	}
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

// RetryAfter returns the number of seconds until key gets its next token.
func (rl *RateLimiter) RetryAfter(key string) int {
	if !rl.Enabled() {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok || bucket.tokens >= 1 {
		return 0
	}
	needed := 1.0 - bucket.tokens
	return int(needed/rl.refillRate()) + 1
}

// Cleanup removes buckets for clients that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	for key, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(maxAge)
		}
	}
}
