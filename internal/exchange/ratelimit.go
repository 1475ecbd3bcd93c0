// ratelimit.go implements token-bucket rate limiting for the Coinbase
// Advanced Trade API.
//
// Coinbase enforces roughly 30 requests/second for private (authenticated)
// endpoints and 10 requests/second for public ones. The buckets refill
// continuously rather than in 1s bursts so sustained reconciliation traffic
// stays smooth under the hard limits.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by Coinbase endpoint category.
// Each call must Wait() on the appropriate bucket before making the
// HTTP request.
type RateLimiter struct {
	Private *TokenBucket // authenticated endpoints: orders, fills, accounts
	Public  *TokenBucket // market data: products, ticker
}

// NewRateLimiter creates rate limiters tuned below Coinbase's published
// limits (30/s private, 10/s public) to leave headroom for bursts.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Private: NewTokenBucket(25, 25),
		Public:  NewTokenBucket(8, 8),
	}
}
