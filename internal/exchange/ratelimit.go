// ratelimit.go implements client-side token-bucket pacing for the exchange API.
//
// The exchange does not publish per-category limits for partner accounts, so the
// buckets are sized well above the scheduler's own cadence and only smooth out
// bursts such as a batch placement racing a cancel sweep.
//
// Three buckets are maintained:
//   - Read:   catalog, balance, odds ladder, pub/sub config and channel auth
//   - Wager:  place_wager, place_multiple_wagers
//   - Cancel: cancel_wager, cancel_multiple_wagers, cancel_all_wagers
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token bucket with continuous refill.
// Callers block in Wait until a token is available or the context ends.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		last:     time.Now(),
	}
}

// take refills the bucket and tries to consume one token. When none is
// available it returns how long until one will be.
func (tb *TokenBucket) take(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.last).Seconds()*tb.rate)
	tb.last = now
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	return false, time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		ok, wait := tb.take(time.Now())
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RateLimiter groups buckets by endpoint category.
type RateLimiter struct {
	Read   *TokenBucket
	Wager  *TokenBucket
	Cancel *TokenBucket
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Read:   NewTokenBucket(40, 10),
		Wager:  NewTokenBucket(30, 5),
		Cancel: NewTokenBucket(30, 5),
	}
}
