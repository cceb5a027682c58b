// ratelimit.go implements token-bucket rate limiting for Binance futures
// REST calls.
//
// Binance enforces weight-based limits per minute. Rather than tracking
// weights exactly, each endpoint family gets a smooth token bucket tuned
// well below the hard limit:
//
//   - Klines: 1 burst / 1 per sec, which also spaces candle pages at
//     least one second apart
//   - Depth:  5 burst / 2 per sec
//   - Info:   2 burst / 0.5 per sec (exchangeInfo is heavy and cached)
package market

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
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

// RateLimiter groups token buckets by Binance endpoint family. Each REST
// call must go through the matching bucket's Wait() first.
type RateLimiter struct {
	Klines *TokenBucket // GET /fapi/v1/klines
	Depth  *TokenBucket // GET /fapi/v1/depth
	Info   *TokenBucket // GET /fapi/v1/exchangeInfo
}

// NewRateLimiter creates rate limiters tuned for the monitor's access
// pattern: serial candle paging, occasional depth snapshots, and a cached
// symbol universe.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Klines: NewTokenBucket(1, 1),
		Depth:  NewTokenBucket(5, 2),
		Info:   NewTokenBucket(2, 0.5),
	}
}
