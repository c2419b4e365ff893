// Package ratelimit bounds call throughput with a token bucket.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultAcquireTimeout is used when Acquire is called with a zero timeout
const DefaultAcquireTimeout = 10 * time.Second

// Limiter is a token-bucket rate limiter. The bucket holds up to BurstSize
// tokens and refills at CallsPerMinute/60 tokens per second. Safe for
// concurrent use; no background goroutines, no persistence.
type Limiter struct {
	callsPerMinute int
	burstSize      int
	limiter        *rate.Limiter
}

// New creates a limiter with a full bucket
func New(callsPerMinute, burstSize int) *Limiter {
	if callsPerMinute <= 0 {
		callsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = 10
	}
	return &Limiter{
		callsPerMinute: callsPerMinute,
		burstSize:      burstSize,
		limiter:        rate.NewLimiter(rate.Limit(float64(callsPerMinute)/60.0), burstSize),
	}
}

// Acquire blocks until a token is available or the timeout elapses.
// Returns true if a token was acquired.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return l.limiter.Wait(ctx) == nil
}

// TryAcquire takes a token without blocking. Returns false if none available.
func (l *Limiter) TryAcquire() bool {
	return l.limiter.Allow()
}

// CallsPerMinute returns the sustained rate
func (l *Limiter) CallsPerMinute() int {
	return l.callsPerMinute
}

// BurstSize returns the bucket capacity
func (l *Limiter) BurstSize() int {
	return l.burstSize
}

// TokensAvailable reports the current token count (approximate, for status reporting)
func (l *Limiter) TokensAvailable() float64 {
	return l.limiter.Tokens()
}
