// Package ratelimiter implements per-provider token buckets and the adaptive
// selector that spreads requests across providers with heterogeneous limits.
package ratelimiter

import (
	"math"
	"time"
)

// Safety factor bounds. The factor shades the declared limit to leave
// headroom; it never drops below the floor so a provider keeps draining.
const (
	SafetyFloor = 0.3
	SafetyCeil  = 1.0
)

// TokenBucket accounts requests against a declared per-minute limit scaled by
// a safety factor. It is not goroutine-safe; the owning limiter serializes
// access under its own mutex.
type TokenBucket struct {
	limitPerMinute int
	safety         float64
	tokens         float64
	lastRefill     time.Time
}

// NewTokenBucket starts a bucket full at its effective capacity.
func NewTokenBucket(limitPerMinute int, safety float64, now time.Time) *TokenBucket {
	if limitPerMinute < 1 {
		limitPerMinute = 1
	}
	b := &TokenBucket{
		limitPerMinute: limitPerMinute,
		safety:         clampSafety(safety),
		lastRefill:     now,
	}
	b.tokens = b.EffectiveCapacity()
	return b
}

func clampSafety(s float64) float64 {
	return math.Min(SafetyCeil, math.Max(SafetyFloor, s))
}

// EffectiveCapacity is floor(limit * safety), never below 1.
func (b *TokenBucket) EffectiveCapacity() float64 {
	c := math.Floor(float64(b.limitPerMinute) * b.safety)
	if c < 1 {
		c = 1
	}
	return c
}

// refillRate is tokens per second.
func (b *TokenBucket) refillRate() float64 {
	return float64(b.limitPerMinute) * b.safety / 60.0
}

// Refill accrues tokens for the elapsed time, capped at effective capacity.
func (b *TokenBucket) Refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = math.Min(b.EffectiveCapacity(), b.tokens+elapsed*b.refillRate())
	b.lastRefill = now
}

// TryTake consumes one token if available. Non-blocking.
func (b *TokenBucket) TryTake(now time.Time) bool {
	b.Refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// TimeUntilAvailable reports how long until one token accrues.
func (b *TokenBucket) TimeUntilAvailable(now time.Time) time.Duration {
	b.Refill(now)
	if b.tokens >= 1 {
		return 0
	}
	seconds := (1 - b.tokens) / b.refillRate()
	return time.Duration(seconds * float64(time.Second))
}

// AdjustSafety moves the safety factor by delta, clamped to its bounds, and
// re-clamps the token count to the new capacity.
func (b *TokenBucket) AdjustSafety(delta float64) {
	b.safety = clampSafety(b.safety + delta)
	b.tokens = math.Min(b.tokens, b.EffectiveCapacity())
}

// Safety returns the current safety factor.
func (b *TokenBucket) Safety() float64 { return b.safety }

// Peek refreshes the bucket and exposes its state for the selector.
func (b *TokenBucket) Peek(now time.Time) (tokens, capacity, rate float64) {
	b.Refill(now)
	return b.tokens, b.EffectiveCapacity(), b.refillRate()
}
