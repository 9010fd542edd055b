package ratelimit

import "time"

// TokenBucket is the per-connection rate meter of §4.2: fixed capacity,
// lazy wall-clock refill, no timer. Take(n) advances the bucket based on
// elapsed time since the last refill before deciding whether n tokens are
// available, so repeated rapid calls with no elapsed time are idempotent.
//
// Not safe for concurrent use; callers (the Connection Context) own one
// bucket per socket and only the socket's own task mutates it (§5).
type TokenBucket struct {
	capacity         int64
	refillTokens     int64
	refillIntervalMs int64

	tokens     int64
	lastRefill time.Time
}

// NewTokenBucket builds a bucket starting at full capacity.
func NewTokenBucket(capacity, refillTokens, refillIntervalMs int64) *TokenBucket {
	return &TokenBucket{
		capacity:         capacity,
		refillTokens:     refillTokens,
		refillIntervalMs: refillIntervalMs,
		tokens:           capacity,
		lastRefill:       time.Now(),
	}
}

// Take lazily refills based on elapsed wall-clock time, then deducts n
// tokens if available. Returns false (deducting nothing) if insufficient.
func (b *TokenBucket) Take(n int64) bool {
	b.refill(time.Now())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsedMs := now.Sub(b.lastRefill).Milliseconds()
	if elapsedMs <= 0 {
		return
	}
	periods := elapsedMs / b.refillIntervalMs
	if periods <= 0 {
		return
	}
	b.tokens += periods * b.refillTokens
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(periods*b.refillIntervalMs) * time.Millisecond)
}

// Tokens returns the current token count without mutating refill state,
// for diagnostics and tests.
func (b *TokenBucket) Tokens() int64 {
	return b.tokens
}
