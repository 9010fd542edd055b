package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_StartsFull(t *testing.T) {
	b := NewTokenBucket(200, 200, 10_000)
	assert.True(t, b.Take(200))
	assert.False(t, b.Take(1))
}

// R3: no calls for k*interval, then take(cap) succeeds once, then the next
// take(1) fails.
func TestTokenBucket_R3_RefillThenExhaust(t *testing.T) {
	b := NewTokenBucket(10, 10, 1_000)
	b.tokens = 0
	b.lastRefill = time.Now().Add(-3 * time.Second) // 3 periods elapsed

	assert.True(t, b.Take(10))
	assert.False(t, b.Take(1))
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	b := NewTokenBucket(10, 10, 1_000)
	b.tokens = 5
	b.lastRefill = time.Now().Add(-10 * time.Second)

	assert.True(t, b.Take(10)) // refill caps at capacity, not 5+100
	assert.Equal(t, int64(0), b.Tokens())
}

func TestTokenBucket_NoElapsedTimeIsIdempotent(t *testing.T) {
	b := NewTokenBucket(5, 5, 10_000)
	assert.True(t, b.Take(3))
	before := b.Tokens()
	// Rapid repeated calls with no elapsed time must not refill.
	b.refill(b.lastRefill)
	assert.Equal(t, before, b.Tokens())
}

func TestTokenBucket_PartialPeriodDoesNotRefill(t *testing.T) {
	b := NewTokenBucket(10, 10, 1_000)
	b.tokens = 0
	b.lastRefill = time.Now().Add(-500 * time.Millisecond) // < 1 period

	assert.False(t, b.Take(1))
}
