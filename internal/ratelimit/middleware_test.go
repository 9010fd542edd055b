package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voidrelay/relay/internal/config"
)

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := &config.Config{
		RateLimitRoomsCreate: "not-a-rate",
		RateLimitRoomsToken:  "5-M",
	}

	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestMiddlewareForEndpoint_UnknownFallsBackToRoomsCreate(t *testing.T) {
	cfg := &config.Config{
		RateLimitRoomsCreate: "100-M",
		RateLimitRoomsToken:  "100-M",
	}
	rl, err := NewRateLimiter(cfg, nil)
	assert.NoError(t, err)

	mw := rl.MiddlewareForEndpoint("unknown")
	assert.NotNil(t, mw)
}
