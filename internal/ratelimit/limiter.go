// Package ratelimit implements the relay's rate-limiting layer: an
// HTTP front-door limiter backed by ulule/limiter, and the hand-rolled
// per-connection token bucket and IP/global connection meters the
// protocol engine and admission front-door consult directly.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/voidrelay/relay/internal/config"
	"github.com/voidrelay/relay/internal/logging"
	"github.com/voidrelay/relay/internal/metrics"
)

// RateLimiter holds the HTTP front-door limiter instances, one per
// rate-limited utility endpoint (§6). Every limiter here is keyed by
// client IP: the relay has no authenticated user identity to key on.
type RateLimiter struct {
	roomsCreate *limiter.Limiter
	roomsToken  *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter backed by Redis when redisClient is
// non-nil, falling back to an in-memory store otherwise (single-instance
// deployments, local dev).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	roomsCreateRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRoomsCreate)
	if err != nil {
		return nil, fmt.Errorf("invalid rooms-create rate: %w", err)
	}
	roomsTokenRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRoomsToken)
	if err != nil {
		return nil, fmt.Errorf("invalid rooms-token rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "relay:ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &RateLimiter{
		roomsCreate: limiter.New(store, roomsCreateRate),
		roomsToken:  limiter.New(store, roomsTokenRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// MiddlewareForEndpoint returns a Gin middleware enforcing the named
// endpoint's per-IP rate, failing open on store errors.
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	var inst *limiter.Limiter
	switch endpointType {
	case "rooms_create":
		inst = rl.roomsCreate
	case "rooms_token":
		inst = rl.roomsToken
	default:
		inst = rl.roomsCreate
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		lctx, err := inst.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceededTotal.WithLabelValues("http", endpointType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}
