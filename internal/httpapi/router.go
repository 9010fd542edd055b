// Package httpapi wires the §6 HTTP surface: room lifecycle bootstrap,
// the WebSocket upgrade entrypoint, health probes, and metrics.
package httpapi

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/voidrelay/relay/internal/config"
	"github.com/voidrelay/relay/internal/health"
	"github.com/voidrelay/relay/internal/middleware"
	"github.com/voidrelay/relay/internal/ratelimit"
	"github.com/voidrelay/relay/internal/relay"
	"github.com/voidrelay/relay/internal/roomstore"
	"github.com/voidrelay/relay/internal/token"
)

// Deps bundles every already-constructed dependency NewRouter wires into
// Gin routes.
type Deps struct {
	Config      *config.Config
	Store       *roomstore.Store
	Codec       *token.Codec
	RateLimiter *ratelimit.RateLimiter
	Hub         *relay.Hub
	RoomTTL     int64 // milliseconds, mirrors cfg.RoomKeyTTLMs
}

// NewRouter builds the process's Gin engine.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	if d.Config.AllowedOrigins != "" {
		corsCfg.AllowOrigins = splitOrigins(d.Config.AllowedOrigins)
	} else {
		corsCfg.AllowAllOrigins = true
	}
	r.Use(cors.New(corsCfg))

	rooms := NewRoomsHandler(d.Store, d.Codec, time.Duration(d.RoomTTL)*time.Millisecond)
	healthHandler := health.NewHandler(d.Store)

	r.POST("/rooms", d.RateLimiter.MiddlewareForEndpoint("rooms_create"), rooms.CreateRoom)
	r.GET("/rooms/:room_id/token", d.RateLimiter.MiddlewareForEndpoint("rooms_token"), rooms.RoomToken)

	r.GET("/health", healthHandler.Readiness)
	r.GET("/ready", healthHandler.Readiness)
	r.GET("/live", healthHandler.Liveness)

	r.GET("/metrics", MetricsHandler())

	r.GET("/ws", d.Hub.ServeWS)

	return r
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
