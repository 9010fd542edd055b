// Command relay runs the blind WebSocket relay: it serves room bootstrap
// over HTTP, upgrades /ws connections, and fans out ciphertext between
// members of ephemeral capability-gated rooms.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voidrelay/relay/internal/config"
	"github.com/voidrelay/relay/internal/httpapi"
	"github.com/voidrelay/relay/internal/logging"
	"github.com/voidrelay/relay/internal/ratelimit"
	"github.com/voidrelay/relay/internal/relay"
	"github.com/voidrelay/relay/internal/roomstore"
	"github.com/voidrelay/relay/internal/token"
	"github.com/voidrelay/relay/internal/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Missing .env is normal outside local development.
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx := context.Background()
	tp, err := tracing.InitTracer(ctx, "relay", os.Getenv("OTEL_COLLECTOR_ADDR"))
	if err != nil {
		logger.Fatal("failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	store, err := roomstore.New(cfg.KVUrl, time.Duration(cfg.KVConnectTimeoutMs)*time.Millisecond)
	if err != nil {
		logger.Fatal("failed to connect to room store", zap.Error(err))
	}
	defer store.Close()

	codec, err := token.NewCodec(cfg.JoinTokenSecret)
	if err != nil {
		logger.Fatal("failed to build join token codec", zap.Error(err))
	}

	rlOpts, err := redis.ParseURL(cfg.KVUrl)
	if err != nil {
		logger.Fatal("failed to parse kv_url for rate limiter", zap.Error(err))
	}
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redis.NewClient(rlOpts))
	if err != nil {
		logger.Fatal("failed to build rate limiter", zap.Error(err))
	}

	hub := relay.NewHub(cfg, store, codec)

	router := httpapi.NewRouter(httpapi.Deps{
		Config:      cfg,
		Store:       store,
		Codec:       codec,
		RateLimiter: rateLimiter,
		Hub:         hub,
		RoomTTL:     cfg.RoomKeyTTLMs,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	keepAliveCtx, stopKeepAlive := context.WithCancel(context.Background())
	go hub.Run(keepAliveCtx)

	go func() {
		logger.Info("relay starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	deadline := time.Duration(cfg.GracefulShutdownDeadlineMs) * time.Millisecond
	shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	stopKeepAlive()
	hub.Shutdown(deadline)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server forced to shutdown", zap.Error(err))
	}

	logger.Info("relay exited")
}
