package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the relay process.
type Config struct {
	// Required
	JoinTokenSecret string
	KVUrl           string
	Port            string

	// Room policy
	RoomMaxParticipants int
	RoomKeyTTLMs        int64
	QRRotationMs        int64

	// Frame / payload limits
	MaxWSFrameBytes int
	MaxCTBytes      int

	// Rate limits (per connection)
	MaxMsgsPer10s  int
	MaxBytesPer10s int

	// Connection ceilings
	MaxConnsPerIP       int
	MaxTotalConnections int

	// Keep-alive
	WSPingIntervalMs int64
	WSPingTimeoutMs  int64

	// Shutdown
	GracefulShutdownDeadlineMs int64

	// KV client tuning
	KVConnectTimeoutMs     int64
	KVMaxRetriesPerRequest int

	// HTTP front-door rate limits (ulule/limiter formatted rates, e.g. "100-M")
	RateLimitRoomsCreate string
	RateLimitRoomsToken  string

	// Ambient
	GoEnv          string
	LogLevel       string
	AllowedOrigins string
}

// ValidateEnv validates all recognized environment variables (spec.md §6) and
// returns a populated Config. All required-field errors are collected into a
// single joined error rather than failing on the first one.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JoinTokenSecret = os.Getenv("join_token_secret")
	if cfg.JoinTokenSecret == "" {
		errs = append(errs, "join_token_secret is required")
	} else if len(cfg.JoinTokenSecret) < 32 {
		errs = append(errs, fmt.Sprintf("join_token_secret must be at least 32 bytes (got %d)", len(cfg.JoinTokenSecret)))
	}

	cfg.KVUrl = os.Getenv("kv_url")
	if cfg.KVUrl == "" {
		errs = append(errs, "kv_url is required")
	}

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RoomMaxParticipants = intOrDefault("room_max_participants", 10, &errs)
	if cfg.RoomMaxParticipants < 1 || cfg.RoomMaxParticipants > 50 {
		errs = append(errs, fmt.Sprintf("room_max_participants must be in range 1..50 (got %d)", cfg.RoomMaxParticipants))
	}

	cfg.RoomKeyTTLMs = int64OrDefault("room_key_ttl_ms", 600_000, &errs)
	if cfg.RoomKeyTTLMs < 60_000 {
		errs = append(errs, fmt.Sprintf("room_key_ttl_ms must be >= 60000 (got %d)", cfg.RoomKeyTTLMs))
	}

	cfg.QRRotationMs = int64OrDefault("qr_rotation_ms", 60_000, &errs)
	if cfg.QRRotationMs < 10_000 {
		errs = append(errs, fmt.Sprintf("qr_rotation_ms must be >= 10000 (got %d)", cfg.QRRotationMs))
	}

	cfg.MaxWSFrameBytes = intOrDefault("max_ws_frame_bytes", 262_144, &errs)
	cfg.MaxCTBytes = intOrDefault("max_ct_bytes", 65_536, &errs)
	cfg.MaxMsgsPer10s = intOrDefault("max_msgs_per_10s", 200, &errs)
	cfg.MaxBytesPer10s = intOrDefault("max_bytes_per_10s", 1_048_576, &errs)
	cfg.MaxConnsPerIP = intOrDefault("max_conns_per_ip", 50, &errs)
	cfg.MaxTotalConnections = intOrDefault("max_total_connections", 10_000, &errs)

	cfg.WSPingIntervalMs = int64OrDefault("ws_ping_interval_ms", 30_000, &errs)
	cfg.WSPingTimeoutMs = int64OrDefault("ws_ping_timeout_ms", 5_000, &errs)
	cfg.GracefulShutdownDeadlineMs = int64OrDefault("graceful_shutdown_deadline_ms", 30_000, &errs)

	cfg.KVConnectTimeoutMs = int64OrDefault("kv_connect_timeout_ms", 5_000, &errs)
	cfg.KVMaxRetriesPerRequest = intOrDefault("kv_max_retries_per_request", 3, &errs)

	cfg.RateLimitRoomsCreate = getEnvOrDefault("rate_limit_rooms_create", "30-M")
	cfg.RateLimitRoomsToken = getEnvOrDefault("rate_limit_rooms_token", "60-M")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// intOrDefault reads an int env var, falling back to def, appending a
// parse error to errs rather than failing immediately.
func intOrDefault(key string, def int, errs *[]string) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return def
	}
	return v
}

func int64OrDefault(key string, def int64, errs *[]string) int64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return def
	}
	return v
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"join_token_secret", redactSecret(cfg.JoinTokenSecret),
		"kv_url", redactSecret(cfg.KVUrl),
		"port", cfg.Port,
		"room_max_participants", cfg.RoomMaxParticipants,
		"room_key_ttl_ms", cfg.RoomKeyTTLMs,
		"qr_rotation_ms", cfg.QRRotationMs,
		"max_ws_frame_bytes", cfg.MaxWSFrameBytes,
		"max_ct_bytes", cfg.MaxCTBytes,
		"max_msgs_per_10s", cfg.MaxMsgsPer10s,
		"max_bytes_per_10s", cfg.MaxBytesPer10s,
		"max_conns_per_ip", cfg.MaxConnsPerIP,
		"max_total_connections", cfg.MaxTotalConnections,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
