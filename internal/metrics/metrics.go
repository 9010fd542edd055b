package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: relay (application-level grouping)
// - subsystem: websocket, room, kv, rate_limit, circuit_breaker
// - name: specific metric
//
// All metrics are aggregate-only: no payload content, client identifier, or
// IP address is ever used as a label value.

var (
	// ConnectionsActive tracks the current number of admitted WebSocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of admitted WebSocket connections",
	})

	// RoomsActive tracks the current number of non-empty rooms known to this process.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// MessagesRelayedTotal counts frames fanned out by tag (app_msg, media_msg, system_msg, ...).
	MessagesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "messages_relayed_total",
		Help:      "Total frames fanned out to room members, by tag",
	}, []string{"tag"})

	// BytesRelayedTotal counts outbound bytes fanned out, by tag.
	BytesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "bytes_relayed_total",
		Help:      "Total outbound bytes fanned out to room members, by tag",
	}, []string{"tag"})

	// SlowConsumerEvictionsTotal counts sockets closed for exceeding the
	// outbound-buffer threshold during broadcast.
	SlowConsumerEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "slow_consumer_evictions_total",
		Help:      "Total sockets closed for slow-consumer backpressure",
	})

	// WebsocketEventsTotal counts WebSocket events by type and status: admission
	// outcomes (accepted or the reject reason) and envelope marshal errors.
	WebsocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// FrameProcessingDuration times the synchronous portion of handling one inbound frame.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing one inbound frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"tag"})

	// CircuitBreakerState tracks the KV circuit breaker state: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the KV circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailuresTotal counts requests rejected by an open circuit breaker.
	CircuitBreakerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceededTotal counts rejections by the HTTP front-door limiter.
	// Per-connection token-bucket and connection-meter rejections are not counted here.
	RateLimitExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total rejections triggered by rate limiting",
	}, []string{"scope", "reason"})

	// KVOperationsTotal counts Room Store operations by name and outcome.
	KVOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "kv",
		Name:      "operations_total",
		Help:      "Total Room Store operations",
	}, []string{"operation", "status"})

	// KVOperationDuration times Room Store operations.
	KVOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "kv",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Room Store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// IncConnection marks one more admitted connection.
func IncConnection() {
	ConnectionsActive.Inc()
}

// DecConnection marks one fewer admitted connection. Callers MUST ensure
// this runs exactly once per admitted connection (I6).
func DecConnection() {
	ConnectionsActive.Dec()
}
