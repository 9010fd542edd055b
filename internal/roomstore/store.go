// Package roomstore is the External KV Adapter (§4.5): authoritative room
// membership and jti replay markers, backed by Redis and wrapped in a
// circuit breaker so a KV outage fails closed without crashing the relay.
package roomstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/voidrelay/relay/internal/metrics"
)

// JoinStatus is the outcome of a try_join call.
type JoinStatus int

const (
	NoRoom JoinStatus = iota
	Full
	AlreadyMember
	Joined
)

// JoinResult carries the outcome and, on success, the room's new size.
type JoinResult struct {
	Status JoinStatus
	Count  int64
}

// Label returns the server-assigned participant label for this result.
func (r JoinResult) Label() string {
	return fmt.Sprintf("P%d", r.Count)
}

// ErrBreakerOpen is returned when the circuit breaker is open; callers MUST
// treat this as a retryable, fail-closed KV outage (§4.9).
var ErrBreakerOpen = errors.New("roomstore: circuit breaker open")

// Store is the Redis-backed External KV Adapter.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// New dials addr and wraps the connection in a circuit breaker. connectTimeout
// bounds the initial ping.
func New(addr string, connectTimeout time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("roomstore: parse kv_url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("roomstore: connect: %w", err)
	}

	return newStore(client), nil
}

// NewWithClient wraps an already-constructed client — used by tests against
// miniredis, which does not speak the scheme ParseURL expects.
func NewWithClient(client *redis.Client) *Store {
	return newStore(client)
}

func newStore(client *redis.Client) *Store {
	st := gobreaker.Settings{
		Name:        "roomstore",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("roomstore").Set(v)
		},
	}

	return &Store{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) execute(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.KVOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.KVOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			return nil, ErrBreakerOpen
		}
		metrics.KVOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}

	metrics.KVOperationsTotal.WithLabelValues(op, "ok").Inc()
	return res, nil
}

// CreateEmpty sets up an empty room (meta + count=0), refreshing TTLs if the
// room already exists. A subsequent CreateWith MUST NOT be called afterward
// (§4.5).
func (s *Store) CreateEmpty(ctx context.Context, rid string, ttl time.Duration) error {
	_, err := s.execute(ctx, "create_empty", func() (interface{}, error) {
		return s.client.Eval(ctx, scriptCreateEmpty,
			[]string{metaKey(rid), membersKey(rid), countKey(rid)},
			ttl.Milliseconds(),
		).Result()
	})
	return err
}

// CreateWith creates a room with a single initial member.
func (s *Store) CreateWith(ctx context.Context, rid, conn string, ttl time.Duration) error {
	_, err := s.execute(ctx, "create_with", func() (interface{}, error) {
		return s.client.Eval(ctx, scriptCreateWith,
			[]string{metaKey(rid), membersKey(rid), countKey(rid), jtisKey(rid)},
			conn, ttl.Milliseconds(),
		).Result()
	})
	return err
}

// TryJoin attempts to add conn to rid's membership, subject to max.
func (s *Store) TryJoin(ctx context.Context, rid, conn string, max int, ttl time.Duration) (JoinResult, error) {
	res, err := s.execute(ctx, "try_join", func() (interface{}, error) {
		return s.client.Eval(ctx, scriptTryJoin,
			[]string{metaKey(rid), membersKey(rid), countKey(rid)},
			conn, max, ttl.Milliseconds(),
		).Result()
	})
	if err != nil {
		return JoinResult{}, err
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return JoinResult{}, fmt.Errorf("roomstore: unexpected try_join reply: %v", res)
	}
	status := toInt64(pair[0])
	count := toInt64(pair[1])

	switch status {
	case 0:
		return JoinResult{Status: NoRoom}, nil
	case 1:
		return JoinResult{Status: Full, Count: count}, nil
	case 2:
		return JoinResult{Status: AlreadyMember, Count: count}, nil
	default:
		return JoinResult{Status: Joined, Count: count}, nil
	}
}

// Leave removes conn from rid's membership, returning the remaining count.
// remaining == -1 means conn was not a member.
func (s *Store) Leave(ctx context.Context, rid, conn string, ttl time.Duration) (int64, error) {
	res, err := s.execute(ctx, "leave", func() (interface{}, error) {
		return s.client.Eval(ctx, scriptLeave,
			[]string{metaKey(rid), membersKey(rid), countKey(rid), jtisKey(rid)},
			conn, ttl.Milliseconds(), keyPrefix+rid+":jti:*",
		).Result()
	})
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

// Touch refreshes all of rid's key TTLs, e.g. on member activity.
func (s *Store) Touch(ctx context.Context, rid string, ttl time.Duration) error {
	_, err := s.execute(ctx, "touch", func() (interface{}, error) {
		return s.client.Eval(ctx, scriptTouch,
			[]string{metaKey(rid), membersKey(rid), countKey(rid), jtisKey(rid)},
			ttl.Milliseconds(),
		).Result()
	})
	return err
}

// MarkJTI records jti as consumed within rid, returning true iff it was
// fresh (not previously seen).
func (s *Store) MarkJTI(ctx context.Context, rid, jti string, ttl time.Duration) (bool, error) {
	res, err := s.execute(ctx, "mark_jti", func() (interface{}, error) {
		return s.client.Eval(ctx, scriptMarkJTI,
			[]string{jtiKey(rid, jti), jtisKey(rid)},
			ttl.Milliseconds(),
		).Result()
	})
	if err != nil {
		return false, err
	}
	return toInt64(res) == 1, nil
}

// Ping verifies KV connectivity for readiness probes, routed through the same
// circuit breaker as every other operation so a health check cannot itself
// hammer a struggling Redis.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.execute(ctx, "ping", func() (interface{}, error) {
		return s.client.Ping(ctx).Result()
	})
	return err
}

// Exists reports whether rid currently has room metadata.
func (s *Store) Exists(ctx context.Context, rid string) (bool, error) {
	res, err := s.execute(ctx, "exists", func() (interface{}, error) {
		return s.client.Exists(ctx, metaKey(rid)).Result()
	})
	if err != nil {
		return false, err
	}
	return toInt64(res) == 1, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
