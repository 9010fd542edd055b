package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voidrelay/relay/internal/logging"
)

// KeepAlive is the §4.7 Keep-Alive Driver: a single periodic sweep over every
// open socket. It snapshots the tracked set under lock, then sends with no
// lock held, and tolerates sockets closing mid-sweep.
type KeepAlive struct {
	interval time.Duration
	timeout  time.Duration

	mu    sync.Mutex
	conns map[string]*Conn

	stop chan struct{}
}

// NewKeepAlive builds a driver that pings every open connection every
// interval and terminates any connection that hasn't answered within timeout.
func NewKeepAlive(interval, timeout time.Duration) *KeepAlive {
	return &KeepAlive{
		interval: interval,
		timeout:  timeout,
		conns:    make(map[string]*Conn),
		stop:     make(chan struct{}),
	}
}

// Track registers c for future sweeps.
func (k *KeepAlive) Track(c *Conn) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.conns[c.ID] = c
}

// Untrack removes c, e.g. on disconnect.
func (k *KeepAlive) Untrack(c *Conn) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.conns, c.ID)
}

// Run executes the periodic sweep until ctx is cancelled or Stop is called.
func (k *KeepAlive) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-ticker.C:
			k.sweep(ctx)
		}
	}
}

// Stop halts the sweep loop.
func (k *KeepAlive) Stop() {
	close(k.stop)
}

func (k *KeepAlive) sweep(ctx context.Context) {
	k.mu.Lock()
	targets := make([]*Conn, 0, len(k.conns))
	for _, c := range k.conns {
		targets = append(targets, c)
	}
	k.mu.Unlock()

	env, err := newEnvelope(TagPing, "", struct{}{})
	if err != nil {
		return
	}
	frame, err := marshalEnvelope(env)
	if err != nil {
		return
	}

	// No lock is held across this loop: sockets may close mid-sweep and
	// enqueue/close on a terminated Conn are both safe no-ops.
	for _, c := range targets {
		if c.pongOverdue(k.timeout) {
			logging.Warn(ctx, "keepalive timeout, terminating", zap.String("conn_id", c.ID))
			c.close()
			k.Untrack(c)
			continue
		}
		c.markPingSent()
		c.enqueue(frame)
	}
}
