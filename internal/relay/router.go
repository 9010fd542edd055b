package relay

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voidrelay/relay/internal/logging"
	"github.com/voidrelay/relay/internal/metrics"
	"github.com/voidrelay/relay/internal/roomstore"
	"github.com/voidrelay/relay/internal/token"
)

// roomEntry is the Room Router's in-process view of a room this process
// currently has local connections in (§4.6): `rid -> {conns, qr_token,
// qr_exp, rotate_timer}`.
type roomEntry struct {
	mu          sync.RWMutex
	rid         string
	conns       map[string]*Conn
	qrToken     string
	qrExp       int64
	rotateTimer *time.Timer
}

// Router owns the in-process membership set and token-rotation timer for
// every room this process has at least one local connection in. Authoritative
// membership and jti markers live in the Room Store.
type Router struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry

	store        *roomstore.Store
	codec        *token.Codec
	qrRotation   time.Duration
	roomTTL      time.Duration
	maxFrameBytes int
}

// NewRouter builds a Router bound to the given Room Store and token codec.
func NewRouter(store *roomstore.Store, codec *token.Codec, qrRotation, roomTTL time.Duration, maxFrameBytes int) *Router {
	return &Router{
		rooms:         make(map[string]*roomEntry),
		store:         store,
		codec:         codec,
		qrRotation:    qrRotation,
		roomTTL:       roomTTL,
		maxFrameBytes: maxFrameBytes,
	}
}

// getOrCreateEntry returns the local room entry, creating it (and its initial
// rotating token + rotation timer) if this is the first local connection.
func (r *Router) getOrCreateEntry(rid string) *roomEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.rooms[rid]; ok {
		return e
	}

	e := &roomEntry{
		rid:   rid,
		conns: make(map[string]*Conn),
	}
	r.mintRotatingTokenLocked(e)
	e.rotateTimer = time.AfterFunc(r.qrRotation, func() { r.rotate(rid) })
	r.rooms[rid] = e
	metrics.RoomsActive.Inc()
	return e
}

func (r *Router) mintRotatingTokenLocked(e *roomEntry) {
	minted, err := r.codec.Mint(e.rid, r.qrRotation+5*time.Second)
	if err != nil {
		logging.Error(context.Background(), "failed to mint rotating token", zap.String("room_id", e.rid), zap.Error(err))
		return
	}
	e.mu.Lock()
	e.qrToken = minted.Token
	e.qrExp = minted.Exp
	e.mu.Unlock()
}

// rotate mints a fresh token, updates the entry, broadcasts QR_ROTATED, and
// touches the room's Store TTL (§4.6).
func (r *Router) rotate(rid string) {
	r.mu.Lock()
	e, ok := r.rooms[rid]
	r.mu.Unlock()
	if !ok {
		return
	}

	r.mintRotatingTokenLocked(e)
	e.mu.RLock()
	qrToken, qrExp := e.qrToken, e.qrExp
	e.mu.RUnlock()

	body := qrRotatedBody{RID: rid, QRToken: qrToken, QRExp: qrExp}
	env, err := newEnvelope(TagQRRotated, "", body)
	if err == nil {
		r.broadcast(context.Background(), e, env, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Touch(ctx, rid, r.roomTTL); err != nil {
		logging.Error(ctx, "touch on qr rotation failed", zap.String("room_id", rid), zap.Error(err))
	}

	e.mu.Lock()
	e.rotateTimer = time.AfterFunc(r.qrRotation, func() { r.rotate(rid) })
	e.mu.Unlock()
}

// Join registers c as a local member of rid.
func (r *Router) Join(rid string, c *Conn) {
	e := r.getOrCreateEntry(rid)
	e.mu.Lock()
	e.conns[c.ID] = c
	e.mu.Unlock()
}

// Leave removes c from rid's local membership, evicting the entry (and
// stopping its rotation timer) once local membership reaches zero (§4.6).
func (r *Router) Leave(rid string, c *Conn) {
	r.mu.Lock()
	e, ok := r.rooms[rid]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.conns, c.ID)
	empty := len(e.conns) == 0
	e.mu.Unlock()

	if empty {
		r.mu.Lock()
		if cur, ok := r.rooms[rid]; ok && cur == e {
			delete(r.rooms, rid)
			metrics.RoomsActive.Dec()
		}
		r.mu.Unlock()

		e.mu.Lock()
		if e.rotateTimer != nil {
			e.rotateTimer.Stop()
		}
		e.mu.Unlock()
	}
}

// CurrentToken returns the room's current rotating capability token.
func (r *Router) CurrentToken(rid string) (tok string, exp int64, ok bool) {
	r.mu.Lock()
	e, exists := r.rooms[rid]
	r.mu.Unlock()
	if !exists {
		return "", 0, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.qrToken, e.qrExp, true
}

// Broadcast fans an envelope out to every local member of rid except
// excludeConnID (empty to include everyone), per the §4.8 fan-out algorithm:
// serialize once, snapshot membership, send in batches of 50, yielding
// between batches, evicting slow consumers.
func (r *Router) Broadcast(ctx context.Context, rid string, env *Envelope, excludeConnID string) {
	r.mu.Lock()
	e, ok := r.rooms[rid]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.broadcast(ctx, e, env, excludeConnID)
}

func (r *Router) broadcast(ctx context.Context, e *roomEntry, env *Envelope, excludeConnID string) {
	frame, err := marshalEnvelope(env)
	if err != nil {
		logging.Error(ctx, "failed to serialize broadcast frame", zap.Error(err))
		return
	}

	e.mu.RLock()
	targets := make([]*Conn, 0, len(e.conns))
	for id, c := range e.conns {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	e.mu.RUnlock()

	const batchSize = 50
	for start := 0; start < len(targets); start += batchSize {
		end := start + batchSize
		if end > len(targets) {
			end = len(targets)
		}
		for _, c := range targets[start:end] {
			r.deliverOne(ctx, c, frame, env.T)
		}
		if end < len(targets) {
			// Yield between batches so other rooms' goroutines get a turn
			// on the scheduler (§4.8 fan-out algorithm).
			runtime.Gosched()
		}
	}
}

func (r *Router) deliverOne(ctx context.Context, c *Conn, frame []byte, tag Tag) {
	if c.bufferedBytes() > int64(4*r.maxFrameBytes) {
		logging.Warn(ctx, "evicting slow consumer", zap.String("conn_id", c.ID))
		metrics.SlowConsumerEvictionsTotal.Inc()
		c.closeWithStatus(websocket.ClosePolicyViolation, "slow consumer")
		return
	}
	if !c.enqueue(frame) {
		// Buffer briefly full but not yet over the slow-consumer threshold;
		// drop this frame rather than block the fan-out loop.
		return
	}
	metrics.MessagesRelayedTotal.WithLabelValues(string(tag)).Inc()
	metrics.BytesRelayedTotal.WithLabelValues(string(tag)).Add(float64(len(frame)))
}
