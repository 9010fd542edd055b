// Package relay is the core of the blind relay: Connection Context, Room
// Router, Keep-Alive Driver, Protocol Engine, and Admission Front-Door,
// wired together behind a single WebSocket entrypoint.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voidrelay/relay/internal/config"
	"github.com/voidrelay/relay/internal/logging"
	"github.com/voidrelay/relay/internal/metrics"
	"github.com/voidrelay/relay/internal/roomstore"
	"github.com/voidrelay/relay/internal/token"
)

// Outbound close reasons for the §6 close-code taxonomy; codes themselves
// are the standard websocket.Close* constants.
const (
	reasonRateLimitExceeded = "rate limit exceeded"
	reasonFrameTooLarge     = "frame too large"
	reasonSchemaInvalid     = "schema invalid"
	reasonInternalError     = "internal error"
)

// Hub is the process-wide entrypoint: it upgrades sockets, runs admission,
// and spins up the per-connection read/write goroutine pair.
type Hub struct {
	admission *Admission
	router    *Router
	engine    *Engine
	keepalive *KeepAlive
	cfg       *config.Config

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewHub wires the core subsystem from already-constructed dependencies.
func NewHub(cfg *config.Config, store *roomstore.Store, codec *token.Codec) *Hub {
	roomTTL := time.Duration(cfg.RoomKeyTTLMs) * time.Millisecond
	qrRotation := time.Duration(cfg.QRRotationMs) * time.Millisecond
	pingInterval := time.Duration(cfg.WSPingIntervalMs) * time.Millisecond
	pingTimeout := time.Duration(cfg.WSPingTimeoutMs) * time.Millisecond

	router := NewRouter(store, codec, qrRotation, roomTTL, cfg.MaxWSFrameBytes)
	return &Hub{
		admission: NewAdmission(cfg),
		router:    router,
		engine:    NewEngine(store, router, codec, roomTTL, cfg.RoomMaxParticipants, cfg.MaxCTBytes),
		keepalive: NewKeepAlive(pingInterval, pingTimeout),
		cfg:       cfg,
		conns:     make(map[string]*Conn),
	}
}

// Run starts the Keep-Alive Driver's sweep loop; it runs until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.keepalive.Run(ctx)
}

// Shutdown stops the sweep loop and closes every tracked connection,
// awaiting in-flight cleanup up to deadline (§4.9 graceful shutdown).
func (h *Hub) Shutdown(deadline time.Duration) {
	h.keepalive.Stop()

	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.socket.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
	}

	done := make(chan struct{})
	go func() {
		for {
			h.mu.Lock()
			n := len(h.conns)
			h.mu.Unlock()
			if n == 0 {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(deadline):
	}
}

var upgrader = websocket.Upgrader{
	WriteBufferPool: &sync.Pool{
		New: func() any { return make([]byte, 4096) },
	},
}

func allowedOriginChecker(allowedOrigins string) func(r *http.Request) bool {
	var allowed []string
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			allowedURL, err := url.Parse(a)
			if err != nil {
				continue
			}
			if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
				return true
			}
		}
		return false
	}
}

// ServeWS is the Gin handler for the WebSocket entrypoint: admit, then hand
// off to the per-connection goroutine pair.
func (h *Hub) ServeWS(c *gin.Context) {
	upgrader.CheckOrigin = allowedOriginChecker(h.cfg.AllowedOrigins)

	ip := c.ClientIP()
	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn, err := h.admission.Admit(socket, ip)
	if err != nil {
		admErr, _ := err.(*AdmissionError)
		metrics.WebsocketEventsTotal.WithLabelValues("admission", string(admErr.Reason)).Inc()
		socket.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(admErr.Reason)))
		socket.Close()
		return
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
	h.keepalive.Track(conn)
	metrics.IncConnection()
	metrics.WebsocketEventsTotal.WithLabelValues("admission", "accepted").Inc()

	socket.SetPongHandler(func(string) error {
		conn.markPong()
		return nil
	})

	conn.enqueue(mustFrame(TagHello, "", helloBody{ServerTimeMs: time.Now().UnixMilli()}))

	go h.writePump(conn)
	h.readPump(conn)
}

func (h *Hub) readPump(c *Conn) {
	ctx := context.WithValue(context.Background(), logging.ConnIDKey, c.ID)

	defer h.cleanup(ctx, c)

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			return
		}

		if len(data) > h.cfg.MaxWSFrameBytes {
			logging.Warn(ctx, "frame exceeds max size, closing", zap.String("conn_id", c.ID))
			c.closeWithStatus(websocket.ClosePolicyViolation, reasonFrameTooLarge)
			return
		}
		if !c.msgBucket.Take(1) || !c.byteBucket.Take(int64(len(data))) {
			logging.Warn(ctx, "rate limit exceeded, closing", zap.String("conn_id", c.ID))
			c.closeWithStatus(websocket.ClosePolicyViolation, reasonRateLimitExceeded)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.V != 1 || env.T == "" {
			logging.Warn(ctx, "malformed frame, closing", zap.String("conn_id", c.ID))
			c.closeWithStatus(websocket.CloseUnsupportedData, reasonSchemaInvalid)
			return
		}

		if err := h.engine.Handle(ctx, c, &env); err != nil {
			logging.Warn(ctx, "engine rejected frame, closing", zap.String("conn_id", c.ID), zap.Error(err))
			if errors.Is(err, errUnsupportedData) {
				c.closeWithStatus(websocket.CloseUnsupportedData, reasonSchemaInvalid)
			} else {
				c.closeWithStatus(websocket.CloseInternalServerErr, reasonInternalError)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *Conn) {
	const writeWait = 10 * time.Second
	defer c.socket.Close()

	for frame := range c.send {
		c.noteSent(len(frame))
		c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	code, reason := c.closeStatus()
	c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (h *Hub) cleanup(ctx context.Context, c *Conn) {
	if rid, inRoom := c.roomIDSnapshot(); inRoom {
		h.engine.leaveRoom(ctx, c, rid)
	}

	h.keepalive.Untrack(c)
	c.close()

	h.mu.Lock()
	delete(h.conns, c.ID)
	h.mu.Unlock()

	h.admission.Release(c.RemoteIP)
	metrics.DecConnection()
}

func mustFrame(t Tag, id string, body interface{}) []byte {
	env := mustEnvelope(t, id, body)
	frame, err := marshalEnvelope(env)
	if err != nil {
		return nil
	}
	return frame
}
