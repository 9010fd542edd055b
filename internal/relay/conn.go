package relay

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voidrelay/relay/internal/ratelimit"
)

// connState is a connection's position in the Unjoined -> InRoom -> Terminated
// state machine (§4.8).
type connState int

const (
	stateUnjoined connState = iota
	stateInRoom
	stateTerminated
)

// Conn is the Connection Context (§3): per-socket state never derived from,
// or exposed as, client identity.
type Conn struct {
	ID         string
	RemoteIP   string
	socket     *websocket.Conn
	send       chan []byte

	mu          sync.Mutex
	state       connState
	roomID      string
	label       string
	awaitingPong bool
	lastPong     time.Time

	msgBucket   *ratelimit.TokenBucket
	byteBucket  *ratelimit.TokenBucket

	outstandingBytes int64

	sendMu      sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newConnID() string {
	buf := make([]byte, 12) // 96 bits
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable; a zeroed id is still unique
		// enough to not collide catastrophically and never blocks admission.
		return hex.EncodeToString(buf)
	}
	return hex.EncodeToString(buf)
}

func newConn(socket *websocket.Conn, remoteIP string, msgBucket, byteBucket *ratelimit.TokenBucket) *Conn {
	return &Conn{
		ID:         newConnID(),
		RemoteIP:   remoteIP,
		socket:     socket,
		send:       make(chan []byte, 256),
		state:      stateUnjoined,
		lastPong:   time.Now(),
		msgBucket:  msgBucket,
		byteBucket: byteBucket,
	}
}

func (c *Conn) roomIDSnapshot() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.state == stateInRoom
}

func (c *Conn) setInRoom(rid, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateInRoom
	c.roomID = rid
	c.label = label
}

func (c *Conn) clearRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateUnjoined
	c.roomID = ""
	c.label = ""
}

func (c *Conn) labelSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

func (c *Conn) markPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitingPong = false
	c.lastPong = time.Now()
}

func (c *Conn) markPingSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitingPong = true
}

func (c *Conn) pongOverdue(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingPong && time.Since(c.lastPong) > timeout
}

// enqueue attempts a non-blocking send, tracking outstanding bytes so the
// Router can apply the 4x-max-frame-bytes slow-consumer eviction (§4.8).
// The caller (Router broadcast) checks bufferedBytes() before calling this.
func (c *Conn) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		atomic.AddInt64(&c.outstandingBytes, int64(len(frame)))
		return true
	default:
		return false
	}
}

func (c *Conn) bufferedBytes() int64 {
	return atomic.LoadInt64(&c.outstandingBytes)
}

func (c *Conn) noteSent(n int) {
	atomic.AddInt64(&c.outstandingBytes, -int64(n))
}

// close tears down the send channel with a normal-closure (1000) code and no
// reason (used when
// the socket is already gone, e.g. a client-initiated disconnect).
func (c *Conn) close() {
	c.closeWithStatus(websocket.CloseNormalClosure, "")
}

// closeWithStatus tears down the send channel and records the close code/
// reason writePump must send on the wire (§6 outbound close codes).
func (c *Conn) closeWithStatus(code int, reason string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

// closeStatus returns the recorded close code/reason for writePump to send.
func (c *Conn) closeStatus() (int, string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	code := c.closeCode
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	return code, c.closeReason
}
