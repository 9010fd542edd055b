package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidrelay/relay/internal/config"
)

func newTestHubConfig() *config.Config {
	return &config.Config{
		RoomMaxParticipants: 10,
		RoomKeyTTLMs:        600_000,
		QRRotationMs:        60_000,
		MaxWSFrameBytes:     262_144,
		MaxCTBytes:          65_536,
		MaxMsgsPer10s:       200,
		MaxBytesPer10s:      1_048_576,
		MaxConnsPerIP:       50,
		MaxTotalConnections: 10_000,
		WSPingIntervalMs:    30_000,
		WSPingTimeoutMs:     5_000,
	}
}

func newTestHubServer(t *testing.T) (*Hub, *httptest.Server) {
	gin.SetMode(gin.TestMode)

	store := newTestStoreForRelay(t)
	codec := newTestCodec(t)
	cfg := newTestHubConfig()
	hub := NewHub(cfg, store, codec)

	r := gin.New()
	r.GET("/ws", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// §4.6/§4.8: a fresh connection is greeted with HELLO, then a ROOM_CREATE
// frame round-trips through the real WebSocket upgrade path.
func TestHub_ServeWS_HelloThenRoomCreate(t *testing.T) {
	_, srv := newTestHubServer(t)
	conn := dialWS(t, srv)

	hello := readEnvelope(t, conn)
	assert.Equal(t, TagHello, hello.T)

	env, err := newEnvelope(TagRoomCreate, "req1", roomCreateBody{})
	require.NoError(t, err)
	frame, err := marshalEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	created := readEnvelope(t, conn)
	assert.Equal(t, TagRoomCreated, created.T)
}

func readCloseError(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected a close error, got %v", err)
			return closeErr
		}
	}
}

// §6: a schema-invalid frame closes the socket with 1003, no ERROR frame.
func TestHub_ServeWS_SchemaViolationClosesUnsupportedData(t *testing.T) {
	_, srv := newTestHubServer(t)
	conn := dialWS(t, srv)
	readEnvelope(t, conn) // HELLO

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	closeErr := readCloseError(t, conn)
	assert.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)
}

// §6/B3: a frame over max_ws_frame_bytes closes with 1008 "frame too large".
func TestHub_ServeWS_OversizedFrameClosesPolicyViolation(t *testing.T) {
	_, srv := newTestHubServer(t)
	conn := dialWS(t, srv)
	readEnvelope(t, conn) // HELLO

	big := make([]byte, 262_144+1)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, big))

	closeErr := readCloseError(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, reasonFrameTooLarge, closeErr.Text)
}

// Closing the socket drives readPump's cleanup path, releasing the
// connection's admission slot and room membership.
func TestHub_Cleanup_OnSocketClose(t *testing.T) {
	hub, srv := newTestHubServer(t)
	conn := dialWS(t, srv)
	readEnvelope(t, conn) // HELLO

	conn.Close()

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.conns) == 0
	}, time.Second, 10*time.Millisecond)
}
