package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voidrelay/relay/internal/logging"
	"github.com/voidrelay/relay/internal/roomstore"
	"github.com/voidrelay/relay/internal/token"
)

// rotationTokenTTL is the short-lived expiry minted by GET /rooms/{id}/token
// (§6: "mints a rotation token with ~60 s expiry").
const rotationTokenTTL = 60 * time.Second

// RoomsHandler implements the §6 HTTP surface for room lifecycle: creation
// and rotation-token minting. The WebSocket ROOM_CREATE/JOIN_REQUEST frames
// remain the primary path; this is the out-of-band bootstrap a host uses
// before ever opening a socket.
type RoomsHandler struct {
	store   *roomstore.Store
	codec   *token.Codec
	roomTTL time.Duration
}

// NewRoomsHandler builds the HTTP rooms handler.
func NewRoomsHandler(store *roomstore.Store, codec *token.Codec, roomTTL time.Duration) *RoomsHandler {
	return &RoomsHandler{store: store, codec: codec, roomTTL: roomTTL}
}

type createRoomResponse struct {
	RoomID      string `json:"room_id"`
	Fingerprint string `json:"fingerprint"`
}

// CreateRoom handles POST /rooms: allocates an empty room in the Room Store
// and returns its id and display fingerprint. Rate-limited per IP by the
// rooms_create front-door limiter.
func (h *RoomsHandler) CreateRoom(c *gin.Context) {
	ctx := c.Request.Context()
	rid := uuid.NewString()

	if err := h.store.CreateEmpty(ctx, rid, h.roomTTL); err != nil {
		logging.Error(ctx, "failed to create room", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry"})
		return
	}

	c.JSON(http.StatusCreated, createRoomResponse{
		RoomID:      rid,
		Fingerprint: roomstore.Fingerprint(rid),
	})
}

type roomTokenResponse struct {
	RoomID    string `json:"room_id"`
	Token     string `json:"token"`
	ExpUnixMs int64  `json:"exp_unix_ms"`
}

// RoomToken handles GET /rooms/{room_id}/token: mints a short-lived join
// capability token for an existing room, 404 if the room is absent.
// Rate-limited per IP by the rooms_token front-door limiter.
func (h *RoomsHandler) RoomToken(c *gin.Context) {
	ctx := c.Request.Context()
	rid := c.Param("room_id")

	exists, err := h.store.Exists(ctx, rid)
	if err != nil {
		logging.Error(ctx, "failed to check room existence", zap.String("room_id", rid), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	minted, err := h.codec.Mint(rid, rotationTokenTTL)
	if err != nil {
		logging.Error(ctx, "failed to mint room token", zap.String("room_id", rid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, roomTokenResponse{
		RoomID:    rid,
		Token:     minted.Token,
		ExpUnixMs: minted.Exp,
	})
}
