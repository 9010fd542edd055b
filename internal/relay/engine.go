package relay

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/voidrelay/relay/internal/logging"
	"github.com/voidrelay/relay/internal/metrics"
	"github.com/voidrelay/relay/internal/roomstore"
	"github.com/voidrelay/relay/internal/token"
)

const (
	joinReplayGrace = 5 * time.Second
	maxMediaBytes   = 14 * 1024 * 1024
	minMediaChunks  = 1
	maxMediaChunks  = 128
)

// errUnsupportedData signals a schema violation; callers close the socket
// with unsupported-data (§4.8: "any violation -> close with unsupported-data").
var errUnsupportedData = errors.New(string(ErrUnsupportedData))

// Engine is the §4.8 Protocol Engine: schema validation, the
// Unjoined -> InRoom -> Terminated state machine, and every tag handler.
type Engine struct {
	store    *roomstore.Store
	router   *Router
	codec    *token.Codec
	roomTTL  time.Duration
	maxParticipants int
	maxCTBytes      int
	kvOpTimeout     time.Duration
}

// NewEngine builds the Protocol Engine.
func NewEngine(store *roomstore.Store, router *Router, codec *token.Codec, roomTTL time.Duration, maxParticipants, maxCTBytes int) *Engine {
	return &Engine{
		store:           store,
		router:          router,
		codec:           codec,
		roomTTL:         roomTTL,
		maxParticipants: maxParticipants,
		maxCTBytes:      maxCTBytes,
		kvOpTimeout:     5 * time.Second,
	}
}

// Handle dispatches a single inbound envelope for c, returning a terminal
// error only when the connection must be closed (policy-violation,
// unsupported-data, internal error); ordinary protocol errors are reported
// back to the client as ERROR frames and do not close the socket.
func (e *Engine) Handle(ctx context.Context, c *Conn, env *Envelope) error {
	switch env.T {
	case TagPing:
		return e.reply(c, env.ID, TagPong, struct{}{})

	case TagRoomCreate:
		return e.handleRoomCreate(ctx, c, env)

	case TagJoinRequest:
		return e.handleJoinRequest(ctx, c, env)

	case TagLeave:
		return e.handleLeave(ctx, c, env)

	case TagAppMsg:
		return e.handleAppMsg(ctx, c, env)

	case TagMediaMsg:
		return e.handleMediaMsg(ctx, c, env)

	default:
		return errUnsupportedData
	}
}

func (e *Engine) handleRoomCreate(ctx context.Context, c *Conn, env *Envelope) error {
	if _, inRoom := c.roomIDSnapshot(); inRoom {
		return e.replyError(c, env.ID, ErrAlreadyInRoom, "already in a room")
	}

	rid, err := newRoomID()
	if err != nil {
		logging.Error(ctx, "failed to generate room id", zap.Error(err))
		return e.replyError(c, env.ID, ErrInternal, "internal error")
	}

	kvCtx, cancel := context.WithTimeout(ctx, e.kvOpTimeout)
	err = e.store.CreateWith(kvCtx, rid, c.ID, e.roomTTL)
	cancel()
	if err != nil {
		return e.failClosed(c, env.ID, err)
	}

	e.router.Join(rid, c)
	c.setInRoom(rid, "P1")

	qrToken, qrExp, _ := e.router.CurrentToken(rid)

	if err := e.reply(c, env.ID, TagRoomCreated, roomCreatedBody{
		RID: rid, QRToken: qrToken, QRExp: qrExp, Max: e.maxParticipants,
	}); err != nil {
		return err
	}

	e.broadcastStats(ctx, rid, 1)
	return nil
}

func (e *Engine) handleJoinRequest(ctx context.Context, c *Conn, env *Envelope) error {
	var body joinRequestBody
	if err := json.Unmarshal(env.Body, &body); err != nil || body.RID == "" || body.Token == "" {
		return errUnsupportedData
	}
	if _, inRoom := c.roomIDSnapshot(); inRoom {
		return e.replyError(c, env.ID, ErrAlreadyInRoom, "already in a room")
	}

	claims, err := e.codec.Verify(body.Token, body.RID)
	if err != nil {
		return e.replyError(c, env.ID, tokenErrorKind(err), "token rejected")
	}

	kvCtx, cancel := context.WithTimeout(ctx, e.kvOpTimeout)
	fresh, err := e.store.MarkJTI(kvCtx, body.RID, claims.ID, e.roomTTL+joinReplayGrace)
	cancel()
	if err != nil {
		return e.failClosed(c, env.ID, err)
	}
	if !fresh {
		return e.replyError(c, env.ID, ErrTokenReplay, "token already used")
	}

	kvCtx, cancel = context.WithTimeout(ctx, e.kvOpTimeout)
	result, err := e.store.TryJoin(kvCtx, body.RID, c.ID, e.maxParticipants, e.roomTTL)
	cancel()
	if err != nil {
		return e.failClosed(c, env.ID, err)
	}

	switch result.Status {
	case roomstore.NoRoom:
		return e.replyError(c, env.ID, ErrNoRoom, "room does not exist")
	case roomstore.Full:
		return e.replyError(c, env.ID, ErrRoomFull, "room is full")
	}

	label := result.Label()
	if body.Label != "" && result.Status == roomstore.Joined {
		label = body.Label
	}

	e.router.Join(body.RID, c)
	c.setInRoom(body.RID, label)

	next, err := e.codec.Mint(body.RID, e.roomTTL)
	if err != nil {
		logging.Error(ctx, "failed to mint reconnect token", zap.Error(err))
		return e.replyError(c, env.ID, ErrInternal, "internal error")
	}

	if err := e.reply(c, env.ID, TagJoined, joinedBody{
		RID:          body.RID,
		Participants: result.Count,
		Max:          e.maxParticipants,
		Label:        label,
		NextToken:    next.Token,
		NextTokenExp: next.Exp,
	}); err != nil {
		return err
	}

	e.router.Broadcast(ctx, body.RID, mustEnvelope(TagSystemMsg, "", systemMsgBody{RID: body.RID, Text: "entered"}), c.ID)
	e.broadcastStats(ctx, body.RID, result.Count)
	return nil
}

func (e *Engine) handleLeave(ctx context.Context, c *Conn, env *Envelope) error {
	var body leaveBody
	_ = json.Unmarshal(env.Body, &body)

	rid, inRoom := c.roomIDSnapshot()
	if !inRoom || (body.RID != "" && body.RID != rid) {
		return e.replyError(c, env.ID, ErrNotInRoom, "not in that room")
	}

	e.leaveRoom(ctx, c, rid)

	return e.reply(c, env.ID, TagLeft, leftBody{RID: rid})
}

// leaveRoom performs the router + store leave, used by both an explicit
// LEAVE frame and abnormal disconnect cleanup.
func (e *Engine) leaveRoom(ctx context.Context, c *Conn, rid string) {
	e.router.Leave(rid, c)
	c.clearRoom()

	kvCtx, cancel := context.WithTimeout(ctx, e.kvOpTimeout)
	remaining, err := e.store.Leave(kvCtx, rid, c.ID, e.roomTTL)
	cancel()
	if err != nil {
		logging.Error(ctx, "store leave failed", zap.String("room_id", rid), zap.Error(err))
		return
	}

	if remaining > 0 {
		e.router.Broadcast(ctx, rid, mustEnvelope(TagSystemMsg, "", systemMsgBody{RID: rid, Text: "left"}), c.ID)
		e.broadcastStats(ctx, rid, remaining)
	}
}

func (e *Engine) handleAppMsg(ctx context.Context, c *Conn, env *Envelope) error {
	var body appMsgBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return errUnsupportedData
	}

	rid, inRoom := c.roomIDSnapshot()
	if !inRoom || body.RID != rid {
		return e.replyError(c, env.ID, ErrNotInRoom, "not in that room")
	}
	if len(body.CiphertextB64) > e.maxCTBytes {
		return e.replyError(c, env.ID, ErrCiphertextTooLarge, "ciphertext too large")
	}

	e.router.Broadcast(ctx, rid, mustEnvelope(TagAppMsg, "", body), c.ID)
	e.touchRoom(ctx, rid)
	return nil
}

func (e *Engine) handleMediaMsg(ctx context.Context, c *Conn, env *Envelope) error {
	var body mediaMsgBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return errUnsupportedData
	}

	rid, inRoom := c.roomIDSnapshot()
	if !inRoom || body.RID != rid {
		return e.replyError(c, env.ID, ErrNotInRoom, "not in that room")
	}
	if len(body.Chunks) < minMediaChunks || len(body.Chunks) > maxMediaChunks {
		return errUnsupportedData
	}
	var total int64
	for _, chunk := range body.Chunks {
		total += int64(len(chunk))
	}
	if total > maxMediaBytes {
		return e.replyError(c, env.ID, ErrMediaTooLarge, "media too large")
	}

	e.router.Broadcast(ctx, rid, mustEnvelope(TagMediaMsg, "", body), c.ID)
	e.touchRoom(ctx, rid)
	return nil
}

func (e *Engine) touchRoom(ctx context.Context, rid string) {
	kvCtx, cancel := context.WithTimeout(ctx, e.kvOpTimeout)
	defer cancel()
	if err := e.store.Touch(kvCtx, rid, e.roomTTL); err != nil {
		logging.Error(ctx, "touch failed", zap.String("room_id", rid), zap.Error(err))
	}
}

func (e *Engine) broadcastStats(ctx context.Context, rid string, count int64) {
	e.router.Broadcast(ctx, rid, mustEnvelope(TagRoomStats, "", roomStatsBody{RID: rid, Participants: count}), "")
}

// failClosed maps a Room Store outage to a retryable error response without
// closing the socket — the router keeps serving already-joined traffic
// while the KV is down (§4.9).
func (e *Engine) failClosed(c *Conn, reqID string, err error) error {
	msg := "internal error"
	if errors.Is(err, roomstore.ErrBreakerOpen) {
		msg = "store unavailable, retry"
	}
	return e.reply(c, reqID, TagError, errorBody{Code: ErrInternal, Message: msg, Retryable: true})
}

func (e *Engine) reply(c *Conn, reqID string, tag Tag, body interface{}) error {
	env, err := newEnvelope(tag, reqID, body)
	if err != nil {
		return err
	}
	frame, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

func (e *Engine) replyError(c *Conn, reqID string, kind ErrorKind, msg string) error {
	return e.reply(c, reqID, TagError, errorBody{Code: kind, Message: msg, Retryable: kind.Retryable()})
}

func mustEnvelope(t Tag, id string, body interface{}) *Envelope {
	env, err := newEnvelope(t, id, body)
	if err != nil {
		// Body types are all package-local static structs; a marshal
		// failure here means a programming error, not bad input.
		metrics.WebsocketEventsTotal.WithLabelValues(string(t), "marshal_error").Inc()
		return &Envelope{V: 1, T: t, ID: id}
	}
	return env
}

func tokenErrorKind(err error) ErrorKind {
	var tokenErr *token.Error
	if !errors.As(err, &tokenErr) {
		return ErrTokenFormat
	}
	switch tokenErr.Kind {
	case token.KindMAC:
		return ErrTokenMAC
	case token.KindExpired:
		return ErrTokenExpired
	case token.KindRoomMismatch:
		return ErrTokenRoomMismatch
	default:
		return ErrTokenFormat
	}
}

func newRoomID() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
