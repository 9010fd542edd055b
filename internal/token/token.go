// Package token implements the Join Token Codec (§4.4): minting and
// verification of MAC-signed capability tokens carrying {v, rid, exp, jti}.
// A token authorizes a single join of a specific room; it is never a user
// identity. Grounded on the teacher's auth.Validator use of
// golang-jwt/jwt/v5, generalized from JWKS/RS256 to a single process-wide
// HS256 secret since the relay has no external identity provider.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind enumerates the capability-token error taxonomy of §4.4/§7.
type Kind string

const (
	KindFormat       Kind = "TOKEN_FORMAT"
	KindMAC          Kind = "TOKEN_MAC"
	KindExpired      Kind = "TOKEN_EXPIRED"
	KindRoomMismatch Kind = "TOKEN_ROOM_MISMATCH"
)

// Error wraps a verification failure with its wire error code.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.err) }
func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether the client may meaningfully retry after
// fetching a fresh token (§7 Capability taxonomy).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindExpired, KindMAC:
		return true
	default:
		return false
	}
}

// Claims is the capability token payload: protocol version 1, the room id
// it authorizes, and the registered exp/jti claims.
type Claims struct {
	Version int `json:"v"`
	RoomID  string `json:"rid"`
	jwt.RegisteredClaims
}

// Codec mints and verifies capability tokens with a single process-wide
// HMAC secret (§3: a process-wide secret of at least 32 bytes).
type Codec struct {
	secret []byte
}

// NewCodec builds a Codec over secret. The secret must be at least 32 bytes;
// internal/config enforces this at startup, but the codec re-checks since it
// is also constructed directly in tests.
func NewCodec(secret string) (*Codec, error) {
	if len(secret) < 32 {
		return nil, errors.New("token: secret must be at least 32 bytes")
	}
	return &Codec{secret: []byte(secret)}, nil
}

// Minted is the result of a successful Mint call.
type Minted struct {
	Token  string
	Exp    int64 // absolute ms
	JTI    string
}

// Mint issues a fresh capability token for rid with the given lifetime.
func (c *Codec) Mint(rid string, ttl time.Duration) (*Minted, error) {
	jti, err := newJTI()
	if err != nil {
		return nil, fmt.Errorf("token: generate jti: %w", err)
	}

	// NewNumericDate truncates to whole seconds; Minted.Exp reports that
	// same truncated value so it matches the exp carried in the token.
	exp := jwt.NewNumericDate(time.Now().Add(ttl))
	claims := &Claims{
		Version: 1,
		RoomID:  rid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: exp,
			ID:        jti,
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(c.secret)
	if err != nil {
		return nil, fmt.Errorf("token: sign: %w", err)
	}

	return &Minted{
		Token: signed,
		Exp:   exp.Time.UnixMilli(),
		JTI:   jti,
	}, nil
}

// Verify parses and validates tokenString, checking the MAC, the
// expiry, and that the token's room id matches rid.
func (c *Codec) Verify(tokenString, rid string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	if err != nil {
		return nil, &Error{Kind: classify(err), err: err}
	}
	if !parsed.Valid {
		return nil, &Error{Kind: KindFormat, err: errors.New("token invalid")}
	}
	if claims.Version != 1 {
		return nil, &Error{Kind: KindFormat, err: fmt.Errorf("unsupported version %d", claims.Version)}
	}
	if claims.RoomID == "" || claims.ID == "" {
		return nil, &Error{Kind: KindFormat, err: errors.New("missing rid or jti")}
	}
	if claims.RoomID != rid {
		return nil, &Error{Kind: KindRoomMismatch, err: fmt.Errorf("token for room %s presented to room %s", claims.RoomID, rid)}
	}

	return claims, nil
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return KindExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return KindMAC
	default:
		return KindFormat
	}
}

func newJTI() (string, error) {
	buf := make([]byte, 16) // 128-bit
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
