package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
)

var ErrBadCredential = errors.New("bad media credential")

// VideoGrant is the room-scoped permission block embedded in the credential.
type VideoGrant struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"roomJoin"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

type grantClaims struct {
	Video VideoGrant `json:"video"`
	jwt.RegisteredClaims
}

// Signer mints media credentials with a service-held key pair.
// Safe for concurrent use; holds no per-request state.
type Signer struct {
	key    string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(key, secret string, ttl time.Duration) *Signer {
	return &Signer{key: key, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// RelayRoomName maps a messaging room ID onto a deterministic relay room name.
// Relay room names cannot carry "!" or ":".
func RelayRoomName(room domain.RoomID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(room))
}

// Mint issues a room-scoped publish+subscribe credential for subject.
func (s *Signer) Mint(subject domain.UserID, room domain.RoomID) (core.MediaCredential, error) {
	issued := s.now()
	expires := issued.Add(s.ttl)

	claims := grantClaims{
		Video: VideoGrant{
			Room:         RelayRoomName(room),
			RoomJoin:     true,
			CanPublish:   true,
			CanSubscribe: true,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(subject),
			Issuer:    s.key,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return core.MediaCredential{}, fmt.Errorf("sign media credential: %w", err)
	}

	return core.MediaCredential{
		Subject:      subject,
		Room:         room,
		CanPublish:   true,
		CanSubscribe: true,
		IssuedAt:     issued,
		ExpiresAt:    expires,
		Token:        token,
	}, nil
}

// Verify parses and checks a minted credential. The relay side of the
// contract; also used by tests to pin the wire format.
func (s *Signer) Verify(token string) (*VideoGrant, domain.UserID, error) {
	parsed, err := jwt.ParseWithClaims(token, &grantClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrBadCredential, err)
	}
	claims, ok := parsed.Claims.(*grantClaims)
	if !ok || !parsed.Valid {
		return nil, "", ErrBadCredential
	}
	return &claims.Video, domain.UserID(claims.Subject), nil
}
