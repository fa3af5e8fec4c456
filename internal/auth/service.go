// Package auth is the trust boundary of the voice subsystem: the only place
// that converts proof of messaging identity into permission to publish and
// subscribe audio in a room.
package auth

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidRequest      = errors.New("invalid request")
)

// IdentityVerifier confirms a bearer token with the messaging server and
// returns the verified subject. Implementations map upstream failures onto
// ErrUnauthorized / ErrUpstreamUnavailable and never surface response bodies.
type IdentityVerifier interface {
	Whoami(ctx context.Context, bearerToken string) (domain.UserID, error)
}

// Service implements core.CredentialIssuer. Stateless across requests; safe
// to run in multiple replicas behind one shared signing secret.
type Service struct {
	relayURL string
	identity IdentityVerifier
	signer   *Signer
	turn     *TurnDeriver // nil when traversal relay is not configured
}

func NewService(relayURL string, identity IdentityVerifier, signer *Signer, turn *TurnDeriver) *Service {
	return &Service{
		relayURL: relayURL,
		identity: identity,
		signer:   signer,
		turn:     turn,
	}
}

// IssueMediaCredential verifies the caller's messaging identity and mints a
// short-lived room-scoped credential. Room membership is NOT checked here:
// the credential is scoped and short-lived, and the relay enforces its own
// policy. The caller-supplied room is only used as the scope to embed.
func (s *Service) IssueMediaCredential(ctx context.Context, bearerToken string, room domain.RoomID) (*core.TokenGrant, error) {
	if bearerToken == "" {
		return nil, ErrUnauthorized
	}
	if _, err := domain.ParseRoomID(string(room)); err != nil {
		return nil, ErrInvalidRequest
	}

	subject, err := s.identity.Whoami(ctx, bearerToken)
	if err != nil {
		// No relay-credential derivation on a failed identity check.
		return nil, err
	}

	media, err := s.signer.Mint(subject, room)
	if err != nil {
		return nil, err
	}

	grant := &core.TokenGrant{RelayURL: s.relayURL, Media: media}
	if s.turn != nil {
		grant.Relay = s.turn.Derive(subject)
	}

	log.Info().
		Str("module", "auth").
		Str("subject", string(subject)).
		Str("room", string(room)).
		Bool("turn", grant.Relay != nil).
		Msg("issued media credential")
	return grant, nil
}
