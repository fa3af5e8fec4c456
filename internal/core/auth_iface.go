package core

import (
	"context"
	"time"

	"github.com/spoke-chat/spoke/internal/domain"
)

// MediaCredential is the signed, room-scoped token the relay accepts.
// Immutable once issued; owned by the session that requested it.
type MediaCredential struct {
	Subject      domain.UserID
	Room         domain.RoomID
	CanPublish   bool
	CanSubscribe bool
	IssuedAt     time.Time
	ExpiresAt    time.Time
	// Token is the signed compact form presented to the relay.
	Token string
}

// RelayCredential is a TURN REST credential for the traversal relay.
// Optional infrastructure: absent when no shared secret is configured.
type RelayCredential struct {
	URLs      []string
	Username  string
	Password  string
	ExpiresAt time.Time
}

// TokenGrant is everything the authorization service hands back for one join
// attempt.
type TokenGrant struct {
	RelayURL string
	Media    MediaCredential
	Relay    *RelayCredential
}

// CredentialIssuer converts proof of messaging identity into relay access.
// The sole trust boundary of the voice subsystem.
type CredentialIssuer interface {
	IssueMediaCredential(ctx context.Context, bearerToken string, room domain.RoomID) (*TokenGrant, error)
}
