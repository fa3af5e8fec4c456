package core

import (
	"context"

	"github.com/spoke-chat/spoke/internal/domain"
)

// RelayConnection is one live connection to the media relay, scoped to a
// single room. Callbacks must be set before Connect; the connection owns its
// transport resources and must release them in Close.
type RelayConnection interface {
	// Connect performs the signaling handshake and media negotiation,
	// bounded by ctx. On error the connection is unusable and closed.
	Connect(ctx context.Context) error
	// Publish drains frames into the local audio track until the channel
	// closes or the connection dies.
	Publish(frames <-chan PCM)
	// OnParticipantJoined fires when the relay reports a new participant.
	OnParticipantJoined(func(domain.Participant))
	// OnParticipantLeft fires when the relay reports a departure.
	OnParticipantLeft(func(domain.UserID))
	// OnRemoteTrack fires once per subscribed remote audio track. The frame
	// channel closes when the track ends.
	OnRemoteTrack(func(id domain.UserID, frames <-chan PCM))
	// OnClosed fires once when the connection dies for any reason other
	// than a local Close.
	OnClosed(func(error))
	Close()
}

// RelayDialer creates relay connections from a minted grant. One
// implementation per transport, selected at construction time.
type RelayDialer interface {
	Dial(ctx context.Context, grant *TokenGrant, room domain.RoomID) (RelayConnection, error)
}
