package voice

import "github.com/spoke-chat/spoke/internal/domain"

// Command is a user intent relayed from the synchronous domain. Commands are
// idempotent at the state-machine level: a duplicate join for the room the
// session is already entering is a no-op, a leave while idle does nothing.
type Command interface{ isCommand() }

// Join starts a voice session in the given room, tearing down any existing
// session first.
type Join struct {
	Room        domain.RoomID
	BearerToken string
}

// Leave tears down the current session, cancelling an in-flight join.
type Leave struct{}

// ToggleMute flips the local microphone gate while connected.
type ToggleMute struct{}

func (Join) isCommand()       {}
func (Leave) isCommand()      {}
func (ToggleMute) isCommand() {}
