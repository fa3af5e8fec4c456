package voice

import (
	"sort"

	"github.com/spoke-chat/spoke/internal/domain"
)

// State is the session lifecycle state. Transitions are serialized by the
// session event loop; see session.go.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateLeaving    State = "leaving"
	StateFailed     State = "failed"
)

// Error kinds surfaced to the UI. Snapshot fields, never panics: the redraw
// loop renders them as transient banners.
const (
	ErrKindUnauthorized = "unauthorized"
	ErrKindUpstream     = "upstream_unavailable"
	ErrKindInvalid      = "invalid_request"
	ErrKindTransport    = "transport_error"
	ErrKindDevice       = "device_error"
)

// Snapshot is an immutable copy of session state, published after every
// transition. Cross-domain data is copied here, never shared.
type Snapshot struct {
	State        State
	Room         domain.RoomID
	Muted        bool
	Participants []domain.Participant
	Err          string
}

func snapshotParticipants(m map[domain.UserID]domain.Participant) []domain.Participant {
	out := make([]domain.Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
