package matrix

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spoke-chat/spoke/internal/domain"
)

// Voice signaling event types, namespaced so other clients can ignore or
// interpret them. Best-effort, fire-and-forget, last-write-wins per sender.
const (
	EventTypeVoiceJoin  = "org.spoke.voice.join"
	EventTypeVoiceLeave = "org.spoke.voice.leave"
	EventTypeVoiceMute  = "org.spoke.voice.mute"
)

// VoiceJoinContent announces that the sender entered the voice channel.
// SessionID lets other clients correlate join/leave pairs across restarts.
type VoiceJoinContent struct {
	SessionID string `json:"session_id"`
}

// VoiceLeaveContent announces that the sender left the voice channel.
type VoiceLeaveContent struct{}

// VoiceMuteContent announces the sender's current microphone mute state.
type VoiceMuteContent struct {
	Muted bool `json:"muted"`
}

// EventSender delivers a voice signaling event into a room. Implementations
// must not block the session event loop beyond their own timeout.
type EventSender interface {
	SendVoiceEvent(ctx context.Context, room domain.RoomID, eventType string, content any) error
}

// VoiceEvent is one decoded inbound signaling event.
type VoiceEvent struct {
	Room    domain.RoomID
	Sender  domain.UserID
	Type    string
	Content json.RawMessage
}

// DecodeContent unmarshals the event payload into the matching content type.
func (e *VoiceEvent) DecodeContent() (any, error) {
	switch e.Type {
	case EventTypeVoiceJoin:
		var c VoiceJoinContent
		if err := json.Unmarshal(e.Content, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return c, nil
	case EventTypeVoiceLeave:
		return VoiceLeaveContent{}, nil
	case EventTypeVoiceMute:
		var c VoiceMuteContent
		if err := json.Unmarshal(e.Content, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown voice event type %q", e.Type)
	}
}
