package domain

// Participant is one remote user in the voice room, as seen by the local
// session. The relay roster is authoritative for membership; signaling events
// only refresh the advisory fields (display name, mute) ahead of the relay.
type Participant struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name"`
	Speaking    bool   `json:"speaking"`
	Muted       bool   `json:"muted"`
}

func NewParticipant(id UserID, name string) Participant {
	if name == "" {
		name = string(id)
	}
	return Participant{ID: id, DisplayName: name}
}
