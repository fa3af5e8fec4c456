package relay

import "encoding/json"

// Signaling envelope protocol between client and relay. Every message is a
// JSON object with a "type" discriminator; unknown types are ignored so the
// relay can evolve without breaking older clients.
const (
	msgJoin       = "join"
	msgJoined     = "joined"
	msgOffer      = "offer"
	msgAnswer     = "answer"
	msgCandidate  = "candidate"
	msgPartJoined = "participant_joined"
	msgPartLeft   = "participant_left"
	msgError      = "error"
)

type envelope struct {
	Type string `json:"type"`

	// join / joined
	Room         string            `json:"room,omitempty"`
	Token        string            `json:"token,omitempty"`
	Participants []participantInfo `json:"participants,omitempty"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	// participant_joined / participant_left
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

type participantInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Muted bool   `json:"muted"`
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
