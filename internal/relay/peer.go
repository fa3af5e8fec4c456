package relay

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/core"
)

// mimeTypeL16 is uncompressed 16-bit PCM over RTP (RFC 3551). The relay
// forwards packets opaquely, so both ends stay codec-free.
const mimeTypeL16 = "audio/L16"

const payloadTypeL16 = 96

func l16Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  mimeTypeL16,
		ClockRate: core.SampleRate,
		Channels:  1,
	}
}

// newPeerConnection builds a PeerConnection with the L16 audio codec
// registered and ICE servers assembled from the grant.
func newPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: l16Capability(),
		PayloadType:        payloadTypeL16,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	return api.NewPeerConnection(cfg)
}

// webrtcConfig builds the ICE server list: a public STUN fallback plus the
// traversal relay credential when one was minted.
func webrtcConfig(relayCred *core.RelayCredential) webrtc.Configuration {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	if relayCred != nil {
		servers = append(servers, webrtc.ICEServer{
			URLs:           relayCred.URLs,
			Username:       relayCred.Username,
			Credential:     relayCred.Password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func candidateToEnvelope(ci webrtc.ICECandidateInit) *envelope {
	return &envelope{
		Type:          msgCandidate,
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func candidateFromEnvelope(env *envelope) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     env.Candidate,
		SDPMid:        env.SDPMid,
		SDPMLineIndex: env.SDPMLineIndex,
	}
}

func logPeerState(s webrtc.PeerConnectionState) {
	log.Info().Str("module", "relay.peer").Str("peer_connection_state", s.String()).Msg("peer state")
}
