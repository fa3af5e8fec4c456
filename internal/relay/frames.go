package relay

import (
	"context"
	"encoding/binary"
	"math/rand/v2"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/core"
)

// L16 payloads are network byte order (RFC 3551 §4.5.11).

func pcmToBytes(f core.PCM) []byte {
	b := make([]byte, len(f)*2)
	for i, s := range f {
		binary.BigEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func bytesToPCM(b []byte) core.PCM {
	f := make(core.PCM, len(b)/2)
	for i := range f {
		f[i] = int16(binary.BigEndian.Uint16(b[i*2:]))
	}
	return f
}

// publisher packetizes capture frames onto the local track. One per
// connection; only the Publish goroutine touches it.
type publisher struct {
	track *webrtc.TrackLocalStaticRTP
	seq   uint16
	ts    uint32
	ssrc  uint32
}

func newPublisher(track *webrtc.TrackLocalStaticRTP) *publisher {
	return &publisher{
		track: track,
		seq:   uint16(rand.Uint32()),
		ts:    rand.Uint32(),
		ssrc:  rand.Uint32(),
	}
}

func (p *publisher) writeFrame(f core.PCM) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadTypeL16,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: pcmToBytes(f),
	}
	p.seq++
	p.ts += core.FrameSamples
	return p.track.WriteRTP(pkt)
}

// readTrack depacketizes a remote track into a frame stream. The channel
// closes when the track ends or ctx is cancelled.
func readTrack(ctx context.Context, track *webrtc.TrackRemote) <-chan core.PCM {
	frames := make(chan core.PCM, captureQueueDepth)
	go func() {
		defer close(frames)
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				log.Info().Err(err).
					Str("module", "relay").
					Str("stream_id", track.StreamID()).
					Msg("remote track ended")
				return
			}
			select {
			case frames <- bytesToPCM(pkt.Payload):
			case <-ctx.Done():
				return
			default:
				// Consumer is behind; drop rather than grow latency.
			}
		}
	}()
	return frames
}

const captureQueueDepth = 8
