package audio

import (
	"sync"

	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
)

// streamDepth bounds each participant's playback ring to ~1 s of audio.
const streamDepth = 50

// mixer sums one frame stream per remote participant into the single output
// device. Streams are independent: an underrun on one yields silence for that
// stream only, and adding or removing a stream never stalls the others.
type mixer struct {
	mu      sync.Mutex
	streams map[domain.UserID]chan core.PCM
}

func newMixer() *mixer {
	return &mixer{streams: make(map[domain.UserID]chan core.PCM)}
}

// add registers a stream and pumps frames into its ring, dropping the oldest
// frame when the ring is full so a stalled output cannot back up the relay.
func (m *mixer) add(id domain.UserID, frames <-chan core.PCM) {
	ring := make(chan core.PCM, streamDepth)

	m.mu.Lock()
	if old, ok := m.streams[id]; ok {
		// Replaced mid-call (e.g. renegotiated track). Drop the old ring.
		drain(old)
	}
	m.streams[id] = ring
	m.mu.Unlock()

	go func() {
		for f := range frames {
			select {
			case ring <- f:
			default:
				select {
				case <-ring:
				default:
				}
				select {
				case ring <- f:
				default:
				}
			}
		}
		// Unregister only our own ring: a replacement stream may have
		// taken over this ID while we were still draining.
		m.removeRing(id, ring)
	}()
}

func (m *mixer) remove(id domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ring, ok := m.streams[id]; ok {
		delete(m.streams, id)
		drain(ring)
	}
}

func (m *mixer) removeRing(id domain.UserID, ring chan core.PCM) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[id] == ring {
		delete(m.streams, id)
		drain(ring)
	}
}

// next assembles one mixed output frame. Streams with nothing buffered
// contribute silence.
func (m *mixer) next() core.PCM {
	out := make(core.PCM, core.FrameSamples)

	m.mu.Lock()
	rings := make([]chan core.PCM, 0, len(m.streams))
	for _, r := range m.streams {
		rings = append(rings, r)
	}
	m.mu.Unlock()

	for _, ring := range rings {
		select {
		case f := <-ring:
			mixInto(out, f)
		default:
			// Underrun on this stream only.
		}
	}
	return out
}

// mixInto adds src into dst with int32 headroom and clamps to int16.
func mixInto(dst, src core.PCM) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		s := int32(dst[i]) + int32(src[i])
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		dst[i] = int16(s)
	}
}

func drain(ring chan core.PCM) {
	for {
		select {
		case <-ring:
		default:
			return
		}
	}
}
