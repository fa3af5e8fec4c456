package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spoke-chat/spoke/internal/core"
)

func frameOf(v int16) core.PCM {
	f := make(core.PCM, core.FrameSamples)
	for i := range f {
		f[i] = v
	}
	return f
}

func feedFrames(ch chan core.PCM, frames ...core.PCM) {
	for _, f := range frames {
		ch <- f
	}
}

func waitBuffered(t *testing.T, m *mixer, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := 0
		for _, r := range m.streams {
			n += len(r)
		}
		m.mu.Unlock()
		if n >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("frames never reached the mixer rings")
}

func TestMixerSumsStreams(t *testing.T) {
	m := newMixer()

	a := make(chan core.PCM, 4)
	b := make(chan core.PCM, 4)
	m.add("@a:x", a)
	m.add("@b:x", b)

	feedFrames(a, frameOf(100))
	feedFrames(b, frameOf(-30))
	waitBuffered(t, m, 2)

	out := m.next()
	require.Len(t, out, core.FrameSamples)
	assert.Equal(t, int16(70), out[0])
}

func TestMixerUnderrunIsolated(t *testing.T) {
	m := newMixer()

	a := make(chan core.PCM, 4)
	b := make(chan core.PCM, 4)
	m.add("@a:x", a)
	m.add("@b:x", b)

	// Only one stream has audio; the other underruns to silence without
	// stalling the mix.
	feedFrames(a, frameOf(500))
	waitBuffered(t, m, 1)

	out := m.next()
	assert.Equal(t, int16(500), out[0])
}

func TestMixerClamps(t *testing.T) {
	out := frameOf(30000)
	mixInto(out, frameOf(30000))
	assert.Equal(t, int16(32767), out[0])

	out = frameOf(-30000)
	mixInto(out, frameOf(-30000))
	assert.Equal(t, int16(-32768), out[0])
}

func TestMixerRemoveLeavesOthers(t *testing.T) {
	m := newMixer()

	a := make(chan core.PCM, 4)
	b := make(chan core.PCM, 4)
	m.add("@a:x", a)
	m.add("@b:x", b)

	feedFrames(b, frameOf(42))
	waitBuffered(t, m, 1)
	m.remove("@a:x")

	out := m.next()
	assert.Equal(t, int16(42), out[0])
}

func TestMixerReplacedStreamSurvivesOldPump(t *testing.T) {
	m := newMixer()

	// Leave-and-rejoin: the same participant gets a fresh stream while the
	// old one is still winding down.
	old := make(chan core.PCM, 4)
	m.add("@a:x", old)
	replacement := make(chan core.PCM, 4)
	m.add("@a:x", replacement)

	// The old pump ending must not unregister the replacement ring.
	close(old)
	time.Sleep(10 * time.Millisecond)

	feedFrames(replacement, frameOf(77))
	waitBuffered(t, m, 1)

	out := m.next()
	assert.Equal(t, int16(77), out[0])
}

func TestMixerStreamEndUnregisters(t *testing.T) {
	m := newMixer()

	a := make(chan core.PCM, 1)
	m.add("@a:x", a)
	close(a)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := len(m.streams)
		m.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("closed stream was not unregistered")
}
