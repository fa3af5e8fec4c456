package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/spoke-chat/spoke/internal/core"
)

// Null device backend: capture yields silence at the real frame pace and
// playback discards at the real frame pace. Used by the headless client and
// anywhere a platform backend is not compiled in. Platform backends implement
// the same core interfaces and are selected at construction time.

var ErrDeviceClosed = errors.New("audio device closed")

// NullOpener opens one silence capture and one discarding playback per call.
// Satisfies the session's device opener.
type NullOpener struct{}

func (NullOpener) OpenCapture() (core.CaptureDevice, error)   { return NewSilenceCapture(), nil }
func (NullOpener) OpenPlayback() (core.PlaybackDevice, error) { return NewNullPlayback(), nil }

type SilenceCapture struct {
	mu     sync.Mutex
	closed bool
}

func NewSilenceCapture() *SilenceCapture { return &SilenceCapture{} }

func (d *SilenceCapture) Read() (core.PCM, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDeviceClosed
	}
	time.Sleep(core.FrameDuration * time.Millisecond)
	return make(core.PCM, core.FrameSamples), nil
}

func (d *SilenceCapture) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type NullPlayback struct {
	mu     sync.Mutex
	closed bool
}

func NewNullPlayback() *NullPlayback { return &NullPlayback{} }

func (d *NullPlayback) Write(core.PCM) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDeviceClosed
	}
	time.Sleep(core.FrameDuration * time.Millisecond)
	return nil
}

func (d *NullPlayback) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
