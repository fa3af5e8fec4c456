// Package audio owns the capture and playback devices and converts between
// device sample buffers and the fixed 48 kHz mono 20 ms frames the media
// transport expects.
package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
)

// captureDepth bounds frames buffered toward the publisher.
const captureDepth = 8

// Pipeline binds one capture device and one playback device for the lifetime
// of a voice session. Device I/O failures after construction are retried up
// to retryLimit consecutive times, then escalated through onFatal.
type Pipeline struct {
	capture  core.CaptureDevice
	playback core.PlaybackDevice

	muted      atomic.Bool
	retryLimit int
	onFatal    func(error)

	out chan core.PCM
	mix *mixer

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New acquires nothing by itself: the devices are opened by the caller so a
// device-open failure fails the join attempt before any goroutine starts.
func New(capture core.CaptureDevice, playback core.PlaybackDevice, retryLimit int, onFatal func(error)) *Pipeline {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Pipeline{
		capture:    capture,
		playback:   playback,
		retryLimit: retryLimit,
		onFatal:    onFatal,
		out:        make(chan core.PCM, captureDepth),
		mix:        newMixer(),
		done:       make(chan struct{}),
	}
}

// StartCapture begins reading device frames and returns the frame stream.
// The stream closes on Shutdown or after the retry budget is exhausted.
// While muted, zeroed frames are emitted at the same pace: the device stays
// hot so unmute has no re-acquisition latency, and the publish path keeps
// its timing.
func (p *Pipeline) StartCapture() <-chan core.PCM {
	p.startOnce.Do(func() {
		go p.captureLoop()
		go p.playbackLoop()
	})
	return p.out
}

// SetMuted gates transmission without touching the device.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

func (p *Pipeline) Muted() bool { return p.muted.Load() }

// StartPlayback routes a remote participant's frames into the output mix.
func (p *Pipeline) StartPlayback(id domain.UserID, frames <-chan core.PCM) {
	p.mix.add(id, frames)
}

// StopPlayback drops a participant's stream. Other streams are unaffected.
func (p *Pipeline) StopPlayback(id domain.UserID) {
	p.mix.remove(id)
}

// Shutdown closes both devices and stops all pipeline goroutines.
func (p *Pipeline) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.done)
		if err := p.capture.Close(); err != nil {
			log.Warn().Err(err).Str("module", "audio").Msg("capture close")
		}
		if err := p.playback.Close(); err != nil {
			log.Warn().Err(err).Str("module", "audio").Msg("playback close")
		}
	})
}

func (p *Pipeline) captureLoop() {
	defer close(p.out)
	failures := 0
	for {
		frame, err := p.capture.Read()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			failures++
			log.Warn().Err(err).Str("module", "audio").Int("failures", failures).Msg("capture read")
			if failures > p.retryLimit {
				p.onFatal(err)
				return
			}
			time.Sleep(core.FrameDuration * time.Millisecond)
			continue
		}
		failures = 0

		if p.muted.Load() {
			frame = make(core.PCM, len(frame))
		}
		select {
		case p.out <- frame:
		case <-p.done:
			return
		default:
			// Publisher is behind; drop rather than grow latency.
		}
	}
}

// playbackLoop is paced by the blocking device write.
func (p *Pipeline) playbackLoop() {
	failures := 0
	for {
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.playback.Write(p.mix.next()); err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			failures++
			log.Warn().Err(err).Str("module", "audio").Int("failures", failures).Msg("playback write")
			if failures > p.retryLimit {
				p.onFatal(err)
				return
			}
			time.Sleep(core.FrameDuration * time.Millisecond)
			continue
		}
		failures = 0
	}
}
