package core

// PCM is one fixed-format audio frame: 48 kHz mono signed 16-bit samples.
// Every frame carries exactly FrameSamples samples (20 ms).
type PCM []int16

const (
	SampleRate    = 48000
	FrameDuration = 20 // ms
	FrameSamples  = SampleRate * FrameDuration / 1000
)

// CaptureDevice is a platform audio input. Read blocks until one full frame
// is available. Implementations own the underlying device handle.
type CaptureDevice interface {
	Read() (PCM, error)
	Close() error
}

// PlaybackDevice is a platform audio output. Write blocks at the device pace,
// which is what drives the playback mixer clock.
type PlaybackDevice interface {
	Write(PCM) error
	Close() error
}
