package stream

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
)

// ErrSourceNotReady reports that the capture device has not produced pixels
// yet (zero dimensions). Publishers skip the tick rather than failing.
var ErrSourceNotReady = errors.New("stream: source not ready")

// Source is a start/stop handle on a capture device. Real camera and
// screen-capture implementations live outside this module; the synthetic
// source below serves tests and the demo agent.
type Source interface {
	// Sample returns the current pixel buffer, or ErrSourceNotReady while
	// the device is warming up.
	Sample(ctx context.Context) (image.Image, error)

	// Ended is closed when the device stops outside our control, e.g. the
	// user revokes permission or stops sharing.
	Ended() <-chan struct{}

	// Close releases the device. Safe to call more than once.
	Close() error
}

// SyntheticSource renders a moving gradient. WarmupSamples configures how
// many initial Sample calls report not-ready, mimicking a device that has
// not produced dimensions yet.
type SyntheticSource struct {
	Width         int
	Height        int
	WarmupSamples int

	mu      sync.Mutex
	samples int
	ended   chan struct{}
	endOnce sync.Once
}

// NewSyntheticSource creates a synthetic source at the given resolution.
func NewSyntheticSource(width, height int) *SyntheticSource {
	return &SyntheticSource{
		Width:  width,
		Height: height,
		ended:  make(chan struct{}),
	}
}

func (s *SyntheticSource) Sample(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	s.samples++
	n := s.samples
	s.mu.Unlock()

	if n <= s.WarmupSamples {
		return nil, ErrSourceNotReady
	}

	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x + n) % 256),
				G: uint8((y + n) % 256),
				B: uint8(n % 256),
				A: 255,
			})
		}
	}
	return img, nil
}

func (s *SyntheticSource) Ended() <-chan struct{} { return s.ended }

// End simulates the device stopping externally.
func (s *SyntheticSource) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *SyntheticSource) Close() error {
	s.End()
	return nil
}
