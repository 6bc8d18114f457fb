// Package sensor holds the latest camera frame handed from a frame producer to the observation
// store.
package sensor

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

var (
	// ErrNoFrame is returned when no frame arrived after a capture request.
	ErrNoFrame = errors.New("no camera frame received")
	// ErrStaleFrame is returned when the latest frame is older than the staleness window.
	ErrStaleFrame = errors.New("did not receive camera frames recently")
)

// Frame is one camera image and the time it was captured.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
}

// Camera is the consumer side of a frame source.
type Camera interface {
	// RequestCapture asks the source to keep its next frame.
	RequestCapture()
	// Drain takes the latest kept frame, if any.
	Drain() (Frame, bool)
}

// FrameBuffer is a single slot channel between one producer and one consumer. The producer only
// fills the slot after RequestCapture, and a newer frame replaces an undrained one.
type FrameBuffer struct {
	mu               sync.Mutex
	captureRequested bool
	slot             chan Frame
}

// NewFrameBuffer returns an empty buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{slot: make(chan Frame, 1)}
}

// RequestCapture arms the buffer to accept the next published frame.
func (fb *FrameBuffer) RequestCapture() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.captureRequested = true
}

// Publish stores a copy of the frame if a capture was requested and reports whether it did.
func (fb *FrameBuffer) Publish(frame Frame) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if !fb.captureRequested {
		return false
	}
	if frame.Image != nil {
		frame.Image = imaging.Clone(frame.Image)
	}
	select {
	case <-fb.slot:
	default:
	}
	fb.slot <- frame
	fb.captureRequested = false
	return true
}

// Drain takes the frame out of the slot.
func (fb *FrameBuffer) Drain() (Frame, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	select {
	case frame := <-fb.slot:
		return frame, true
	default:
		return Frame{}, false
	}
}

// AcquireFresh requests a capture, waits settle on clk for the producer to deliver, and returns
// the drained frame unless it is older than staleness.
func AcquireFresh(ctx context.Context, cam Camera, clk clock.Clock, settle, staleness time.Duration) (Frame, error) {
	cam.RequestCapture()
	if settle > 0 {
		timer := clk.Timer(settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Frame{}, ctx.Err()
		case <-timer.C:
		}
	}
	frame, ok := cam.Drain()
	if !ok {
		return Frame{}, ErrNoFrame
	}
	if age := clk.Since(frame.Timestamp); age >= staleness {
		return Frame{}, errors.Wrapf(ErrStaleFrame, "latest frame is %v old", age)
	}
	return frame, nil
}
