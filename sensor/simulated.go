package sensor

import (
	"context"
	"image"
	"time"

	"github.com/benbjohnson/clock"

	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/utils"
)

// Renderer draws the current simulated view.
type Renderer func(ctx context.Context) (image.Image, error)

// SimulatedSource publishes rendered frames into a FrameBuffer at a fixed rate, standing in for a
// camera driver's frame callback.
type SimulatedSource struct {
	buffer  *FrameBuffer
	workers utils.StoppableWorkers
}

// NewSimulatedSource starts publishing frames from render every period.
func NewSimulatedSource(
	buffer *FrameBuffer,
	render Renderer,
	clk clock.Clock,
	period time.Duration,
	logger logging.Logger,
) *SimulatedSource {
	src := &SimulatedSource{buffer: buffer}
	src.workers = utils.NewStoppableWorkerWithTicker(clk, period, func(ctx context.Context) {
		img, err := render(ctx)
		if err != nil {
			logger.Debugw("failed to render simulated frame", "error", err)
			return
		}
		src.buffer.Publish(Frame{Image: img, Timestamp: clk.Now()})
	})
	return src
}

// Close stops the producer.
func (src *SimulatedSource) Close() {
	src.workers.Stop()
}
