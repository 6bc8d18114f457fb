// Package actuation moves the robot into the configurations a calibration run observes the
// pattern from.
package actuation

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// ErrTargetNotReached is returned by WaitForState when the state did not converge in time. It is
// a warning: callers continue with the capture.
var ErrTargetNotReached = errors.New("target state not reached within timeout")

// Configuration is one commanded robot pose. Empty slices leave that mechanism where it is.
type Configuration struct {
	// Base is the planar base pose (x, y, yaw).
	Base []float64 `json:"base,omitempty"`
	// Camera is the pan/tilt state of the camera mount.
	Camera []float64 `json:"camera,omitempty"`
	// Arm holds the arm joint values.
	Arm []float64 `json:"arm,omitempty"`
}

// Interface is the set of robot capabilities a calibration session uses.
type Interface interface {
	MoveArm(ctx context.Context, joints []float64) error
	MoveCamera(ctx context.Context, panTilt []float64) error
	MoveBase(ctx context.Context, pose []float64) error
	CurrentArmState(ctx context.Context) ([]float64, error)
	CurrentCameraState(ctx context.Context) ([]float64, error)
}

// Kinds of robot interfaces.
const (
	KindSim  = "sim"
	KindNone = "none"
)

// StateReader reads back the state of one mechanism.
type StateReader func(ctx context.Context) ([]float64, error)

// pollInterval is how often WaitForState reads the state back.
const pollInterval = 50 * time.Millisecond

// WaitForState blocks until every element of the state read back is within tolerance of target,
// or until timeout passes on clk.
func WaitForState(
	ctx context.Context,
	clk clock.Clock,
	read StateReader,
	target []float64,
	tolerance float64,
	timeout time.Duration,
) error {
	deadline := clk.Timer(timeout)
	defer deadline.Stop()
	ticker := clk.Ticker(pollInterval)
	defer ticker.Stop()
	for {
		state, err := read(ctx)
		if err != nil {
			return err
		}
		if withinTolerance(state, target, tolerance) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.Wrapf(ErrTargetNotReached, "state %v, target %v", state, target)
		case <-ticker.C:
		}
	}
}

func withinTolerance(state, target []float64, tolerance float64) bool {
	if len(state) != len(target) {
		return false
	}
	for i := range state {
		if math.Abs(state[i]-target[i]) > tolerance {
			return false
		}
	}
	return true
}
