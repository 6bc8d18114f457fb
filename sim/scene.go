// Package sim builds a simulated mobile manipulator with a pan/tilt camera whose unknown links
// have a known ground truth. It backs the simulate command and end to end tests.
package sim

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/chaincal/actuation"
	"go.viam.com/chaincal/detection"
	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/intrinsics"
	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/observation"
	"go.viam.com/chaincal/pattern"
	"go.viam.com/chaincal/sensor"
	"go.viam.com/chaincal/spatialmath"
	"go.viam.com/chaincal/validator"
)

// Frames of the simulated robot.
const (
	BaseFrame        = "base_link"
	TorsoFrame       = "torso"
	HeadFrame        = "head"
	CameraFrame      = "camera_link"
	ArmBaseFrame     = "arm_base"
	EndEffectorFrame = "end_effector"
	// MarkerFrame is the pattern held by the arm.
	MarkerFrame = "marker"
	// LandmarkFrame is fixed in the world and tracked by the reference frame validator.
	LandmarkFrame = "landmark"
	// BoardFrame is a pattern fixed relative to the landmark.
	BoardFrame = "board"
)

// Truth holds the transforms a calibration is expected to recover.
type Truth struct {
	ArmMount    spatialmath.Transform // base_link -> arm_base
	Marker      spatialmath.Transform // end_effector -> marker
	CameraMount spatialmath.Transform // head -> camera_link
}

// DefaultTruth is slightly off the nominal design of the robot.
func DefaultTruth() Truth {
	return Truth{
		ArmMount:    spatialmath.NewTransformFromRPY(0.2, 0.01, 0.5, 0.01, -0.02, 0.03),
		Marker:      spatialmath.NewTransformFromRPY(0.02, 0.13, 0.08, -math.Pi/2+0.05, 0.03, -math.Pi/2+0.04),
		CameraMount: spatialmath.NewTransformFromRPY(0.05, 0, 0.1, -math.Pi/2+0.02, 0.01, -math.Pi/2-0.03),
	}
}

// DefaultIntrinsics is the simulated camera.
func DefaultIntrinsics() *intrinsics.PinholeCameraIntrinsics {
	return &intrinsics.PinholeCameraIntrinsics{Width: 1280, Height: 960, Fx: 900, Fy: 900, Ppx: 640, Ppy: 480}
}

var (
	torsoMount    = spatialmath.NewTransformFromRPY(0, 0, 0.8, 0, 0, 0)
	headMount     = spatialmath.NewTransformFromRPY(0, 0, 0.2, 0, 0, 0)
	landmarkPose  = spatialmath.NewTransformFromRPY(1.4, 0, 0, 0, 0, 0)
	boardFromMark = spatialmath.NewTransformFromRPY(0.1, 0.125, 1.175, -math.Pi/2, 0, -math.Pi/2)
)

// Scene is a simulated robot, its camera and a detector looking for one pattern frame.
type Scene struct {
	Graph      *framegraph.Graph
	Robot      actuation.Interface
	Buffer     *sensor.FrameBuffer
	Projector  *detection.Projector
	Intrinsics *intrinsics.PinholeCameraIntrinsics
	Truth      Truth
}

// NewScene builds the robot with the given ground truth. patternFrame is MarkerFrame or
// BoardFrame.
func NewScene(truth Truth, patternFrame string, cb pattern.Checkerboard, intr *intrinsics.PinholeCameraIntrinsics) (*Scene, error) {
	if patternFrame != MarkerFrame && patternFrame != BoardFrame {
		return nil, errors.Errorf("pattern frame must be %q or %q, got %q", MarkerFrame, BoardFrame, patternFrame)
	}
	if intr == nil {
		intr = DefaultIntrinsics()
	}
	zero := spatialmath.NewZeroTransform()
	g := framegraph.NewGraph("sim")
	for _, f := range []struct {
		name, parent string
		t            spatialmath.Transform
	}{
		{BaseFrame, framegraph.World, zero},
		{TorsoFrame, BaseFrame, torsoMount},
		{HeadFrame, TorsoFrame, headMount},
		{CameraFrame, HeadFrame, truth.CameraMount},
		{ArmBaseFrame, BaseFrame, truth.ArmMount},
		{EndEffectorFrame, ArmBaseFrame, zero},
		{MarkerFrame, EndEffectorFrame, truth.Marker},
		{LandmarkFrame, framegraph.World, landmarkPose},
		{BoardFrame, LandmarkFrame, boardFromMark},
	} {
		if err := g.AddFrame(f.name, f.parent, f.t); err != nil {
			return nil, err
		}
	}

	robot, err := actuation.New(actuation.KindSim, g, actuation.Mechanisms{
		Base:   actuation.Mechanism{Frame: BaseFrame, Mount: zero, Model: actuation.PlanarBase},
		Camera: actuation.Mechanism{Frame: HeadFrame, Mount: headMount, Model: actuation.PanTilt},
		Arm:    actuation.Mechanism{Frame: EndEffectorFrame, Mount: zero, Model: actuation.CartesianArm},
	})
	if err != nil {
		return nil, err
	}
	return &Scene{
		Graph:  g,
		Robot:  robot,
		Buffer: sensor.NewFrameBuffer(),
		Projector: &detection.Projector{
			Frames:       g,
			CameraFrame:  CameraFrame,
			PatternFrame: patternFrame,
			Intrinsics:   intr,
			Pattern:      cb,
		},
		Intrinsics: intr,
		Truth:      truth,
	}, nil
}

// Rig wires the scene into a capture run. The camera renders synchronously when a capture is
// requested.
func (s *Scene) Rig(clk clock.Clock, v *validator.ReferenceFrameValidator) observation.Rig {
	return observation.Rig{
		Robot:     s.Robot,
		Camera:    &syncCamera{scene: s, clk: clk},
		Detector:  s.Projector,
		Frames:    s.Graph,
		Validator: v,
		Clock:     clk,
	}
}

// StreamingRig is like Rig but frames are produced by a background source every period, the
// way a camera driver delivers them. The returned source must be closed.
func (s *Scene) StreamingRig(
	clk clock.Clock,
	v *validator.ReferenceFrameValidator,
	period time.Duration,
	logger logging.Logger,
) (observation.Rig, *sensor.SimulatedSource) {
	src := sensor.NewSimulatedSource(s.Buffer, s.Projector.Render, clk, period, logger)
	rig := s.Rig(clk, v)
	rig.Camera = s.Buffer
	return rig, src
}

type syncCamera struct {
	scene *Scene
	clk   clock.Clock
}

func (c *syncCamera) RequestCapture() {
	c.scene.Buffer.RequestCapture()
	img, err := c.scene.Projector.Render(context.Background())
	if err != nil {
		return
	}
	c.scene.Buffer.Publish(sensor.Frame{Image: img, Timestamp: c.clk.Now()})
}

func (c *syncCamera) Drain() (sensor.Frame, bool) {
	return c.scene.Buffer.Drain()
}

// ArmPlan returns n configurations that move the arm through rotations about every axis while the
// marker stays in view. Base and camera stay put.
func ArmPlan(n int) []actuation.Configuration {
	plan := make([]actuation.Configuration, 0, n)
	for i := 0; i < n; i++ {
		phase := 2 * math.Pi * float64(i) / float64(n)
		plan = append(plan, actuation.Configuration{
			Arm: []float64{
				0.65 + 0.04*math.Cos(phase),
				0.05 * math.Sin(phase),
				0.6 + 0.04*math.Sin(2*phase),
				0.5 * math.Sin(phase),
				0.4 * math.Cos(phase),
				0.5 * math.Sin(2*phase+0.5),
			},
		})
	}
	return plan
}

// CameraPlan returns n configurations that pan and tilt the camera and shift the base slightly
// while the board stays in view.
func CameraPlan(n int) []actuation.Configuration {
	plan := make([]actuation.Configuration, 0, n)
	for i := 0; i < n; i++ {
		phase := 2 * math.Pi * float64(i) / float64(n)
		plan = append(plan, actuation.Configuration{
			Base:   []float64{0.03 * math.Cos(phase), 0.03 * math.Sin(phase), 0.05 * math.Sin(phase)},
			Camera: []float64{0.15 * math.Sin(phase), 0.12 * math.Cos(2*phase)},
		})
	}
	return plan
}
