package actuation

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/spatialmath"
)

// Model maps a mechanism state to the transform of its moving frame relative to its mount.
type Model func(state []float64) (spatialmath.Transform, error)

// Mechanism ties a moving frame of the frame graph to a kinematic model. A mechanism without a
// frame only records its state.
type Mechanism struct {
	Frame string
	// Mount is the frame's transform relative to its parent at zero state.
	Mount spatialmath.Transform
	Model Model
}

// Mechanisms are the three actuated parts of the robot.
type Mechanisms struct {
	Base   Mechanism
	Camera Mechanism
	Arm    Mechanism
}

// PlanarBase models a mobile base with state (x, y, yaw).
func PlanarBase(state []float64) (spatialmath.Transform, error) {
	if len(state) != 3 {
		return spatialmath.NewZeroTransform(), errors.Errorf("planar base expects 3 values, got %d", len(state))
	}
	return spatialmath.NewTransformFromRPY(state[0], state[1], 0, 0, 0, state[2]), nil
}

// PanTilt models a camera mount with state (pan, tilt), panning about z and tilting about y.
func PanTilt(state []float64) (spatialmath.Transform, error) {
	if len(state) != 2 {
		return spatialmath.NewZeroTransform(), errors.Errorf("pan tilt expects 2 values, got %d", len(state))
	}
	return spatialmath.NewTransformFromRPY(0, 0, 0, 0, state[1], state[0]), nil
}

// CartesianArm models an arm whose joints are the end effector pose (x, y, z, roll, pitch, yaw)
// relative to the arm base.
func CartesianArm(state []float64) (spatialmath.Transform, error) {
	if len(state) != 6 {
		return spatialmath.NewZeroTransform(), errors.Errorf("cartesian arm expects 6 values, got %d", len(state))
	}
	return spatialmath.NewTransformFromRPY(state[0], state[1], state[2], state[3], state[4], state[5]), nil
}

// New returns the robot interface of the given kind. The sim kind drives the mechanisms' frames
// of graph; none accepts every command without moving anything.
func New(kind string, graph *framegraph.Graph, mechanisms Mechanisms) (Interface, error) {
	switch kind {
	case KindSim:
		if graph == nil {
			return nil, errors.New("simulated robot needs a frame graph")
		}
		return &SimulatedRobot{graph: graph, mechanisms: mechanisms}, nil
	case KindNone:
		return &noneRobot{}, nil
	default:
		return nil, errors.Errorf("unknown robot interface %q, expected %q or %q", kind, KindSim, KindNone)
	}
}

// SimulatedRobot moves instantly by rewriting frame graph transforms.
type SimulatedRobot struct {
	mu         sync.Mutex
	graph      *framegraph.Graph
	mechanisms Mechanisms

	baseState, cameraState, armState []float64
}

func (r *SimulatedRobot) move(m Mechanism, state []float64, dst *[]float64) error {
	if m.Frame != "" {
		if m.Model == nil {
			return errors.Errorf("frame %q has no kinematic model", m.Frame)
		}
		motion, err := m.Model(state)
		if err != nil {
			return err
		}
		if err := r.graph.SetTransform(m.Frame, m.Mount.Compose(motion)); err != nil {
			return err
		}
	}
	r.mu.Lock()
	*dst = slices.Clone(state)
	r.mu.Unlock()
	return nil
}

// MoveArm sets the arm joints.
func (r *SimulatedRobot) MoveArm(ctx context.Context, joints []float64) error {
	return r.move(r.mechanisms.Arm, joints, &r.armState)
}

// MoveCamera sets the pan/tilt state.
func (r *SimulatedRobot) MoveCamera(ctx context.Context, panTilt []float64) error {
	return r.move(r.mechanisms.Camera, panTilt, &r.cameraState)
}

// MoveBase sets the base pose.
func (r *SimulatedRobot) MoveBase(ctx context.Context, pose []float64) error {
	return r.move(r.mechanisms.Base, pose, &r.baseState)
}

// CurrentArmState returns the last commanded arm joints.
func (r *SimulatedRobot) CurrentArmState(ctx context.Context) ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.armState), nil
}

// CurrentCameraState returns the last commanded pan/tilt state.
func (r *SimulatedRobot) CurrentCameraState(ctx context.Context) ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.cameraState), nil
}

// noneRobot is used when observations are replayed: commands are accepted and echoed back.
type noneRobot struct {
	mu                    sync.Mutex
	cameraState, armState []float64
}

func (r *noneRobot) MoveArm(ctx context.Context, joints []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armState = slices.Clone(joints)
	return nil
}

func (r *noneRobot) MoveCamera(ctx context.Context, panTilt []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameraState = slices.Clone(panTilt)
	return nil
}

func (r *noneRobot) MoveBase(ctx context.Context, pose []float64) error {
	return nil
}

func (r *noneRobot) CurrentArmState(ctx context.Context) ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.armState), nil
}

func (r *noneRobot) CurrentCameraState(ctx context.Context) ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.cameraState), nil
}
