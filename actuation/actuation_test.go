package actuation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/spatialmath"
)

func TestWaitForState(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()

	var reads atomic.Int32
	converging := func(ctx context.Context) ([]float64, error) {
		if reads.Add(1) < 3 {
			return []float64{0, 0}, nil
		}
		return []float64{0.5, -0.2}, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- WaitForState(ctx, clk, converging, []float64{0.5, -0.2}, 1e-3, 10*time.Second)
	}()
	var err error
	for waiting := true; waiting; {
		select {
		case err = <-done:
			waiting = false
		default:
			clk.Add(pollInterval)
		}
	}
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reads.Load(), test.ShouldBeGreaterThanOrEqualTo, 3)

	stuck := func(ctx context.Context) ([]float64, error) { return []float64{0, 0}, nil }
	go func() {
		done <- WaitForState(ctx, clk, stuck, []float64{1, 1}, 1e-3, 10*time.Second)
	}()
	for waiting := true; waiting; {
		select {
		case err = <-done:
			waiting = false
		default:
			clk.Add(time.Second)
		}
	}
	test.That(t, errors.Is(err, ErrTargetNotReached), test.ShouldBeTrue)

	failing := func(ctx context.Context) ([]float64, error) { return nil, errors.New("bus error") }
	err = WaitForState(ctx, clk, failing, []float64{1}, 1e-3, time.Second)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bus error")
}

func TestNew(t *testing.T) {
	_, err := New("robotino", nil, Mechanisms{})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(KindSim, nil, Mechanisms{})
	test.That(t, err, test.ShouldNotBeNil)

	none, err := New(KindNone, nil, Mechanisms{})
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()
	test.That(t, none.MoveBase(ctx, []float64{1, 2, 3}), test.ShouldBeNil)
	test.That(t, none.MoveArm(ctx, []float64{0.1}), test.ShouldBeNil)
	state, err := none.CurrentArmState(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldResemble, []float64{0.1})
}

func TestSimulatedRobot(t *testing.T) {
	g := framegraph.NewGraph("sim")
	test.That(t, g.AddFrame("base_link", framegraph.World, spatialmath.NewZeroTransform()), test.ShouldBeNil)
	mount := spatialmath.NewTransformFromRPY(0, 0, 1, 0, 0, 0)
	test.That(t, g.AddFrame("head", "base_link", mount), test.ShouldBeNil)
	test.That(t, g.AddFrame("arm_base", "base_link", spatialmath.NewZeroTransform()), test.ShouldBeNil)
	test.That(t, g.AddFrame("end_effector", "arm_base", spatialmath.NewZeroTransform()), test.ShouldBeNil)

	robot, err := New(KindSim, g, Mechanisms{
		Base:   Mechanism{Frame: "base_link", Mount: spatialmath.NewZeroTransform(), Model: PlanarBase},
		Camera: Mechanism{Frame: "head", Mount: mount, Model: PanTilt},
		Arm:    Mechanism{Frame: "end_effector", Mount: spatialmath.NewZeroTransform(), Model: CartesianArm},
	})
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()

	test.That(t, robot.MoveBase(ctx, []float64{1, 2, 0.5}), test.ShouldBeNil)
	base, err := g.LookupTransform(ctx, framegraph.World, "base_link", time.Time{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, base.MaxDelta(spatialmath.NewTransformFromRPY(1, 2, 0, 0, 0, 0.5)), test.ShouldBeLessThan, 1e-12)

	test.That(t, robot.MoveCamera(ctx, []float64{0.3, -0.2}), test.ShouldBeNil)
	head, err := g.LookupTransform(ctx, "base_link", "head", time.Time{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, head.Point().Z, test.ShouldAlmostEqual, 1)
	test.That(t, head.Rotation().EulerAngles().Yaw, test.ShouldAlmostEqual, 0.3)
	camState, err := robot.CurrentCameraState(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, camState, test.ShouldResemble, []float64{0.3, -0.2})

	test.That(t, robot.MoveArm(ctx, []float64{0.4, 0, 0.2, 0, 0.1, 0}), test.ShouldBeNil)
	armState, err := robot.CurrentArmState(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(armState), test.ShouldEqual, 6)

	test.That(t, robot.MoveArm(ctx, []float64{0.4}), test.ShouldNotBeNil)
	test.That(t, robot.MoveCamera(ctx, []float64{0.4}), test.ShouldNotBeNil)
	test.That(t, robot.MoveBase(ctx, []float64{0.4}), test.ShouldNotBeNil)
}
