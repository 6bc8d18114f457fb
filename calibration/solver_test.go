package calibration

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/chaincal/config"
	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/pattern"
	"go.viam.com/chaincal/spatialmath"
)

var (
	testPattern = pattern.Checkerboard{Rows: 4, Cols: 6, CellSize: 0.05}

	armLoop = config.LoopConfig{
		Reference: []string{"base->cam", config.CameraSegment},
		Chain:     []string{"base->arm_base", "arm_base->ee", "ee->marker"},
	}

	trueMount  = spatialmath.NewTransformFromRPY(0.2, 0.01, 0.5, 0.01, -0.02, 0.03)
	trueMarker = spatialmath.NewTransformFromRPY(0.02, 0.13, 0.08, -math.Pi/2+0.05, 0.03, -math.Pi/2+0.04)
	cameraPose = spatialmath.NewTransformFromRPY(0.05, 0, 1.1, -math.Pi/2, 0, -math.Pi/2)
)

// armSamples moves the end effector through n poses and records what a perfect camera would see.
func armSamples(n int) []Sample {
	samples := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		phase := 2 * math.Pi * float64(i) / float64(n)
		ee := spatialmath.NewTransformFromRPY(
			0.65+0.04*math.Cos(phase), 0.05*math.Sin(phase), 0.6+0.04*math.Sin(2*phase),
			0.5*math.Sin(phase), 0.4*math.Cos(phase), 0.5*math.Sin(2*phase+0.5),
		)
		camToMarker := cameraPose.Inverse().Compose(trueMount).Compose(ee).Compose(trueMarker)
		samples = append(samples, Sample{
			Index: i,
			Segments: map[string]spatialmath.Transform{
				"base->cam":          cameraPose,
				"arm_base->ee":       ee,
				config.CameraSegment: camToMarker,
			},
		})
	}
	return samples
}

func closeTo(t *testing.T, got, want spatialmath.Transform, tol float64) {
	t.Helper()
	test.That(t, got.Point().Sub(want.Point()).Norm(), test.ShouldBeLessThan, tol)
	test.That(t, spatialmath.RotationDistance(got, want), test.ShouldBeLessThan, tol)
}

func TestSolveSingle(t *testing.T) {
	s := NewSolver(armLoop, testPattern, 0, 1e-10, logging.NewTestLogger(t))
	samples := armSamples(5)

	mount, err := s.SolveSingle(samples, map[string]spatialmath.Transform{"ee->marker": trueMarker}, "base->arm_base")
	test.That(t, err, test.ShouldBeNil)
	closeTo(t, mount, trueMount, 1e-6)

	// The link being solved is never taken from the estimates.
	wrong := spatialmath.NewTransformFromRPY(1, 2, 3, 0.3, 0.2, 0.1)
	marker, err := s.SolveSingle(samples, map[string]spatialmath.Transform{
		"base->arm_base": trueMount,
		"ee->marker":     wrong,
	}, "ee->marker")
	test.That(t, err, test.ShouldBeNil)
	closeTo(t, marker, trueMarker, 1e-6)

	_, err = s.SolveSingle(samples, nil, "base->elsewhere")
	test.That(t, err, test.ShouldNotBeNil)

	// Without the other link the chain cannot be closed.
	_, err = s.SolveSingle(samples, nil, "base->arm_base")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "ee->marker")
}

func TestSolveSingleDegenerate(t *testing.T) {
	s := NewSolver(armLoop, pattern.Checkerboard{Rows: 1, Cols: 2, CellSize: 0.05}, 0, 1e-10, logging.NewTestLogger(t))
	_, err := s.SolveSingle(armSamples(1), map[string]spatialmath.Transform{"ee->marker": trueMarker}, "base->arm_base")
	test.That(t, errors.Is(err, spatialmath.ErrDegeneratePointSet), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "base->arm_base")
}

func TestSolveAverage(t *testing.T) {
	s := NewSolver(armLoop, testPattern, 0, 1e-10, logging.NewTestLogger(t))
	samples := armSamples(6)
	estimates := map[string]spatialmath.Transform{"base->arm_base": trueMount}

	marker, err := s.SolveAverage(samples, estimates, "ee->marker")
	test.That(t, err, test.ShouldBeNil)
	closeTo(t, marker, trueMarker, 1e-9)

	viaSolve, err := s.Solve(config.MethodAverage, samples, estimates, "ee->marker")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, viaSolve.Rows(), test.ShouldResemble, marker.Rows())

	_, err = s.SolveAverage(nil, estimates, "ee->marker")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSolveCoupled(t *testing.T) {
	s := NewSolver(armLoop, testPattern, 500, 1e-9, logging.NewTestLogger(t))
	var phases []State
	s.phase = func(st State) { phases = append(phases, st) }

	start := trueMarker.Compose(spatialmath.NewTransformFromRPY(0.03, -0.02, 0.04, 0.05, -0.04, 0.03))
	res, err := s.SolveCoupled(armSamples(8), map[string]spatialmath.Transform{"ee->marker": start},
		"base->arm_base", "ee->marker", config.MethodAlign, config.MethodAverage)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.Delta, test.ShouldBeLessThan, 1e-9)
	test.That(t, res.Iterations, test.ShouldBeGreaterThan, 1)
	closeTo(t, res.A, trueMount, 1e-6)
	closeTo(t, res.B, trueMarker, 1e-6)

	test.That(t, len(phases), test.ShouldEqual, 2*res.Iterations)
	test.That(t, phases[0], test.ShouldEqual, StateSolveA)
	test.That(t, phases[1], test.ShouldEqual, StateSolveB)
}

func TestSolveCoupledBudget(t *testing.T) {
	s := NewSolver(armLoop, testPattern, 2, 1e-12, logging.NewTestLogger(t))
	res, err := s.SolveCoupled(armSamples(8), nil, "base->arm_base", "ee->marker", config.MethodAlign, config.MethodAlign)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Iterations, test.ShouldEqual, 2)
	test.That(t, res.Converged, test.ShouldBeFalse)
	test.That(t, res.Delta, test.ShouldBeGreaterThan, 1e-12)
}

func TestResidual(t *testing.T) {
	s := NewSolver(armLoop, testPattern, 0, 1e-10, logging.NewTestLogger(t))
	samples := armSamples(4)

	r, err := s.Residual(samples, map[string]spatialmath.Transform{"base->arm_base": trueMount, "ee->marker": trueMarker})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r, test.ShouldBeLessThan, 1e-9)

	shifted := trueMarker.Compose(spatialmath.NewTransformFromRPY(0.01, 0, 0, 0, 0, 0))
	r, err = s.Residual(samples, map[string]spatialmath.Transform{"base->arm_base": trueMount, "ee->marker": shifted})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r, test.ShouldAlmostEqual, 0.01, 1e-9)

	r, err = s.Residual(nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r, test.ShouldEqual, 0)

	_, err = s.Residual(samples, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStateString(t *testing.T) {
	for st, name := range map[State]string{
		StateCollecting:  "COLLECTING",
		StateSolveSingle: "SOLVE_SINGLE",
		StateSolveA:      "SOLVE_A",
		StateSolveB:      "SOLVE_B",
		StateConverged:   "CONVERGED",
		StateDone:        "DONE",
		StateFailed:      "FAILED",
		State(42):        "UNKNOWN",
	} {
		test.That(t, st.String(), test.ShouldEqual, name)
	}
}
