// Package calibration resolves the unknown links of a kinematic loop from pattern observations.
package calibration

import (
	"maps"
	"math"
	"slices"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/chaincal/config"
	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/pattern"
	"go.viam.com/chaincal/spatialmath"
)

// Sample holds every known segment transform of the loop for one observation, including the
// camera segment.
type Sample struct {
	Index    int
	Segments map[string]spatialmath.Transform
}

// CoupledResult is the outcome of a coupled solve.
type CoupledResult struct {
	A, B       spatialmath.Transform
	Iterations int
	Converged  bool
	// Delta is the largest change of either transform in the last iteration.
	Delta float64
}

// Solver computes link transforms over a loop. Link estimates passed to it are keyed by the link
// segment name and take precedence over sample segments.
type Solver struct {
	loop       config.LoopConfig
	points     []r3.Vector
	iterations int
	epsilon    float64
	logger     logging.Logger
	// phase is told which half of a coupled iteration is running.
	phase func(State)
}

// NewSolver returns a solver for the loop observing cb.
func NewSolver(loop config.LoopConfig, cb pattern.Checkerboard, iterations int, epsilon float64, logger logging.Logger) *Solver {
	if iterations <= 0 {
		iterations = config.DefaultOptimizationIterations
	}
	return &Solver{loop: loop, points: cb.Points(), iterations: iterations, epsilon: epsilon, logger: logger}
}

func segment(seg string, sample Sample, estimates map[string]spatialmath.Transform) (spatialmath.Transform, error) {
	if t, ok := estimates[seg]; ok {
		return t, nil
	}
	if t, ok := sample.Segments[seg]; ok {
		return t, nil
	}
	return spatialmath.NewZeroTransform(), errors.Errorf("observation %d has no transform for segment %s", sample.Index, seg)
}

func product(segs []string, sample Sample, estimates map[string]spatialmath.Transform) (spatialmath.Transform, error) {
	t := spatialmath.NewZeroTransform()
	for _, seg := range segs {
		next, err := segment(seg, sample, estimates)
		if err != nil {
			return t, err
		}
		t = t.Compose(next)
	}
	return t, nil
}

// sandwich returns, for one sample, the transforms around link: left maps the root side into the
// link's parent frame, right maps pattern points into the link's child frame, so that
// left = link * right.
func (s *Solver) sandwich(
	link string,
	sample Sample,
	estimates map[string]spatialmath.Transform,
) (spatialmath.Transform, spatialmath.Transform, error) {
	pos := slices.Index(s.loop.Chain, link)
	if pos < 0 {
		return spatialmath.Transform{}, spatialmath.Transform{}, errors.Errorf("link %s is not part of the chain", link)
	}
	ref, err := product(s.loop.Reference, sample, estimates)
	if err != nil {
		return spatialmath.Transform{}, spatialmath.Transform{}, err
	}
	prefix, err := product(s.loop.Chain[:pos], sample, estimates)
	if err != nil {
		return spatialmath.Transform{}, spatialmath.Transform{}, err
	}
	suffix, err := product(s.loop.Chain[pos+1:], sample, estimates)
	if err != nil {
		return spatialmath.Transform{}, spatialmath.Transform{}, err
	}
	return prefix.Inverse().Compose(ref), suffix, nil
}

// SolveSingle pools every pattern point of every sample as one correspondence between the link's
// parent and child frames and aligns them in a single call. Estimates supply the other links.
func (s *Solver) SolveSingle(samples []Sample, estimates map[string]spatialmath.Transform, link string) (spatialmath.Transform, error) {
	work := maps.Clone(estimates)
	delete(work, link)
	a := make([]r3.Vector, 0, len(samples)*len(s.points))
	b := make([]r3.Vector, 0, len(samples)*len(s.points))
	for _, sample := range samples {
		left, right, err := s.sandwich(link, sample, work)
		if err != nil {
			return spatialmath.NewZeroTransform(), err
		}
		for _, p := range s.points {
			a = append(a, left.Apply(p))
			b = append(b, right.Apply(p))
		}
	}
	t, err := spatialmath.AlignPointSets(a, b)
	if err != nil {
		return t, errors.Wrapf(err, "link %s from %d correspondences", link, len(a))
	}
	return t, nil
}

// SolveAverage computes the link once per sample and averages the results.
func (s *Solver) SolveAverage(samples []Sample, estimates map[string]spatialmath.Transform, link string) (spatialmath.Transform, error) {
	work := maps.Clone(estimates)
	delete(work, link)
	perSample := make([]spatialmath.Transform, 0, len(samples))
	for _, sample := range samples {
		left, right, err := s.sandwich(link, sample, work)
		if err != nil {
			return spatialmath.NewZeroTransform(), err
		}
		perSample = append(perSample, left.Compose(right.Inverse()))
	}
	t, err := spatialmath.AverageTransforms(perSample)
	if err != nil {
		return t, errors.Wrapf(err, "link %s", link)
	}
	return t, nil
}

// Solve dispatches on the link method.
func (s *Solver) Solve(method string, samples []Sample, estimates map[string]spatialmath.Transform, link string) (spatialmath.Transform, error) {
	if method == config.MethodAverage {
		return s.SolveAverage(samples, estimates, link)
	}
	return s.SolveSingle(samples, estimates, link)
}

// SolveCoupled alternates between two unknown links. Each iteration solves a holding b at its
// current estimate, then b holding the new a. It stops once neither transform moves by more than
// epsilon or the iteration budget is spent. The estimate of b is the starting point.
func (s *Solver) SolveCoupled(
	samples []Sample,
	estimates map[string]spatialmath.Transform,
	a, b string,
	methodA, methodB string,
) (CoupledResult, error) {
	work := maps.Clone(estimates)
	if work == nil {
		work = map[string]spatialmath.Transform{}
	}
	if _, ok := work[b]; !ok {
		work[b] = spatialmath.NewZeroTransform()
	}
	prevA, hasA := work[a]
	prevB := work[b]

	res := CoupledResult{Delta: math.Inf(1)}
	for res.Iterations < s.iterations {
		res.Iterations++
		s.enter(StateSolveA)
		newA, err := s.Solve(methodA, samples, work, a)
		if err != nil {
			return res, err
		}
		work[a] = newA
		s.enter(StateSolveB)
		newB, err := s.Solve(methodB, samples, work, b)
		if err != nil {
			return res, err
		}
		work[b] = newB

		res.Delta = newB.MaxDelta(prevB)
		if hasA || res.Iterations > 1 {
			res.Delta = math.Max(res.Delta, newA.MaxDelta(prevA))
		}
		prevA, prevB, hasA = newA, newB, true
		res.A, res.B = newA, newB
		s.logger.Debugw("coupled iteration", "iteration", res.Iterations, "delta", res.Delta)
		if res.Delta < s.epsilon {
			res.Converged = true
			break
		}
	}
	return res, nil
}

func (s *Solver) enter(state State) {
	if s.phase != nil {
		s.phase(state)
	}
}

// Residual is the RMS distance between pattern points mapped through the reference and through
// the chain.
func (s *Solver) Residual(samples []Sample, estimates map[string]spatialmath.Transform) (float64, error) {
	var sum float64
	var n int
	for _, sample := range samples {
		ref, err := product(s.loop.Reference, sample, estimates)
		if err != nil {
			return 0, err
		}
		chain, err := product(s.loop.Chain, sample, estimates)
		if err != nil {
			return 0, err
		}
		for _, p := range s.points {
			sum += ref.Apply(p).Sub(chain.Apply(p)).Norm2()
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return math.Sqrt(sum / float64(n)), nil
}
