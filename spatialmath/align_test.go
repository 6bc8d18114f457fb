package spatialmath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func randomPoints(rnd *rand.Rand, n int) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{X: rnd.Float64() - 0.5, Y: rnd.Float64() - 0.5, Z: rnd.Float64() - 0.5}
	}
	return pts
}

func TestAlignPointSetsExact(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	expected := NewTransformFromRPY(0.3, -0.2, 1.1, 0.4, -0.7, 2.1)
	b := randomPoints(rnd, 20)
	a := expected.ApplyAll(b)

	actual, err := AlignPointSets(a, b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, actual.MaxDelta(expected), test.ShouldBeLessThan, 1e-10)
	test.That(t, actual.Rotation().Det(), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, AlignmentResidual(a, b, actual), test.ShouldBeLessThan, 1e-10)

	// Three points are enough.
	actual, err = AlignPointSets(a[:3], b[:3])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, actual.MaxDelta(expected), test.ShouldBeLessThan, 1e-9)
}

func TestAlignPointSetsPlanar(t *testing.T) {
	expected := NewTransformFromRPY(-0.1, 0.05, 0.8, math.Pi/2, 0.1, -0.3)
	var b []r3.Vector
	for v := 0; v < 4; v++ {
		for u := 0; u < 6; u++ {
			b = append(b, r3.Vector{X: float64(u) * 0.05, Y: float64(v) * 0.05})
		}
	}
	actual, err := AlignPointSets(expected.ApplyAll(b), b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, actual.MaxDelta(expected), test.ShouldBeLessThan, 1e-10)
}

func TestAlignPointSetsNoise(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	expected := NewTransformFromRPY(1, 2, 3, 0.1, 0.2, 0.3)
	errorFor := func(n int, sigma float64) float64 {
		b := randomPoints(rnd, n)
		a := expected.ApplyAll(b)
		for i := range a {
			a[i] = a[i].Add(r3.Vector{X: rnd.NormFloat64(), Y: rnd.NormFloat64(), Z: rnd.NormFloat64()}.Mul(sigma))
		}
		actual, err := AlignPointSets(a, b)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, actual.Rotation().Det(), test.ShouldAlmostEqual, 1, 1e-12)
		return actual.MaxDelta(expected)
	}
	coarse := errorFor(500, 1e-3)
	fine := errorFor(500, 1e-6)
	test.That(t, coarse, test.ShouldBeLessThan, 1e-2)
	test.That(t, fine, test.ShouldBeLessThan, coarse)
}

func TestAlignPointSetsReflection(t *testing.T) {
	// B is a mirror image of A, the raw SVD composition has determinant -1.
	b := []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 1, Z: 1}}
	a := make([]r3.Vector, len(b))
	for i, p := range b {
		a[i] = r3.Vector{X: -p.X, Y: p.Y, Z: p.Z}
	}
	actual, err := AlignPointSets(a, b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, actual.Rotation().Det(), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, actual.Rotation().isProper(1e-9), test.ShouldBeTrue)
}

func TestAlignPointSetsDegenerate(t *testing.T) {
	two := []r3.Vector{{X: 1}, {Y: 1}}
	actual, err := AlignPointSets(two, two)
	test.That(t, errors.Is(err, ErrDegeneratePointSet), test.ShouldBeTrue)
	test.That(t, actual.MaxDelta(NewZeroTransform()), test.ShouldEqual, 0)

	line := []r3.Vector{{X: 0}, {X: 1}, {X: 2}, {X: 3}}
	_, err = AlignPointSets(line, line)
	test.That(t, errors.Is(err, ErrDegeneratePointSet), test.ShouldBeTrue)

	_, err = AlignPointSets(line, line[:3])
	test.That(t, errors.Is(err, ErrDegeneratePointSet), test.ShouldBeTrue)
}
