package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrDegeneratePointSet is returned when a point set cannot determine a rigid transform: fewer
// than three correspondences, mismatched lengths, or collinear points.
var ErrDegeneratePointSet = errors.New("degenerate point set")

// collinearityTol is the smallest allowed ratio of the second to the first singular value of the
// cross-covariance matrix.
const collinearityTol = 1e-9

// Centroid returns the mean of the points.
func Centroid(pts []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, p := range pts {
		sum = sum.Add(p)
	}
	if len(pts) == 0 {
		return sum
	}
	return sum.Mul(1 / float64(len(pts)))
}

// AlignPointSets solves the absolute orientation problem: it returns the rigid transform T
// minimizing sum |a_i - T*b_i|^2, i.e. mapping B-frame points onto A-frame points. On failure the
// identity is returned alongside ErrDegeneratePointSet.
func AlignPointSets(a, b []r3.Vector) (Transform, error) {
	if len(a) != len(b) {
		return NewZeroTransform(), errors.Wrapf(ErrDegeneratePointSet, "point counts differ (%d vs %d)", len(a), len(b))
	}
	if len(a) < 3 {
		return NewZeroTransform(), errors.Wrapf(ErrDegeneratePointSet, "need at least 3 correspondences, got %d", len(a))
	}

	ca, cb := Centroid(a), Centroid(b)
	h := mat.NewDense(3, 3, nil)
	for i := range a {
		da, db := a[i].Sub(ca), b[i].Sub(cb)
		bv := [3]float64{db.X, db.Y, db.Z}
		av := [3]float64{da.X, da.Y, da.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+bv[r]*av[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return NewZeroTransform(), errors.Wrap(ErrDegeneratePointSet, "svd factorization failed")
	}
	values := svd.Values(nil)
	if values[0] <= 0 || values[1] <= collinearityTol*values[0] {
		return NewZeroTransform(), errors.Wrap(ErrDegeneratePointSet, "points are collinear or coincident")
	}

	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Reflection: flip the axis of the smallest singular value.
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	var rot RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.mat[3*i+j] = r.At(i, j)
		}
	}
	return NewTransform(&rot, ca.Sub(rot.Apply(cb))), nil
}

// AlignmentResidual returns the RMS distance between a_i and T*b_i.
func AlignmentResidual(a, b []r3.Vector, t Transform) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.NaN()
	}
	var sum float64
	for i := range a {
		sum += a[i].Sub(t.Apply(b[i])).Norm2()
	}
	return math.Sqrt(sum / float64(len(a)))
}
