package intrinsics

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 matrix (represented as a 2D array) mapping points of one plane to another.
// Indices are [row][column].
type Homography [3][3]float64

// At returns the element at the given row and column.
func (h *Homography) At(row, col int) float64 {
	return h[row][col]
}

// Apply maps a point through the homography.
func (h *Homography) Apply(pt r2.Point) r2.Point {
	x := h.At(0, 0)*pt.X + h.At(0, 1)*pt.Y + h.At(0, 2)
	y := h.At(1, 0)*pt.X + h.At(1, 1)*pt.Y + h.At(1, 2)
	z := h.At(2, 0)*pt.X + h.At(2, 1)*pt.Y + h.At(2, 2)
	return r2.Point{X: x / z, Y: y / z}
}

// Col returns the given column.
func (h *Homography) Col(col int) [3]float64 {
	return [3]float64{h[0][col], h[1][col], h[2][col]}
}

// EstimateHomography computes the homography mapping src onto dst with the normalized direct
// linear transform. At least 4 correspondences are required.
func EstimateHomography(src, dst []r2.Point) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("point counts differ (%d vs %d)", len(src), len(dst))
	}
	if len(src) < 4 {
		return nil, errors.Errorf("need at least 4 correspondences for a homography, got %d", len(src))
	}
	srcNorm, srcScale, srcCenter := normalizePoints(src)
	dstNorm, dstScale, dstCenter := normalizePoints(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range srcNorm {
		x, y := srcNorm[i].X, srcNorm[i].Y
		u, v := dstNorm[i].X, dstNorm[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize homography system")
	}
	var vt mat.Dense
	svd.VTo(&vt)
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, vt.At(i, 8))
	}

	// Undo the normalizations: H = T_dst^-1 * Hn * T_src.
	tSrc := mat.NewDense(3, 3, []float64{
		srcScale, 0, -srcScale * srcCenter.X,
		0, srcScale, -srcScale * srcCenter.Y,
		0, 0, 1,
	})
	tDstInv := mat.NewDense(3, 3, []float64{
		1 / dstScale, 0, dstCenter.X,
		0, 1 / dstScale, dstCenter.Y,
		0, 0, 1,
	})
	var h mat.Dense
	h.Product(tDstInv, hn, tSrc)

	norm := h.At(2, 2)
	if math.Abs(norm) < 1e-15 {
		norm = mat.Norm(&h, 2)
	}
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = h.At(r, c) / norm
		}
	}
	return &out, nil
}

// normalizePoints translates the points to their centroid and scales them so the mean distance
// to it is sqrt(2).
func normalizePoints(pts []r2.Point) ([]r2.Point, float64, r2.Point) {
	var center r2.Point
	for _, p := range pts {
		center = center.Add(p)
	}
	center = center.Mul(1 / float64(len(pts)))
	var meanDist float64
	for _, p := range pts {
		meanDist += p.Sub(center).Norm()
	}
	meanDist /= float64(len(pts))
	scale := 1.0
	if meanDist > 0 {
		scale = math.Sqrt2 / meanDist
	}
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(center).Mul(scale)
	}
	return out, scale, center
}
