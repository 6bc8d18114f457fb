package intrinsics

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/chaincal/spatialmath"
)

// ErrTooFewViews is returned when fewer than three usable pattern views are given.
var ErrTooFewViews = errors.New("camera calibration needs at least 3 views")

const minViews = 3

// Calibration is the result of estimating a camera from several views of a planar pattern.
type Calibration struct {
	Intrinsics PinholeCameraIntrinsics `json:"intrinsics"`
	Distortion BrownConrady            `json:"distortion"`
	// Views holds, per input view, the transform mapping pattern frame points into the camera frame.
	Views             []spatialmath.Transform `json:"views"`
	ReprojectionError float64                 `json:"reprojection_error"`
}

// Options tunes the joint refinement.
type Options struct {
	// FixDistortion keeps the distortion coefficients at zero.
	FixDistortion bool
	// MaxIterations bounds the major iterations of the refinement. Zero means 500.
	MaxIterations int
}

// Calibrate recovers the camera intrinsics, distortion and per-view pattern poses from N >= 3
// views. patternPoints[i] must lie in the z=0 plane of the pattern frame and correspond one to
// one with imagePoints[i].
func Calibrate(patternPoints [][]r3.Vector, imagePoints [][]r2.Point, imageSize image.Point, opts Options) (*Calibration, error) {
	if len(patternPoints) != len(imagePoints) {
		return nil, errors.Errorf("got %d pattern point sets but %d image point sets", len(patternPoints), len(imagePoints))
	}
	if len(patternPoints) < minViews {
		return nil, errors.Wrapf(ErrTooFewViews, "got %d", len(patternPoints))
	}
	if imageSize.X <= 0 || imageSize.Y <= 0 {
		return nil, errors.Errorf("invalid image size %v", imageSize)
	}
	for i := range patternPoints {
		if len(patternPoints[i]) != len(imagePoints[i]) {
			return nil, errors.Errorf("view %d: %d pattern points but %d image points", i, len(patternPoints[i]), len(imagePoints[i]))
		}
		if len(patternPoints[i]) != len(patternPoints[0]) {
			return nil, errors.Errorf("view %d: expected %d points like view 0, got %d", i, len(patternPoints[0]), len(patternPoints[i]))
		}
	}

	// Condition the image coordinates around the image center.
	scale := float64(max(imageSize.X, imageSize.Y))
	center := r2.Point{X: float64(imageSize.X) / 2, Y: float64(imageSize.Y) / 2}
	homographies := make([]*Homography, len(patternPoints))
	var g errgroup.Group
	for i := range patternPoints {
		g.Go(func() error {
			plane := make([]r2.Point, len(patternPoints[i]))
			for j, p := range patternPoints[i] {
				plane[j] = r2.Point{X: p.X, Y: p.Y}
			}
			conditioned := make([]r2.Point, len(imagePoints[i]))
			for j, p := range imagePoints[i] {
				conditioned[j] = p.Sub(center).Mul(1 / scale)
			}
			h, err := EstimateHomography(plane, conditioned)
			if err != nil {
				return errors.Wrapf(err, "view %d", i)
			}
			homographies[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	conditionedK, err := closedFormIntrinsics(homographies)
	if err != nil {
		return nil, err
	}
	intr := PinholeCameraIntrinsics{
		Width:  imageSize.X,
		Height: imageSize.Y,
		Fx:     conditionedK.Fx * scale,
		Fy:     conditionedK.Fy * scale,
		Ppx:    conditionedK.Ppx*scale + center.X,
		Ppy:    conditionedK.Ppy*scale + center.Y,
	}

	views := make([]spatialmath.Transform, len(homographies))
	for i, h := range homographies {
		pose, err := poseFromHomography(h, conditionedK)
		if err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		views[i] = pose
	}

	cal := &Calibration{Intrinsics: intr, Views: views}
	refineCalibration(cal, patternPoints, imagePoints, opts)
	cal.ReprojectionError = ReprojectionError(&cal.Intrinsics, &cal.Distortion, cal.Views, patternPoints, imagePoints)
	return cal, nil
}

// closedFormIntrinsics solves for the camera matrix from the homographies of at least three
// views, ignoring skew.
func closedFormIntrinsics(homographies []*Homography) (*PinholeCameraIntrinsics, error) {
	v := mat.NewDense(2*len(homographies), 6, nil)
	for i, h := range homographies {
		v12 := zhangRow(h, 0, 1)
		v11 := zhangRow(h, 0, 0)
		v22 := zhangRow(h, 1, 1)
		diff := make([]float64, 6)
		for k := range diff {
			diff[k] = v11[k] - v22[k]
		}
		v.SetRow(2*i, v12)
		v.SetRow(2*i+1, diff)
	}
	var svd mat.SVD
	if ok := svd.Factorize(v, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize intrinsics system")
	}
	var vv mat.Dense
	svd.VTo(&vv)
	b11, b12, b22 := vv.At(0, 5), vv.At(1, 5), vv.At(2, 5)
	b13, b23, b33 := vv.At(3, 5), vv.At(4, 5), vv.At(5, 5)

	den := b11*b22 - b12*b12
	if den == 0 || b11 == 0 {
		return nil, errors.New("degenerate views: cannot recover intrinsics")
	}
	v0 := (b12*b13 - b11*b23) / den
	lambda := b33 - (b13*b13+v0*(b12*b13-b11*b23))/b11
	alpha2 := lambda / b11
	beta2 := lambda * b11 / den
	if alpha2 <= 0 || beta2 <= 0 {
		return nil, errors.New("degenerate views: intrinsics are not positive definite")
	}
	alpha, beta := math.Sqrt(alpha2), math.Sqrt(beta2)
	gamma := -b12 * alpha2 * beta / lambda
	u0 := gamma*v0/beta - b13*alpha2/lambda
	return &PinholeCameraIntrinsics{Fx: alpha, Fy: beta, Ppx: u0, Ppy: v0}, nil
}

func zhangRow(h *Homography, i, j int) []float64 {
	hi, hj := h.Col(i), h.Col(j)
	return []float64{
		hi[0] * hj[0],
		hi[0]*hj[1] + hi[1]*hj[0],
		hi[1] * hj[1],
		hi[2]*hj[0] + hi[0]*hj[2],
		hi[2]*hj[1] + hi[1]*hj[2],
		hi[2] * hj[2],
	}
}

// poseFromHomography extracts the pattern to camera transform from a plane to image homography.
// The pattern is assumed to be in front of the camera.
func poseFromHomography(h *Homography, k *PinholeCameraIntrinsics) (spatialmath.Transform, error) {
	kinv := func(col [3]float64) r3.Vector {
		y := (col[1] - k.Ppy*col[2]) / k.Fy
		x := (col[0] - k.Ppx*col[2]) / k.Fx
		return r3.Vector{X: x, Y: y, Z: col[2]}
	}
	c1, c2, c3 := kinv(h.Col(0)), kinv(h.Col(1)), kinv(h.Col(2))
	n := c1.Norm()
	if n == 0 {
		return spatialmath.NewZeroTransform(), errors.New("degenerate homography")
	}
	lambda := 1 / n
	if c3.Z*lambda < 0 {
		lambda = -lambda
	}
	r1, r2 := c1.Mul(lambda), c2.Mul(lambda)
	r3v := r1.Cross(r2)
	m := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	rot, err := spatialmath.Orthonormalize(m)
	if err != nil {
		return spatialmath.NewZeroTransform(), err
	}
	return spatialmath.NewTransform(rot, c3.Mul(lambda)), nil
}

// ReprojectionError returns sqrt(sum |p_observed - p_projected|^2 / sum n_i) over every view.
func ReprojectionError(
	intr *PinholeCameraIntrinsics,
	dist *BrownConrady,
	views []spatialmath.Transform,
	patternPoints [][]r3.Vector,
	imagePoints [][]r2.Point,
) float64 {
	var sum float64
	var count int
	for i := range views {
		for j, p := range patternPoints[i] {
			proj, _ := intr.Project(views[i].Apply(p), dist)
			sum += squaredDistance(imagePoints[i][j], proj)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// refineCalibration jointly minimizes the squared reprojection error over intrinsics, distortion
// and every view pose. The closed form estimate is kept when the optimizer cannot improve on it.
func refineCalibration(cal *Calibration, patternPoints [][]r3.Vector, imagePoints [][]r2.Point, opts Options) {
	scale := float64(max(cal.Intrinsics.Width, cal.Intrinsics.Height))
	const numCamera = 9
	x0 := make([]float64, numCamera+6*len(cal.Views))
	x0[0], x0[1] = cal.Intrinsics.Fx/scale, cal.Intrinsics.Fy/scale
	x0[2], x0[3] = cal.Intrinsics.Ppx/scale, cal.Intrinsics.Ppy/scale
	for i, view := range cal.Views {
		encodePose(x0[numCamera+6*i:], view)
	}

	decode := func(x []float64) (PinholeCameraIntrinsics, BrownConrady, []spatialmath.Transform) {
		intr := cal.Intrinsics
		intr.Fx, intr.Fy, intr.Ppx, intr.Ppy = x[0]*scale, x[1]*scale, x[2]*scale, x[3]*scale
		var dist BrownConrady
		if !opts.FixDistortion {
			dist = BrownConrady{x[4], x[5], x[6], x[7], x[8]}
		}
		views := make([]spatialmath.Transform, len(cal.Views))
		for i := range views {
			views[i] = decodePose(x[numCamera+6*i:])
		}
		return intr, dist, views
	}
	cost := func(x []float64) float64 {
		intr, dist, views := decode(x)
		return sumSquaredError(&intr, &dist, views, patternPoints, imagePoints)
	}

	best, ok := minimize(cost, x0, opts.MaxIterations)
	if !ok {
		return
	}
	cal.Intrinsics, cal.Distortion, cal.Views = decode(best)
}

func sumSquaredError(
	intr *PinholeCameraIntrinsics,
	dist *BrownConrady,
	views []spatialmath.Transform,
	patternPoints [][]r3.Vector,
	imagePoints [][]r2.Point,
) float64 {
	var sum float64
	for i := range views {
		for j, p := range patternPoints[i] {
			proj, ok := intr.Project(views[i].Apply(p), dist)
			if !ok {
				return math.Inf(1)
			}
			sum += squaredDistance(imagePoints[i][j], proj)
		}
	}
	return sum
}

// minimize runs BFGS with central finite difference gradients. ok is false when the result is no
// better than x0.
func minimize(cost func([]float64) float64, x0 []float64, maxIterations int) ([]float64, bool) {
	if maxIterations <= 0 {
		maxIterations = 500
	}
	f0 := cost(x0)
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-12,
		MajorIterations:   maxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-18,
			Relative:   1e-12,
			Iterations: 20,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if err != nil && result == nil {
		return nil, false
	}
	// Line search failures near the optimum still carry the best location found.
	if math.IsNaN(result.F) || result.F >= f0 {
		return nil, false
	}
	return result.X, true
}

func squaredDistance(a, b r2.Point) float64 {
	d := a.Sub(b)
	return d.Dot(d)
}

func encodePose(dst []float64, t spatialmath.Transform) {
	rv := t.Rotation().AxisAngles().ToR3()
	p := t.Point()
	copy(dst, []float64{rv.X, rv.Y, rv.Z, p.X, p.Y, p.Z})
}

func decodePose(src []float64) spatialmath.Transform {
	rot := spatialmath.R3ToR4(r3.Vector{X: src[0], Y: src[1], Z: src[2]}).RotationMatrix()
	return spatialmath.NewTransform(rot, r3.Vector{X: src[3], Y: src[4], Z: src[5]})
}
