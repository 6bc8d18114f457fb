package intrinsics

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/chaincal/pattern"
	"go.viam.com/chaincal/spatialmath"
)

var testCamera = PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 600, Fy: 590, Ppx: 322, Ppy: 237}

func testViews() []spatialmath.Transform {
	return []spatialmath.Transform{
		spatialmath.NewTransformFromRPY(-0.12, -0.08, 0.60, 0.30, 0.05, 0.10),
		spatialmath.NewTransformFromRPY(-0.10, -0.10, 0.55, -0.25, 0.20, -0.05),
		spatialmath.NewTransformFromRPY(-0.15, -0.05, 0.70, 0.05, -0.35, 0.30),
		spatialmath.NewTransformFromRPY(-0.08, -0.12, 0.65, 0.40, 0.30, -0.20),
		spatialmath.NewTransformFromRPY(-0.13, -0.07, 0.50, -0.30, -0.25, 0.05),
	}
}

func synthesize(t *testing.T, intr *PinholeCameraIntrinsics, dist *BrownConrady, views []spatialmath.Transform) ([][]r3.Vector, [][]r2.Point) {
	t.Helper()
	patternPoints := pattern.Generate(7, 9, 0.03, len(views))
	imagePoints := make([][]r2.Point, len(views))
	for i, view := range views {
		for _, p := range patternPoints[i] {
			px, ok := intr.Project(view.Apply(p), dist)
			test.That(t, ok, test.ShouldBeTrue)
			imagePoints[i] = append(imagePoints[i], px)
		}
	}
	return patternPoints, imagePoints
}

func TestCalibrateNoDistortion(t *testing.T) {
	views := testViews()
	patternPoints, imagePoints := synthesize(t, &testCamera, nil, views)

	cal, err := Calibrate(patternPoints, imagePoints, image.Pt(640, 480), Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cal.Intrinsics.Width, test.ShouldEqual, 640)
	test.That(t, cal.Intrinsics.Fx, test.ShouldAlmostEqual, testCamera.Fx, 1e-4)
	test.That(t, cal.Intrinsics.Fy, test.ShouldAlmostEqual, testCamera.Fy, 1e-4)
	test.That(t, cal.Intrinsics.Ppx, test.ShouldAlmostEqual, testCamera.Ppx, 1e-4)
	test.That(t, cal.Intrinsics.Ppy, test.ShouldAlmostEqual, testCamera.Ppy, 1e-4)
	test.That(t, cal.ReprojectionError, test.ShouldBeLessThan, 1e-4)
	test.That(t, len(cal.Views), test.ShouldEqual, len(views))
	for i := range views {
		test.That(t, cal.Views[i].MaxDelta(views[i]), test.ShouldBeLessThan, 1e-6)
	}
}

func TestCalibrateWithDistortion(t *testing.T) {
	views := testViews()
	dist := &BrownConrady{RadialK1: -0.05}
	patternPoints, imagePoints := synthesize(t, &testCamera, dist, views)

	closedForm, err := Calibrate(patternPoints, imagePoints, image.Pt(640, 480), Options{FixDistortion: true})
	test.That(t, err, test.ShouldBeNil)

	cal, err := Calibrate(patternPoints, imagePoints, image.Pt(640, 480), Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cal.ReprojectionError, test.ShouldBeLessThan, closedForm.ReprojectionError)
	test.That(t, cal.ReprojectionError, test.ShouldBeLessThan, 0.05)
	test.That(t, math.Abs(cal.Intrinsics.Fx-testCamera.Fx), test.ShouldBeLessThan, 2)
	test.That(t, math.Abs(cal.Distortion.RadialK1-dist.RadialK1), test.ShouldBeLessThan, 0.01)
}

func TestCalibrateErrors(t *testing.T) {
	views := testViews()
	patternPoints, imagePoints := synthesize(t, &testCamera, nil, views)

	_, err := Calibrate(patternPoints[:2], imagePoints[:2], image.Pt(640, 480), Options{})
	test.That(t, errors.Is(err, ErrTooFewViews), test.ShouldBeTrue)

	short := append([][]r2.Point{}, imagePoints...)
	short[1] = short[1][:10]
	_, err = Calibrate(patternPoints, short, image.Pt(640, 480), Options{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "view 1")

	_, err = Calibrate(patternPoints, imagePoints[:4], image.Pt(640, 480), Options{})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Calibrate(patternPoints, imagePoints, image.Point{}, Options{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReprojectionError(t *testing.T) {
	views := testViews()[:2]
	patternPoints, imagePoints := synthesize(t, &testCamera, nil, views)
	test.That(t, ReprojectionError(&testCamera, nil, views, patternPoints, imagePoints), test.ShouldAlmostEqual, 0)

	// Shifting every observation by (3, 4) pixels gives an RMS error of exactly 5.
	for i := range imagePoints {
		for j := range imagePoints[i] {
			imagePoints[i][j] = imagePoints[i][j].Add(r2.Point{X: 3, Y: 4})
		}
	}
	test.That(t, ReprojectionError(&testCamera, nil, views, patternPoints, imagePoints), test.ShouldAlmostEqual, 5, 1e-9)
}

func TestEstimatePlanarPose(t *testing.T) {
	dist := &BrownConrady{RadialK1: -0.08, RadialK2: 0.01, TangentialP1: 1e-3}
	for _, view := range testViews() {
		patternPoints, imagePoints := synthesize(t, &testCamera, dist, []spatialmath.Transform{view})
		pose, rms, err := EstimatePlanarPose(&testCamera, dist, patternPoints[0], imagePoints[0])
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pose.MaxDelta(view), test.ShouldBeLessThan, 1e-8)
		test.That(t, rms, test.ShouldBeLessThan, 1e-6)
	}

	_, _, err := EstimatePlanarPose(&PinholeCameraIntrinsics{}, nil, nil, nil)
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)

	_, _, err = EstimatePlanarPose(&testCamera, nil, []r3.Vector{{Z: 1}, {X: 1}, {Y: 1}, {X: 1, Y: 1}}, make([]r2.Point, 4))
	test.That(t, err, test.ShouldNotBeNil)
}
