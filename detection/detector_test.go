package detection

import (
	"context"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/intrinsics"
	"go.viam.com/chaincal/pattern"
	"go.viam.com/chaincal/spatialmath"
)

func newTestProjector(t *testing.T, camToPattern spatialmath.Transform) *Projector {
	t.Helper()
	g := framegraph.NewGraph("sim")
	test.That(t, g.AddFrame("camera", framegraph.World, spatialmath.NewZeroTransform()), test.ShouldBeNil)
	test.That(t, g.AddFrame("checkerboard", "camera", camToPattern), test.ShouldBeNil)
	return &Projector{
		Frames:       g,
		CameraFrame:  "camera",
		PatternFrame: "checkerboard",
		Intrinsics:   &intrinsics.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240},
		Pattern:      pattern.Checkerboard{Rows: 4, Cols: 6, CellSize: 0.05},
	}
}

func TestCheck(t *testing.T) {
	test.That(t, errors.Is(Check(nil, 4, 6), ErrPatternNotFound), test.ShouldBeTrue)
	test.That(t, errors.Is(Check(make([]r2.Point, 23), 4, 6), ErrPatternNotFound), test.ShouldBeTrue)
	test.That(t, Check(make([]r2.Point, 24), 4, 6), test.ShouldBeNil)
}

func TestProjector(t *testing.T) {
	ctx := context.Background()
	p := newTestProjector(t, spatialmath.NewTransformFromRPY(-0.125, -0.075, 1, 0, 0, 0))

	pts, err := DetectChecked(ctx, p, nil, 4, 6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(pts), test.ShouldEqual, 24)
	test.That(t, pts[0].X, test.ShouldAlmostEqual, 320-0.125*500)
	test.That(t, pts[0].Y, test.ShouldAlmostEqual, 240-0.075*500)
	test.That(t, pts[1].X-pts[0].X, test.ShouldAlmostEqual, 0.05*500)

	_, err = DetectChecked(ctx, p, nil, 5, 6)
	test.That(t, errors.Is(err, ErrPatternNotFound), test.ShouldBeTrue)

	img, err := p.Render(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 640)
	r, _, _, _ := img.At(int(pts[0].X+0.5), int(pts[0].Y+0.5)).RGBA()
	test.That(t, r, test.ShouldEqual, 0xffff)

	// Behind the camera, nothing is detected.
	behind := newTestProjector(t, spatialmath.NewTransformFromRPY(0, 0, -1, 0, 0, 0))
	_, err = DetectChecked(ctx, behind, nil, 4, 6)
	test.That(t, errors.Is(err, ErrPatternNotFound), test.ShouldBeTrue)

	// Partly outside the image.
	offImage := newTestProjector(t, spatialmath.NewTransformFromRPY(0.5, 0, 1, 0, 0, 0))
	_, err = DetectChecked(ctx, offImage, nil, 4, 6)
	test.That(t, errors.Is(err, ErrPatternNotFound), test.ShouldBeTrue)
}
