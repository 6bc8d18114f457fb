package intrinsics

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/chaincal/spatialmath"
)

// EstimatePlanarPose recovers the transform mapping pattern frame points into the camera frame of
// an already calibrated camera. It returns the pose and its RMS reprojection error in pixels.
func EstimatePlanarPose(
	intr *PinholeCameraIntrinsics,
	dist *BrownConrady,
	patternPoints []r3.Vector,
	imagePoints []r2.Point,
) (spatialmath.Transform, float64, error) {
	if err := intr.CheckValid(); err != nil {
		return spatialmath.NewZeroTransform(), 0, err
	}
	if len(patternPoints) != len(imagePoints) {
		return spatialmath.NewZeroTransform(), 0,
			errors.Errorf("%d pattern points but %d image points", len(patternPoints), len(imagePoints))
	}

	undistort := dist.Inverse()
	plane := make([]r2.Point, len(patternPoints))
	normalized := make([]r2.Point, len(imagePoints))
	for i, p := range patternPoints {
		if math.Abs(p.Z) > 1e-9 {
			return spatialmath.NewZeroTransform(), 0, errors.Errorf("pattern point %d is not planar (z=%v)", i, p.Z)
		}
		plane[i] = r2.Point{X: p.X, Y: p.Y}
		x, y := undistort.Transform(intr.PixelToNormalized(imagePoints[i]))
		normalized[i] = r2.Point{X: x, Y: y}
	}

	h, err := EstimateHomography(plane, normalized)
	if err != nil {
		return spatialmath.NewZeroTransform(), 0, err
	}
	pose, err := poseFromHomography(h, &PinholeCameraIntrinsics{Fx: 1, Fy: 1})
	if err != nil {
		return spatialmath.NewZeroTransform(), 0, err
	}

	views := [][]r3.Vector{patternPoints}
	observed := [][]r2.Point{imagePoints}
	x0 := make([]float64, 6)
	encodePose(x0, pose)
	cost := func(x []float64) float64 {
		return sumSquaredError(intr, dist, []spatialmath.Transform{decodePose(x)}, views, observed)
	}
	if best, ok := minimize(cost, x0, 200); ok {
		pose = decodePose(best)
	}
	rms := ReprojectionError(intr, dist, []spatialmath.Transform{pose}, views, observed)
	return pose, rms, nil
}
