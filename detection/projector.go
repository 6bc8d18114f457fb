package detection

import (
	"context"
	"image"
	"image/color"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/intrinsics"
	"go.viam.com/chaincal/pattern"
)

// Projector is a simulated detector. It ignores image content and projects the pattern corners
// through the current frame graph and the camera model, failing like a real detector would when
// a corner is behind the camera or outside the image.
type Projector struct {
	Frames       framegraph.Lookup
	CameraFrame  string
	PatternFrame string
	Intrinsics   *intrinsics.PinholeCameraIntrinsics
	Distortion   *intrinsics.BrownConrady
	Pattern      pattern.Checkerboard
}

// Detect projects the pattern corners.
func (p *Projector) Detect(ctx context.Context, _ image.Image, rows, cols int) ([]r2.Point, error) {
	if rows != p.Pattern.Rows || cols != p.Pattern.Cols {
		return nil, errors.Wrapf(ErrPatternNotFound, "projector pattern is %dx%d, asked for %dx%d",
			p.Pattern.Rows, p.Pattern.Cols, rows, cols)
	}
	camToPattern, err := p.Frames.LookupTransform(ctx, p.CameraFrame, p.PatternFrame, time.Time{})
	if err != nil {
		return nil, err
	}
	corners := p.Pattern.Points()
	out := make([]r2.Point, 0, len(corners))
	for _, c := range corners {
		px, ok := p.Intrinsics.Project(camToPattern.Apply(c), p.Distortion)
		if !ok || px.X < 0 || px.Y < 0 || px.X >= float64(p.Intrinsics.Width) || px.Y >= float64(p.Intrinsics.Height) {
			return nil, nil
		}
		out = append(out, px)
	}
	return out, nil
}

// Render draws the projected corners as white dots on a black image of the camera's size. It is
// used as the frame source of a simulated camera.
func (p *Projector) Render(ctx context.Context) (image.Image, error) {
	img := imaging.New(p.Intrinsics.Width, p.Intrinsics.Height, color.Black)
	corners, err := p.Detect(ctx, nil, p.Pattern.Rows, p.Pattern.Cols)
	if err != nil {
		return nil, err
	}
	for _, c := range corners {
		img.Set(int(math.Round(c.X)), int(math.Round(c.Y)), color.White)
	}
	return img, nil
}
