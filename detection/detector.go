// Package detection finds calibration pattern corners in camera images.
package detection

import (
	"context"
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// ErrPatternNotFound is returned when an image does not show the full pattern.
var ErrPatternNotFound = errors.New("not all pattern corners have been observed")

// Detector finds the rows x cols pattern corners in an image, ordered row-major.
type Detector interface {
	Detect(ctx context.Context, img image.Image, rows, cols int) ([]r2.Point, error)
}

// Check enforces that a detection returned exactly rows x cols corners.
func Check(points []r2.Point, rows, cols int) error {
	if len(points) == 0 {
		return ErrPatternNotFound
	}
	if len(points) != rows*cols {
		return errors.Wrapf(ErrPatternNotFound, "expected %d corners, got %d", rows*cols, len(points))
	}
	return nil
}

// DetectChecked runs the detector and applies Check.
func DetectChecked(ctx context.Context, d Detector, img image.Image, rows, cols int) ([]r2.Point, error) {
	points, err := d.Detect(ctx, img, rows, cols)
	if err != nil {
		return nil, err
	}
	if err := Check(points, rows, cols); err != nil {
		return nil, err
	}
	return points, nil
}
