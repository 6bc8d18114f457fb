// Package pattern describes the planar calibration target.
package pattern

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Checkerboard is a planar grid of Rows x Cols inner corners spaced CellSize meters apart. Corners
// lie in the z=0 plane of the pattern frame with the first corner at the origin.
type Checkerboard struct {
	Rows     int     `json:"rows"`
	Cols     int     `json:"cols"`
	CellSize float64 `json:"cell_size"`
}

// Validate ensures all parts of the pattern are valid.
func (cb *Checkerboard) Validate(path string) error {
	if cb.Rows < 1 {
		return errors.Errorf("%s: rows must be at least 1, got %d", path, cb.Rows)
	}
	if cb.Cols < 1 {
		return errors.Errorf("%s: cols must be at least 1, got %d", path, cb.Cols)
	}
	if cb.CellSize <= 0 {
		return errors.Errorf("%s: cell_size must be positive, got %v", path, cb.CellSize)
	}
	return nil
}

// NumPoints is the number of corners a detection must return.
func (cb *Checkerboard) NumPoints() int {
	return cb.Rows * cb.Cols
}

// Points returns the corners in row-major order.
func (cb *Checkerboard) Points() []r3.Vector {
	return Generate(cb.Rows, cb.Cols, cb.CellSize, 1)[0]
}

// Generate returns numViews identical copies of the pattern corners (u*cellSize, v*cellSize, 0),
// ordered row-major with 0 <= u < cols and 0 <= v < rows.
func Generate(rows, cols int, cellSize float64, numViews int) [][]r3.Vector {
	views := make([][]r3.Vector, numViews)
	for i := range views {
		pts := make([]r3.Vector, 0, rows*cols)
		for v := 0; v < rows; v++ {
			for u := 0; u < cols; u++ {
				pts = append(pts, r3.Vector{X: float64(u) * cellSize, Y: float64(v) * cellSize})
			}
		}
		views[i] = pts
	}
	return views
}
