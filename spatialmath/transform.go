// Package spatialmath defines rigid transforms and the point set alignment used to solve for
// unknown links of a kinematic chain.
package spatialmath

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Transform is a rigid body transform. Applied to a point expressed in the child frame it
// returns the point expressed in the parent frame.
type Transform struct {
	rotation    RotationMatrix
	translation r3.Vector
}

// NewZeroTransform returns the identity transform.
func NewZeroTransform() Transform {
	return Transform{rotation: *NewIdentityRotationMatrix()}
}

// NewTransform creates a transform from a rotation and a translation.
func NewTransform(rotation *RotationMatrix, translation r3.Vector) Transform {
	return Transform{rotation: *rotation, translation: translation}
}

// NewTransformFromRPY creates a transform from a translation and roll, pitch, yaw angles in radians.
func NewTransformFromRPY(x, y, z, roll, pitch, yaw float64) Transform {
	ea := EulerAngles{Roll: roll, Pitch: pitch, Yaw: yaw}
	return NewTransform(ea.RotationMatrix(), r3.Vector{X: x, Y: y, Z: z})
}

// NewTransformFromMatrix reads a 4x4 homogeneous matrix. The rotation block is projected onto the
// nearest proper rotation so that averaged or drifting inputs come back valid.
func NewTransformFromMatrix(m mat.Matrix) (Transform, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return NewZeroTransform(), errors.Errorf("expected 4x4 matrix, got %dx%d", r, c)
	}
	rot, err := Orthonormalize(m)
	if err != nil {
		return NewZeroTransform(), err
	}
	return NewTransform(rot, r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}), nil
}

// Rotation returns the rotation block.
func (t Transform) Rotation() *RotationMatrix {
	rm := t.rotation
	return &rm
}

// Point returns the translation.
func (t Transform) Point() r3.Vector {
	return t.translation
}

// Compose returns t*other, i.e. other applied first.
func (t Transform) Compose(other Transform) Transform {
	return Transform{
		rotation:    *t.rotation.Mul(&other.rotation),
		translation: t.rotation.Apply(other.translation).Add(t.translation),
	}
}

// Inverse returns the transform mapping parent frame points back to the child frame.
func (t Transform) Inverse() Transform {
	rt := t.rotation.Transpose()
	return Transform{rotation: *rt, translation: rt.Apply(t.translation).Mul(-1)}
}

// Apply maps a point from the child frame to the parent frame.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return t.rotation.Apply(p).Add(t.translation)
}

// ApplyAll maps every point of pts.
func (t Transform) ApplyAll(pts []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i, p := range pts {
		out[i] = t.Apply(p)
	}
	return out
}

// Matrix returns the 4x4 homogeneous matrix.
func (t Transform) Matrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, t.rotation.At(r, c))
		}
	}
	m.Set(0, 3, t.translation.X)
	m.Set(1, 3, t.translation.Y)
	m.Set(2, 3, t.translation.Z)
	m.Set(3, 3, 1)
	return m
}

// Rows returns the 4x4 homogeneous matrix as nested rows.
func (t Transform) Rows() [4][4]float64 {
	var rows [4][4]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = t.rotation.At(r, c)
		}
	}
	rows[0][3], rows[1][3], rows[2][3] = t.translation.X, t.translation.Y, t.translation.Z
	rows[3][3] = 1
	return rows
}

// MaxDelta returns the largest absolute element difference between the homogeneous matrices of t
// and other.
func (t Transform) MaxDelta(other Transform) float64 {
	a, b := t.Rows(), other.Rows()
	var delta float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			delta = math.Max(delta, math.Abs(a[r][c]-b[r][c]))
		}
	}
	return delta
}

// TransformAlmostEqual compares two transforms element-wise.
func TransformAlmostEqual(a, b Transform, tol float64) bool {
	return a.MaxDelta(b) <= tol
}

// RotationDistance returns the angle in radians of the rotation taking a onto b.
func RotationDistance(a, b Transform) float64 {
	rel := a.rotation.Transpose().Mul(&b.rotation)
	return rel.AxisAngles().Theta
}

func (t Transform) String() string {
	ea := t.rotation.EulerAngles()
	return fmt.Sprintf("{xyz: [%.6f %.6f %.6f] rpy: [%.6f %.6f %.6f]}",
		t.translation.X, t.translation.Y, t.translation.Z, ea.Roll, ea.Pitch, ea.Yaw)
}

// MarshalJSON encodes the transform as its 4x4 homogeneous matrix, one array per row.
func (t Transform) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Rows())
}

// UnmarshalJSON decodes a 4x4 row array. Values are restored exactly, the rotation block is only
// checked, not projected.
func (t *Transform) UnmarshalJSON(data []byte) error {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	if len(rows) != 4 {
		return errors.Errorf("expected 4 rows in transform, got %d", len(rows))
	}
	for i, row := range rows {
		if len(row) != 4 {
			return errors.Errorf("expected 4 columns in transform row %d, got %d", i, len(row))
		}
	}
	rot, err := NewRotationMatrix([]float64{
		rows[0][0], rows[0][1], rows[0][2],
		rows[1][0], rows[1][1], rows[1][2],
		rows[2][0], rows[2][1], rows[2][2],
	})
	if err != nil {
		return err
	}
	*t = NewTransform(rot, r3.Vector{X: rows[0][3], Y: rows[1][3], Z: rows[2][3]})
	return nil
}
