package spatialmath

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// AverageTransforms returns the element-wise arithmetic mean of the homogeneous matrices with the
// rotation block projected back onto the nearest proper rotation.
func AverageTransforms(ts []Transform) (Transform, error) {
	if len(ts) == 0 {
		return NewZeroTransform(), errors.New("cannot average zero transforms")
	}
	sum := mat.NewDense(4, 4, nil)
	for _, t := range ts {
		sum.Add(sum, t.Matrix())
	}
	sum.Scale(1/float64(len(ts)), sum)
	return NewTransformFromMatrix(sum)
}
