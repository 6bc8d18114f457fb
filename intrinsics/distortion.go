package intrinsics

import "github.com/pkg/errors"

// BrownConrady is the radial and tangential lens distortion model. It maps undistorted
// normalized image coordinates to distorted ones:
//
//	x_d = x_u * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x_u*y_u + p2*(r² + 2*x_u²)
//	y_d = y_u * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p2*x_u*y_u + p1*(r² + 2*y_u²)
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NewBrownConrady takes in a slice of floats in the order k1, k2, k3, p1, p2. Missing values are zero.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	if len(inp) > 5 {
		return nil, errors.Errorf("list of parameters too long, expected max 5, got %d", len(inp))
	}
	params := make([]float64, 5)
	copy(params, inp)
	return &BrownConrady{params[0], params[1], params[2], params[3], params[4]}, nil
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// Transform distorts a normalized image point. A nil model is the identity.
func (bc *BrownConrady) Transform(xu, yu float64) (float64, float64) {
	if bc == nil {
		return xu, yu
	}
	xd, yd, _ := bc.distortWithJacobian(xu, yu)
	return xd, yd
}

// Inverse returns the model that undoes bc.
func (bc *BrownConrady) Inverse() *InverseBrownConrady {
	if bc == nil {
		return nil
	}
	return &InverseBrownConrady{forward: *bc}
}

// distortWithJacobian returns the distorted point and the row-major 2x2 Jacobian of the mapping.
func (bc *BrownConrady) distortWithJacobian(xu, yu float64) (float64, float64, [4]float64) {
	k1, k2, k3, p1, p2 := bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2
	r2 := xu*xu + yu*yu
	r4 := r2 * r2
	radial := 1 + k1*r2 + k2*r4 + k3*r4*r2
	xd := xu*radial + 2*p1*xu*yu + p2*(r2+2*xu*xu)
	yd := yu*radial + 2*p2*xu*yu + p1*(r2+2*yu*yu)

	dRadial := 2 * (k1 + 2*k2*r2 + 3*k3*r4)
	jac := [4]float64{
		radial + xu*xu*dRadial + 2*p1*yu + 6*p2*xu,
		xu*yu*dRadial + 2*p1*xu + 2*p2*yu,
		xu*yu*dRadial + 2*p2*yu + 2*p1*xu,
		radial + yu*yu*dRadial + 2*p2*xu + 6*p1*yu,
	}
	return xd, yd, jac
}

// InverseBrownConrady removes Brown-Conrady distortion from normalized image points by solving
// the forward model with Newton-Raphson iterations.
type InverseBrownConrady struct {
	forward BrownConrady
}

// Transform maps a distorted normalized point to its undistorted position. A nil model is the identity.
func (ibc *InverseBrownConrady) Transform(xd, yd float64) (float64, float64) {
	if ibc == nil {
		return xd, yd
	}
	const maxIterations = 20
	const tolerance = 1e-12

	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		xEst, yEst, jac := ibc.forward.distortWithJacobian(xu, yu)
		errX, errY := xEst-xd, yEst-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}
		det := jac[0]*jac[3] - jac[1]*jac[2]
		if det == 0 {
			break
		}
		xu -= (jac[3]*errX - jac[1]*errY) / det
		yu -= (-jac[2]*errX + jac[0]*errY) / det
	}
	return xu, yu
}
