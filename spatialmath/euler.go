package spatialmath

import (
	"math"
)

// EulerAngles are fixed-axis roll (about x), pitch (about y) and yaw (about z) angles in radians,
// applied in that order. This is the convention of URDF "rpy" attributes, so R = Rz(yaw)*Ry(pitch)*Rx(roll).
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// RotationMatrix returns the rotation described by the angles.
func (ea *EulerAngles) RotationMatrix() *RotationMatrix {
	cr, sr := math.Cos(ea.Roll), math.Sin(ea.Roll)
	cp, sp := math.Cos(ea.Pitch), math.Sin(ea.Pitch)
	cy, sy := math.Cos(ea.Yaw), math.Sin(ea.Yaw)
	return &RotationMatrix{[9]float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	}}
}

// EulerAngles extracts roll, pitch and yaw. At gimbal lock (|pitch| = pi/2) roll is reported as 0.
func (rm *RotationMatrix) EulerAngles() *EulerAngles {
	m := rm.mat
	sp := -m[6]
	if sp >= 1-1e-12 || sp <= -1+1e-12 {
		pitch := math.Copysign(math.Pi/2, sp)
		return &EulerAngles{Roll: 0, Pitch: pitch, Yaw: math.Atan2(-m[1], m[4])}
	}
	return &EulerAngles{
		Roll:  math.Atan2(m[7], m[8]),
		Pitch: math.Asin(sp),
		Yaw:   math.Atan2(m[3], m[0]),
	}
}
