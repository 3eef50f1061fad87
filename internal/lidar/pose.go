package lidar

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// MatrixValidationTolerance is the tolerance for checking rotation matrix validity.
const MatrixValidationTolerance = 0.01

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Mul returns m·n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][0]*n[0][j] + m[i][1]*n[1][j] + m[i][2]*n[2][j]
		}
	}
	return out
}

// MulVec returns m·v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// RotX, RotY and RotZ are elementary rotations about the sensor axes.
func RotX(a float64) Mat3 {
	s, c := math.Sincos(a)
	return Mat3{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

func RotY(a float64) Mat3 {
	s, c := math.Sincos(a)
	return Mat3{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

func RotZ(a float64) Mat3 {
	s, c := math.Sincos(a)
	return Mat3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

// EulerToMat3 builds Rz(yaw)·Ry(pitch)·Rx(roll).
func EulerToMat3(roll, pitch, yaw float64) Mat3 {
	return RotZ(yaw).Mul(RotY(pitch)).Mul(RotX(roll))
}

// Mat3ToEuler inverts EulerToMat3. At gimbal lock roll is reported as zero.
func Mat3ToEuler(r Mat3) (roll, pitch, yaw float64) {
	sp := -r[2][0]
	if sp > 1 {
		sp = 1
	} else if sp < -1 {
		sp = -1
	}
	pitch = math.Asin(sp)
	if math.Abs(sp) > 1-1e-9 {
		return 0, pitch, math.Atan2(-r[0][1], r[1][1])
	}
	roll = math.Atan2(r[2][1], r[2][2])
	yaw = math.Atan2(r[1][0], r[0][0])
	return roll, pitch, yaw
}

// Pose is a rigid 6-DOF transform. Angles are radians and the rotation is
// Rz(Yaw)·Ry(Pitch)·Rx(Roll). Applied to a point p it yields R·p + t.
type Pose struct {
	X, Y, Z          float64
	Roll, Pitch, Yaw float64
}

// IdentityPose is the zero transform.
func IdentityPose() Pose { return Pose{} }

// NewPose builds a pose from a translation and rotation matrix.
func NewPose(t r3.Vector, r Mat3) Pose {
	roll, pitch, yaw := Mat3ToEuler(r)
	return Pose{X: t.X, Y: t.Y, Z: t.Z, Roll: roll, Pitch: pitch, Yaw: yaw}
}

// Translation returns the translation part.
func (p Pose) Translation() r3.Vector { return r3.Vector{X: p.X, Y: p.Y, Z: p.Z} }

// Rotation returns the rotation part.
func (p Pose) Rotation() Mat3 { return EulerToMat3(p.Roll, p.Pitch, p.Yaw) }

// Apply transforms v by the pose.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return p.Rotation().MulVec(v).Add(p.Translation())
}

// Compose returns p∘q: apply q first, then p.
func (p Pose) Compose(q Pose) Pose {
	rp := p.Rotation()
	return NewPose(rp.MulVec(q.Translation()).Add(p.Translation()), rp.Mul(q.Rotation()))
}

// Inverse returns the pose that undoes p.
func (p Pose) Inverse() Pose {
	rt := p.Rotation().T()
	return NewPose(rt.MulVec(p.Translation()).Mul(-1), rt)
}

// Between returns a⁻¹∘b, the motion from a to b expressed in a's frame.
func Between(a, b Pose) Pose {
	return a.Inverse().Compose(b)
}

// TranslationNorm returns the length of the translation.
func (p Pose) TranslationNorm() float64 { return p.Translation().Norm() }

// RotationAngle returns the magnitude of the rotation in radians.
func (p Pose) RotationAngle() float64 {
	r := p.Rotation()
	c := (r[0][0] + r[1][1] + r[2][2] - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return math.Acos(c)
}

// Vector returns [x, y, z, roll, pitch, yaw].
func (p Pose) Vector() []float64 {
	return []float64{p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw}
}

// PoseFromVector is the inverse of Vector.
func PoseFromVector(x []float64) Pose {
	return Pose{X: x[0], Y: x[1], Z: x[2], Roll: x[3], Pitch: x[4], Yaw: x[5]}
}

// Matrix returns the pose as a row-major 4x4 homogeneous matrix.
func (p Pose) Matrix() [16]float64 {
	r := p.Rotation()
	return [16]float64{
		r[0][0], r[0][1], r[0][2], p.X,
		r[1][0], r[1][1], r[1][2], p.Y,
		r[2][0], r[2][1], r[2][2], p.Z,
		0, 0, 0, 1,
	}
}

// PoseFromMatrix decodes a row-major 4x4 matrix.
func PoseFromMatrix(T [16]float64) (Pose, error) {
	if !IsValidTransformMatrix(T) {
		return Pose{}, fmt.Errorf("invalid transform matrix (not proper rigid transform)")
	}
	r := Mat3{{T[0], T[1], T[2]}, {T[4], T[5], T[6]}, {T[8], T[9], T[10]}}
	return NewPose(r3.Vector{X: T[3], Y: T[7], Z: T[11]}, r), nil
}

// IsValidTransformMatrix checks that T is a proper rigid transform: the
// rotation block has determinant 1 and the last row is [0 0 0 1].
func IsValidTransformMatrix(T [16]float64) bool {
	r00, r01, r02 := T[0], T[1], T[2]
	r10, r11, r12 := T[4], T[5], T[6]
	r20, r21, r22 := T[8], T[9], T[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.Abs(det-1.0) > MatrixValidationTolerance {
		return false
	}
	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}
	return true
}

// NormalizeAngle wraps a to (-π, π].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

func (p Pose) String() string {
	return fmt.Sprintf("t=(%.3f, %.3f, %.3f) rpy=(%.4f, %.4f, %.4f)", p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw)
}
