package photogrammetry

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// orthonormalTolerance bounds |R^T R - I| for a matrix accepted as a rotation.
const orthonormalTolerance = 1e-6

// Pose is a rigid transform, the 4x4 homogeneous matrix [R t; 0 0 0 1].
//
// Every Pose handed to or returned by this module is a camera pose expressed in world
// coordinates: it maps camera coordinates to world coordinates. The world to camera
// extrinsics are its Inverse.
type Pose struct {
	rot   [9]float64
	trans r3.Vector
}

// IdentityPose returns the identity transform.
func IdentityPose() Pose {
	return Pose{rot: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// NewPose builds a pose from a 3x3 rotation and a translation.
func NewPose(rotation mat.Matrix, translation r3.Vector) (Pose, error) {
	if r, c := rotation.Dims(); r != 3 || c != 3 {
		return Pose{}, errors.Wrapf(ErrInvalidInput, "rotation must be 3x3, got %dx%d", r, c)
	}
	var p Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.rot[3*i+j] = rotation.At(i, j)
		}
	}
	p.trans = translation
	if err := p.checkRotation(); err != nil {
		return Pose{}, err
	}
	return p, nil
}

// NewPoseFromMatrix builds a pose from a 3x4 or 4x4 homogeneous matrix.
func NewPoseFromMatrix(m mat.Matrix) (Pose, error) {
	r, c := m.Dims()
	if c != 4 || (r != 3 && r != 4) {
		return Pose{}, errors.Wrapf(ErrInvalidInput, "pose matrix must be 3x4 or 4x4, got %dx%d", r, c)
	}
	if r == 4 {
		for j, want := range []float64{0, 0, 0, 1} {
			if math.Abs(m.At(3, j)-want) > orthonormalTolerance {
				return Pose{}, errors.Wrapf(ErrInvalidInput, "pose bottom row must be [0 0 0 1], got %v", mat.Row(nil, 3, m))
			}
		}
	}
	rot := mat.DenseCopyOf(m).Slice(0, 3, 0, 3)
	return NewPose(rot, r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)})
}

// PoseFromAxisAngle builds a pose from a Rodrigues rotation vector and a translation.
func PoseFromAxisAngle(rvec, translation r3.Vector) Pose {
	return Pose{rot: rodrigues(rvec), trans: translation}
}

func (p Pose) checkRotation() error {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := p.rot[i]*p.rot[j] + p.rot[3+i]*p.rot[3+j] + p.rot[6+i]*p.rot[6+j]
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > orthonormalTolerance {
				return errors.Wrap(ErrInvalidInput, "pose rotation is not orthonormal")
			}
		}
	}
	if det := p.det(); det < 0 {
		return errors.Wrap(ErrInvalidInput, "pose rotation is a reflection")
	}
	return nil
}

func (p Pose) det() float64 {
	r := p.rot
	return r[0]*(r[4]*r[8]-r[5]*r[7]) - r[1]*(r[3]*r[8]-r[5]*r[6]) + r[2]*(r[3]*r[7]-r[4]*r[6])
}

// Rotation returns a copy of the 3x3 rotation block.
func (p Pose) Rotation() *mat.Dense {
	data := p.rot
	return mat.NewDense(3, 3, data[:])
}

// Translation returns the translation part.
func (p Pose) Translation() r3.Vector {
	return p.trans
}

// Center returns the camera optical center in world coordinates.
func (p Pose) Center() r3.Vector {
	return p.trans
}

// Matrix returns the 4x4 homogeneous matrix.
func (p Pose) Matrix() *mat.Dense {
	r := p.rot
	return mat.NewDense(4, 4, []float64{
		r[0], r[1], r[2], p.trans.X,
		r[3], r[4], r[5], p.trans.Y,
		r[6], r[7], r[8], p.trans.Z,
		0, 0, 0, 1,
	})
}

// Extrinsics returns the 3x4 world to camera matrix [R|t] of the camera at this pose.
func (p Pose) Extrinsics() *mat.Dense {
	inv := p.Inverse()
	return mat.DenseCopyOf(inv.Matrix().Slice(0, 3, 0, 4))
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	r := p.rot
	inv := Pose{rot: [9]float64{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}}
	inv.trans = inv.Rotate(p.trans).Mul(-1)
	return inv
}

// Mul returns the composition p.q, q being applied first.
func (p Pose) Mul(q Pose) Pose {
	var out Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.rot[3*i+j] = p.rot[3*i]*q.rot[j] + p.rot[3*i+1]*q.rot[3+j] + p.rot[3*i+2]*q.rot[6+j]
		}
	}
	out.trans = p.TransformPoint(q.trans)
	return out
}

// Rotate applies the rotation only.
func (p Pose) Rotate(v r3.Vector) r3.Vector {
	r := p.rot
	return r3.Vector{
		X: r[0]*v.X + r[1]*v.Y + r[2]*v.Z,
		Y: r[3]*v.X + r[4]*v.Y + r[5]*v.Z,
		Z: r[6]*v.X + r[7]*v.Y + r[8]*v.Z,
	}
}

// TransformPoint applies the full rigid transform.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return p.Rotate(v).Add(p.trans)
}

// AxisAngle returns the Rodrigues vector of the rotation.
func (p Pose) AxisAngle() r3.Vector {
	r := p.rot
	cosTheta := math.Max(-1, math.Min(1, (r[0]+r[4]+r[8]-1)/2))
	theta := math.Acos(cosTheta)
	axis := r3.Vector{X: r[7] - r[5], Y: r[2] - r[6], Z: r[3] - r[1]}
	switch {
	case theta < 1e-12:
		return r3.Vector{}
	case math.Pi-theta < 1e-6:
		// sin(theta) vanishes, recover the axis from the diagonal of (R+I)/2
		x := math.Sqrt(math.Max(0, (r[0]+1)/2))
		y := math.Sqrt(math.Max(0, (r[4]+1)/2))
		z := math.Sqrt(math.Max(0, (r[8]+1)/2))
		if r[1]+r[3] < 0 {
			y = -y
		}
		if r[2]+r[6] < 0 {
			z = -z
		}
		if x == 0 && r[5]+r[7] < 0 {
			z = -z
		}
		return r3.Vector{X: x, Y: y, Z: z}.Normalize().Mul(theta)
	}
	return axis.Mul(theta / (2 * math.Sin(theta)))
}

// IsIdentity reports whether p is the identity within tol, or is the zero value.
func (p Pose) IsIdentity(tol float64) bool {
	if p == (Pose{}) {
		return true
	}
	id := IdentityPose()
	for i := range p.rot {
		if math.Abs(p.rot[i]-id.rot[i]) > tol {
			return false
		}
	}
	return p.trans.Norm() <= tol
}

// ApproxEqual compares two poses entry by entry.
func (p Pose) ApproxEqual(q Pose, tol float64) bool {
	for i := range p.rot {
		if math.Abs(p.rot[i]-q.rot[i]) > tol {
			return false
		}
	}
	return p.trans.Sub(q.trans).Norm() <= tol
}

func rodrigues(rvec r3.Vector) [9]float64 {
	theta := rvec.Norm()
	if theta < 1e-12 {
		// first order expansion I + [r]x
		return [9]float64{
			1, -rvec.Z, rvec.Y,
			rvec.Z, 1, -rvec.X,
			-rvec.Y, rvec.X, 1,
		}
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return [9]float64{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	}
}

// LookAt returns the pose of a camera at center whose optical axis points to target, the
// image y axis following the world +Y direction as closely as possible.
func LookAt(center, target r3.Vector) (Pose, error) {
	z := target.Sub(center).Normalize()
	if z.Norm2() == 0 {
		return Pose{}, errors.Wrap(ErrInvalidInput, "camera center and target coincide")
	}
	down := r3.Vector{Y: 1}
	if math.Abs(z.Dot(down)) > 1-1e-9 {
		down = r3.Vector{Z: 1}
	}
	x := down.Cross(z).Normalize()
	y := z.Cross(x)
	rot := mat.NewDense(3, 3, []float64{
		x.X, y.X, z.X,
		x.Y, y.Y, z.Y,
		x.Z, y.Z, z.Z,
	})
	return NewPose(rot, center)
}
