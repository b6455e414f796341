package photogrammetry

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestPoseInverse(t *testing.T) {
	pose := PoseFromAxisAngle(r3.Vector{X: 0.3, Y: -0.2, Z: 0.9}, r3.Vector{X: 1, Y: 2, Z: -3})
	test.That(t, pose.Mul(pose.Inverse()).IsIdentity(1e-12), test.ShouldBeTrue)
	test.That(t, pose.Inverse().Mul(pose).IsIdentity(1e-12), test.ShouldBeTrue)

	p := r3.Vector{X: -0.4, Y: 0.7, Z: 2}
	back := pose.Inverse().TransformPoint(pose.TransformPoint(p))
	test.That(t, back.Distance(p), test.ShouldBeLessThan, 1e-12)
}

func TestPoseExtrinsics(t *testing.T) {
	pose := PoseFromAxisAngle(r3.Vector{Y: math.Pi / 2}, r3.Vector{X: 1})
	ext := pose.Extrinsics()
	r, c := ext.Dims()
	test.That(t, r, test.ShouldEqual, 3)
	test.That(t, c, test.ShouldEqual, 4)

	// the camera center maps to the camera origin
	center := pose.Center()
	var h mat.VecDense
	h.MulVec(ext, mat.NewVecDense(4, []float64{center.X, center.Y, center.Z, 1}))
	test.That(t, mat.Norm(&h, 2), test.ShouldBeLessThan, 1e-12)

	test.That(t, CameraWorldCoordinates(ext.Slice(0, 3, 0, 3), r3.Vector{
		X: ext.At(0, 3), Y: ext.At(1, 3), Z: ext.At(2, 3),
	}).Distance(center), test.ShouldBeLessThan, 1e-12)
}

func TestAxisAngleRoundTrip(t *testing.T) {
	for _, rvec := range []r3.Vector{
		{},
		{X: 0.1},
		{X: 0.3, Y: -0.5, Z: 0.2},
		{Z: math.Pi - 1e-3},
		{X: math.Pi},
		{X: math.Pi / math.Sqrt2, Y: math.Pi / math.Sqrt2},
	} {
		pose := PoseFromAxisAngle(rvec, r3.Vector{})
		got := PoseFromAxisAngle(pose.AxisAngle(), r3.Vector{})
		test.That(t, got.ApproxEqual(pose, 1e-6), test.ShouldBeTrue)
	}
}

func TestNewPose(t *testing.T) {
	_, err := NewPose(mat.NewDense(3, 3, []float64{2, 0, 0, 0, 1, 0, 0, 0, 1}), r3.Vector{})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)

	_, err = NewPose(mat.NewDense(3, 3, []float64{-1, 0, 0, 0, 1, 0, 0, 0, 1}), r3.Vector{})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)

	_, err = NewPose(mat.NewDense(2, 2, nil), r3.Vector{})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)

	want := PoseFromAxisAngle(r3.Vector{X: 0.2, Y: 0.1}, r3.Vector{X: 4, Y: 5, Z: 6})
	got, err := NewPoseFromMatrix(want.Matrix())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.ApproxEqual(want, 1e-12), test.ShouldBeTrue)

	got, err = NewPoseFromMatrix(want.Matrix().Slice(0, 3, 0, 4))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.ApproxEqual(want, 1e-12), test.ShouldBeTrue)

	bad := want.Matrix()
	bad.Set(3, 0, 1)
	_, err = NewPoseFromMatrix(bad)
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
}

func TestIsIdentity(t *testing.T) {
	test.That(t, Pose{}.IsIdentity(0), test.ShouldBeTrue)
	test.That(t, IdentityPose().IsIdentity(0), test.ShouldBeTrue)
	test.That(t, PoseFromAxisAngle(r3.Vector{}, r3.Vector{Z: 1}).IsIdentity(1e-9), test.ShouldBeFalse)
	test.That(t, PoseFromAxisAngle(r3.Vector{X: 0.1}, r3.Vector{}).IsIdentity(1e-9), test.ShouldBeFalse)
}

func TestLookAt(t *testing.T) {
	center := r3.Vector{X: 3, Y: -2, Z: -5}
	target := r3.Vector{X: 0.5, Y: 0.5}
	pose, err := LookAt(center, target)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Center(), test.ShouldResemble, center)

	// the target lies on the optical axis, in front of the camera
	inCam := pose.Inverse().TransformPoint(target)
	test.That(t, inCam.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, inCam.Y, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, inCam.Z, test.ShouldAlmostEqual, target.Sub(center).Norm(), 1e-12)
	test.That(t, mat.Det(pose.Rotation()), test.ShouldAlmostEqual, 1, 1e-12)

	_, err = LookAt(center, center)
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)

	_, err = LookAt(r3.Vector{}, r3.Vector{Y: 2})
	test.That(t, err, test.ShouldBeNil)
}
