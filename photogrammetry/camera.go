package photogrammetry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/recon/linalg"
)

// minDepth is the smallest |z| in camera coordinates a point may have to be projected.
const minDepth = 1e-12

// CameraModel holds the intrinsic and distortion parameters of a pinhole camera.
//
// A CameraModel is read concurrently by every pipeline stage it is given to. SetParameters
// must not run while a triangulation or a pose estimation is using the same instance:
// callers either keep one model per pipeline or serialize reconfiguration themselves.
type CameraModel struct {
	intrinsics *mat.Dense
	distortion distortionCoeffs
	nbCoeffs   int
}

// NewCameraModel returns a model with its parameters already set.
func NewCameraModel(intrinsic mat.Matrix, distortion []float64) (*CameraModel, error) {
	c := &CameraModel{}
	if err := c.SetParameters(intrinsic, distortion); err != nil {
		return nil, err
	}
	return c, nil
}

// NewCameraModelFromIntrinsics builds a model from its project file form.
func NewCameraModelFromIntrinsics(in Intrinsics) (*CameraModel, error) {
	k, err := in.CameraMatrix.Dense()
	if err != nil {
		return nil, errors.Wrap(err, "camera matrix")
	}
	var dist []float64
	if len(in.DistortionMatrix.Data) > 0 {
		dist = in.DistortionMatrix.Data
	}
	return NewCameraModel(k, dist)
}

// SetParameters replaces the calibration. Only shapes are checked: the intrinsic matrix must
// be 3x3 with non zero focal lengths, the distortion vector must hold 0 or 4 to 8 coefficients
// in OpenCV order, missing ones being zero.
func (c *CameraModel) SetParameters(intrinsic mat.Matrix, distortion []float64) error {
	if r, col := intrinsic.Dims(); r != 3 || col != 3 {
		return errors.Wrapf(ErrInvalidInput, "intrinsic matrix must be 3x3, got %dx%d", r, col)
	}
	if n := len(distortion); n != 0 && (n < 4 || n > OpenCVDistortValues) {
		return errors.Wrapf(ErrInvalidInput, "expected 0 or 4 to %d distortion coefficients, got %d", OpenCVDistortValues, n)
	}
	k := mat.DenseCopyOf(intrinsic)
	if k22 := k.At(2, 2); k22 != 1 && k22 != 0 {
		k.Scale(1/k22, k)
	}
	if k.At(0, 0) == 0 || k.At(1, 1) == 0 {
		return errors.Wrapf(ErrInvalidInput, "invalid focal lengths fx=%v fy=%v", k.At(0, 0), k.At(1, 1))
	}

	c.intrinsics = k
	c.distortion = newDistortionCoeffs(distortion)
	c.nbCoeffs = len(distortion)
	return nil
}

func (c *CameraModel) check() error {
	if c == nil || c.intrinsics == nil {
		return ErrUninitializedCamera
	}
	return nil
}

// Initialized reports whether SetParameters succeeded at least once.
func (c *CameraModel) Initialized() bool {
	return c.check() == nil
}

// Intrinsics returns a copy of the 3x3 camera matrix.
func (c *CameraModel) Intrinsics() (*mat.Dense, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(c.intrinsics), nil
}

// Distortion returns the distortion coefficients as they were set.
func (c *CameraModel) Distortion() ([]float64, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	out := make([]float64, c.nbCoeffs)
	copy(out, c.distortion[:c.nbCoeffs])
	return out, nil
}

// ProjectionMatrix returns K.[R|t] for the camera at pose, [R|t] being pose.Extrinsics().
func (c *CameraModel) ProjectionMatrix(pose Pose) (*mat.Dense, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return ProjectionMatrix(c.intrinsics, pose.Extrinsics()), nil
}

// Project maps a world point to a distorted pixel for the camera at pose.
func (c *CameraModel) Project(point r3.Vector, pose Pose) (r2.Point, error) {
	if err := c.check(); err != nil {
		return r2.Point{}, err
	}
	return c.ProjectFromCamera(pose.Inverse().TransformPoint(point))
}

// ProjectPoints projects a batch of world points.
func (c *CameraModel) ProjectPoints(points []r3.Vector, pose Pose) ([]r2.Point, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	toCamera := pose.Inverse()
	out := make([]r2.Point, len(points))
	for i, p := range points {
		px, err := c.ProjectFromCamera(toCamera.TransformPoint(p))
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		out[i] = px
	}
	return out, nil
}

// ProjectFromCamera maps a point given in camera coordinates to a distorted pixel.
func (c *CameraModel) ProjectFromCamera(pc r3.Vector) (r2.Point, error) {
	if err := c.check(); err != nil {
		return r2.Point{}, err
	}
	if math.Abs(pc.Z) < minDepth {
		return r2.Point{}, errors.Errorf("point %v lies on the camera plane", pc)
	}
	norm := r2Point(pc.X/pc.Z, pc.Y/pc.Z)
	return denormalizePixel(c.distortion.distort(norm), c.intrinsics), nil
}

// Distort applies the lens model to a normalized image point.
func (c *CameraModel) Distort(normalized r2.Point) r2.Point {
	return c.distortion.distort(normalized)
}

// NormalizedUndistorted maps an observed pixel to undistorted normalized coordinates, K^-1 applied.
func (c *CameraModel) NormalizedUndistorted(pixel r2.Point) (r2.Point, error) {
	if err := c.check(); err != nil {
		return r2.Point{}, err
	}
	return c.distortion.undistort(normalizePixel(pixel, c.intrinsics)), nil
}

// Undistort removes lens distortion from an observed pixel, the result stays in pixels.
func (c *CameraModel) Undistort(pixel r2.Point) (r2.Point, error) {
	n, err := c.NormalizedUndistorted(pixel)
	if err != nil {
		return r2.Point{}, err
	}
	return denormalizePixel(n, c.intrinsics), nil
}

// Unproject returns the world ray of the camera at pose passing through pixel.
// The undistortion is iterative and loses precision far from the image center under
// strong distortion.
func (c *CameraModel) Unproject(pixel r2.Point, pose Pose) (Ray, error) {
	n, err := c.NormalizedUndistorted(pixel)
	if err != nil {
		return Ray{}, err
	}
	dir := pose.Rotate(r3.Vector{X: n.X, Y: n.Y, Z: 1}).Normalize()
	return Ray{Origin: pose.Center(), Direction: dir}, nil
}

// FundamentalMatrix returns F such that x2^T.F.x1 = 0 for pixels of the same point seen by
// the camera at pose1 and the camera at pose2.
func (c *CameraModel) FundamentalMatrix(pose1, pose2 Pose) (*mat.Dense, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	rel := pose2.Inverse().Mul(pose1)

	var essential mat.Dense
	essential.Mul(linalg.Cross(rel.Translation()), rel.Rotation())

	var kInv mat.Dense
	if err := kInv.Inverse(c.intrinsics); err != nil {
		return nil, errors.Wrap(err, "intrinsic matrix is not invertible")
	}
	var f mat.Dense
	f.Mul(kInv.T(), &essential)
	f.Mul(&f, &kInv)
	return &f, nil
}
