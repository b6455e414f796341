package photogrammetry

import (
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// OpenCVDistortValues is the number of coefficients of the rational distortion model
// k1, k2, p1, p2, k3, k4, k5, k6. Shorter vectors are padded with zeros.
const OpenCVDistortValues = 8

// MaxIter bounds the fixed point undistortion.
const MaxIter = 100

const undistortEpsilon = 1e-24

type distortionCoeffs [OpenCVDistortValues]float64

func newDistortionCoeffs(coeffs []float64) distortionCoeffs {
	var d distortionCoeffs
	copy(d[:], coeffs)
	return d
}

func (d distortionCoeffs) isZero() bool {
	return d == distortionCoeffs{}
}

// distort applies the lens model to normalized, undistorted coordinates.
func (d distortionCoeffs) distort(p r2.Point) r2.Point {
	k1, k2, p1, p2, k3, k4, k5, k6 := d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7]
	xu, yu := p.X, p.Y

	rsq := xu*xu + yu*yu
	r4 := rsq * rsq
	r6 := r4 * rsq
	radial := (1 + k1*rsq + k2*r4 + k3*r6) / (1 + k4*rsq + k5*r4 + k6*r6)
	x := xu*radial + 2*p1*xu*yu + p2*(rsq+2*xu*xu)
	y := yu*radial + 2*p2*xu*yu + p1*(rsq+2*yu*yu)
	return r2Point(x, y)
}

// undistort inverts distort by fixed point iteration, starting from the distorted point.
func (d distortionCoeffs) undistort(p r2.Point) r2.Point {
	if d.isZero() {
		return p
	}
	k1, k2, p1, p2, k3, k4, k5, k6 := d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7]

	x, y := p.X, p.Y
	x0, y0 := x, y
	for range MaxIter {
		rsq := x*x + y*y
		kInv := (1 + k4*rsq + k5*math.Pow(rsq, 2) + k6*math.Pow(rsq, 3)) / (1 + k1*rsq + k2*math.Pow(rsq, 2) + k3*math.Pow(rsq, 3))
		deltaX := 2*p1*x*y + p2*(rsq+2*x*x)
		deltaY := p1*(rsq+2*y*y) + 2*p2*x*y
		xPrev, yPrev := x, y
		x = (x0 - deltaX) * kInv
		y = (y0 - deltaY) * kInv
		if e := math.Pow(xPrev-x, 2) + math.Pow(yPrev-y, 2); e < undistortEpsilon {
			break
		}
	}
	return r2Point(x, y)
}

func r2Point(x, y float64) r2.Point {
	return r2.Point{X: x, Y: y}
}

// normalizePixel maps a pixel to the normalized image plane through K^-1.
func normalizePixel(point r2.Point, intrinsics mat.Matrix) r2.Point {
	fx, fy, skew := intrinsics.At(0, 0), intrinsics.At(1, 1), intrinsics.At(0, 1)
	cx, cy := intrinsics.At(0, 2), intrinsics.At(1, 2)

	y := (point.Y - cy) / fy
	x := (point.X - cx - skew*y) / fx
	return r2Point(x, y)
}

func denormalizePixel(normPoint r2.Point, intrinsics mat.Matrix) r2.Point {
	fx, fy, skew := intrinsics.At(0, 0), intrinsics.At(1, 1), intrinsics.At(0, 1)
	cx, cy := intrinsics.At(0, 2), intrinsics.At(1, 2)

	return r2Point(normPoint.X*fx+normPoint.Y*skew+cx, normPoint.Y*fy+cy)
}

// ProjectionMatrix returns K.[R|t], extrinsics being a 3x4 or 4x4 world to camera matrix.
func ProjectionMatrix(intrinsics mat.Matrix, extrinsics mat.Matrix) *mat.Dense {
	extrinsicsMat := mat.DenseCopyOf(extrinsics)
	extrinsics = extrinsicsMat.Slice(0, 3, 0, 4)
	var projMat mat.Dense
	projMat.Mul(intrinsics, extrinsics)

	return &projMat
}
