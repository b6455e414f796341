package photogrammetry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/recon/linalg"
)

// anglePrecision is the number of decimals kept by the angle conversions.
const anglePrecision = 10

// FormatMatrixPrint lays a matrix out over indented, squeezed columns for logs.
func FormatMatrixPrint(matrix mat.Matrix) fmt.Formatter {
	return mat.Formatted(matrix, mat.Prefix("    "), mat.Squeeze())
}

func round(val float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

// Degrees2Rad converts an angle in degrees to radians.
func Degrees2Rad(deg float64) float64 {
	return round(deg/180*math.Pi, anglePrecision)
}

// Rad2Degrees converts an angle in radians to degrees.
func Rad2Degrees(rad float64) float64 {
	return round(rad/math.Pi*180, anglePrecision)
}

// CameraWorldCoordinates returns the optical center -R^T.t of world to camera extrinsics [R|t].
func CameraWorldCoordinates(rotation mat.Matrix, trans r3.Vector) r3.Vector {
	var c mat.VecDense
	c.MulVec(rotation.T(), mat.NewVecDense(3, []float64{trans.X, trans.Y, trans.Z}))
	return r3.Vector{X: -c.AtVec(0), Y: -c.AtVec(1), Z: -c.AtVec(2)}
}

// LongLat returns the longitude and latitude, in radians, of the direction of vector.
func LongLat(vector r3.Vector) (float64, float64) {
	v := vector.Normalize()

	latitude := math.Atan2(v.Z, math.Sqrt(v.X*v.X+v.Y*v.Y))
	longitude := math.Atan2(v.Y, v.X)
	return longitude, latitude
}

// SphereFit fits a sphere through the camera centers of a rig by linear least squares
// (Charles Jekel's formulation): |p|^2 = 2 p.c + (r^2 - |c|^2).
//
// Args:
// centers: camera positions in world coordinates, at least 4 not coplanar
//
// Returns:
// float64: radius of the sphere
// r3.Vector: center of the sphere
func SphereFit(centers []r3.Vector) (float64, r3.Vector, error) {
	if len(centers) < 4 {
		return 0, r3.Vector{}, errors.Wrapf(ErrInvalidInput, "need at least 4 centers to fit a sphere, got %d", len(centers))
	}

	a := mat.NewDense(len(centers), 4, nil)
	b := mat.NewVecDense(len(centers), nil)
	for i, c := range centers {
		a.SetRow(i, []float64{2 * c.X, 2 * c.Y, 2 * c.Z, 1})
		b.SetVec(i, c.Norm2())
	}

	x, err := linalg.SolveLeastSquares(a, b)
	if err != nil {
		return 0, r3.Vector{}, errors.Wrap(err, "sphere fit")
	}
	center := r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	t := center.Norm2() + x.AtVec(3)
	return math.Sqrt(t), center, nil
}

// RigCoordinates places every camera pose on the sphere fitted through their centers.
func RigCoordinates(poses map[string]Pose) (map[string]Coordinates, float64, r3.Vector, error) {
	centers := make([]r3.Vector, 0, len(poses))
	for _, p := range poses {
		centers = append(centers, p.Center())
	}
	radius, center, err := SphereFit(centers)
	if err != nil {
		return nil, 0, r3.Vector{}, err
	}

	coords := make(map[string]Coordinates, len(poses))
	for name, p := range poses {
		long, lat := LongLat(p.Center().Sub(center))
		coords[name] = Coordinates{Longitude: Rad2Degrees(long), Latitude: Rad2Degrees(lat)}
	}
	return coords, radius, center, nil
}
