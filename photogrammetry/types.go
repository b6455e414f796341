package photogrammetry

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type Shape struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// MatrixInfo is the row major serialized form of a matrix in calibration files.
type MatrixInfo struct {
	Shape Shape     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Dense converts m into a gonum matrix.
func (m MatrixInfo) Dense() (*mat.Dense, error) {
	if m.Shape.Row <= 0 || m.Shape.Col <= 0 {
		return nil, errors.Wrapf(ErrInvalidInput, "invalid matrix shape %dx%d", m.Shape.Row, m.Shape.Col)
	}
	if len(m.Data) != m.Shape.Row*m.Shape.Col {
		return nil, errors.Wrapf(ErrInvalidInput, "matrix %dx%d has %d values", m.Shape.Row, m.Shape.Col, len(m.Data))
	}
	data := make([]float64, len(m.Data))
	copy(data, m.Data)
	return mat.NewDense(m.Shape.Row, m.Shape.Col, data), nil
}

// NewMatrixInfo serializes a gonum matrix.
func NewMatrixInfo(m mat.Matrix) MatrixInfo {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return MatrixInfo{Shape: Shape{Row: r, Col: c}, Data: data}
}

// Extrinsics holds a world to camera transform, 3x4 or 4x4.
type Extrinsics struct {
	Matrix MatrixInfo `json:"matrix"`
}

// Intrinsics holds the calibration of a camera as stored in project files.
type Intrinsics struct {
	Height           int        `json:"height"`
	Width            int        `json:"width"`
	CameraMatrix     MatrixInfo `json:"cameraMatrix"`
	DistortionMatrix MatrixInfo `json:"distortionMatrix"`
}

// Pos is a pixel position.
type Pos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Coordinates locates a camera on the sphere fitted through the rig.
type Coordinates struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Ray is a half line in world coordinates, Direction has unit norm.
type Ray struct {
	Origin    r3.Vector
	Direction r3.Vector
}

// At returns the point of the ray at distance d from its origin.
func (r Ray) At(d float64) r3.Vector {
	return r.Origin.Add(r.Direction.Mul(d))
}
