// Package imports reads calibration data exported by photogrammetry software into the
// project form used by the reconstruction commands.
package imports

import (
	"encoding/csv"
	"encoding/xml"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/recon/linalg"
	sph "sphaeroptica.be/recon/photogrammetry"
)

type opencvMatrix struct {
	Rows int    `xml:"rows"`
	Cols int    `xml:"cols"`
	Data string `xml:"data"`
}

func (m opencvMatrix) info(name string) (sph.MatrixInfo, error) {
	fields := strings.Fields(m.Data)
	data := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return sph.MatrixInfo{}, errors.Wrapf(err, "%s value %d", name, i)
		}
		data[i] = v
	}
	if len(data) != m.Rows*m.Cols {
		return sph.MatrixInfo{}, errors.Wrapf(sph.ErrInvalidInput,
			"%s is %dx%d but holds %d values", name, m.Rows, m.Cols, len(data))
	}
	return sph.MatrixInfo{Shape: sph.Shape{Row: m.Rows, Col: m.Cols}, Data: data}, nil
}

// intrinsicsXML is the OpenCV storage file Metashape exports its calibration to.
type intrinsicsXML struct {
	XMLName                xml.Name     `xml:"opencv_storage"`
	ImageWidth             int          `xml:"image_Width"`
	ImageHeight            int          `xml:"image_Height"`
	CameraMatrix           opencvMatrix `xml:"Camera_Matrix"`
	DistortionCoefficients opencvMatrix `xml:"Distortion_Coefficients"`
}

// ReadIntrinsicMetashape parses an OpenCV calibration file.
func ReadIntrinsicMetashape(r io.Reader) (*sph.Intrinsics, error) {
	var file intrinsicsXML
	if err := xml.NewDecoder(r).Decode(&file); err != nil {
		return nil, errors.Wrap(err, "decoding calibration")
	}
	k, err := file.CameraMatrix.info("Camera_Matrix")
	if err != nil {
		return nil, err
	}
	if k.Shape.Row != 3 || k.Shape.Col != 3 {
		return nil, errors.Wrapf(sph.ErrInvalidInput, "Camera_Matrix must be 3x3, got %dx%d", k.Shape.Row, k.Shape.Col)
	}
	dist, err := file.DistortionCoefficients.info("Distortion_Coefficients")
	if err != nil {
		return nil, err
	}
	return &sph.Intrinsics{
		Height:           file.ImageHeight,
		Width:            file.ImageWidth,
		CameraMatrix:     k,
		DistortionMatrix: dist,
	}, nil
}

// ReadIntrinsicMetashapeFile opens and parses an OpenCV calibration file.
func ReadIntrinsicMetashapeFile(file string) (*sph.Intrinsics, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadIntrinsicMetashape(f)
}

// RotateXAxis is the rotation of angle theta, in radians, around the x axis.
func RotateXAxis(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	})
}

// extrinsics columns: Label X Y Z Omega Phi Kappa r11 r12 r13 r21 r22 r23 r31 r32 r33
const extrinsicsColumns = 16

// ReadExtrinsicMetashape parses the tab separated camera export of Metashape and returns the
// camera pose of every row, keyed by images[label] or by the label when images has no entry.
// Rotations are flipped around x into the OpenCV camera frame.
// Rows that cannot be parsed are logged and skipped.
func ReadExtrinsicMetashape(r io.Reader, images map[string]string, logger *zap.SugaredLogger) (map[string]sph.Pose, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.Comment = '#'
	reader.FieldsPerRecord = -1

	flip := RotateXAxis(math.Pi)
	poses := make(map[string]sph.Pose)
	for row := 1; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warnw("skipping unreadable row", "row", row, "error", err)
			continue
		}
		pose, err := parseCameraRow(record, flip)
		if err != nil {
			logger.Warnw("skipping camera", "row", row, "error", err)
			continue
		}
		name := record[0]
		if image, ok := images[name]; ok {
			name = image
		}
		poses[name] = pose
	}
	if len(poses) == 0 {
		return nil, errors.Wrap(sph.ErrInvalidInput, "no camera found")
	}
	return poses, nil
}

// ReadExtrinsicMetashapeFile opens and parses a Metashape camera export.
func ReadExtrinsicMetashapeFile(file string, images map[string]string, logger *zap.SugaredLogger) (map[string]sph.Pose, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadExtrinsicMetashape(f, images, logger)
}

func parseCameraRow(record []string, flip mat.Matrix) (sph.Pose, error) {
	if len(record) < extrinsicsColumns {
		return sph.Pose{}, errors.Wrapf(sph.ErrInvalidInput, "expected %d columns, got %d", extrinsicsColumns, len(record))
	}
	values := make([]float64, 0, 12)
	for _, col := range append(record[1:4:4], record[7:16]...) {
		v, err := strconv.ParseFloat(strings.TrimSpace(col), 64)
		if err != nil {
			return sph.Pose{}, errors.Wrap(err, "parsing camera")
		}
		values = append(values, v)
	}
	center := r3.Vector{X: values[0], Y: values[1], Z: values[2]}

	var toCamera mat.Dense
	toCamera.Mul(flip, mat.NewDense(3, 3, values[3:]))
	rot, err := linalg.NearestRotation(&toCamera)
	if err != nil {
		return sph.Pose{}, err
	}
	return sph.NewPose(rot.T(), center)
}

// LatitudeRange returns the lowest and highest latitude, in degrees, of the cameras on the
// sphere fitted through their centers.
func LatitudeRange(poses map[string]sph.Pose) (float64, float64, error) {
	coords, _, _, err := sph.RigCoordinates(poses)
	if err != nil {
		return 0, 0, err
	}
	latMin, latMax := 90.0, -90.0
	for _, c := range coords {
		latMin = math.Min(latMin, c.Latitude)
		latMax = math.Max(latMax, c.Latitude)
	}
	return latMin, latMax, nil
}
