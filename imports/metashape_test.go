package imports

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	sph "sphaeroptica.be/recon/photogrammetry"
)

const calibrationXML = `<?xml version="1.0"?>
<opencv_storage>
<calibration_Time>"2024-03-01T10:12:00Z"</calibration_Time>
<image_Width>6000</image_Width>
<image_Height>4000</image_Height>
<Camera_Matrix type_id="opencv-matrix">
  <rows>3</rows>
  <cols>3</cols>
  <dt>d</dt>
  <data>
    8.1e+03 0. 3.0e+03 0. 8.1e+03 2.0e+03 0. 0. 1.</data></Camera_Matrix>
<Distortion_Coefficients type_id="opencv-matrix">
  <rows>5</rows>
  <cols>1</cols>
  <dt>d</dt>
  <data>
    -1.2e-02 3.4e-02 1.0e-04 -2.0e-04 0.</data></Distortion_Coefficients>
</opencv_storage>
`

func TestReadIntrinsicMetashape(t *testing.T) {
	in, err := ReadIntrinsicMetashape(strings.NewReader(calibrationXML))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.Width, test.ShouldEqual, 6000)
	test.That(t, in.Height, test.ShouldEqual, 4000)
	test.That(t, in.CameraMatrix.Shape, test.ShouldResemble, sph.Shape{Row: 3, Col: 3})
	test.That(t, in.CameraMatrix.Data, test.ShouldResemble, []float64{8100, 0, 3000, 0, 8100, 2000, 0, 0, 1})
	test.That(t, in.DistortionMatrix.Data, test.ShouldResemble, []float64{-0.012, 0.034, 0.0001, -0.0002, 0})

	cam, err := sph.NewCameraModelFromIntrinsics(*in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cam.Initialized(), test.ShouldBeTrue)

	_, err = ReadIntrinsicMetashape(strings.NewReader(strings.Replace(calibrationXML, "8.1e+03 0.", "8.1e+03", 1)))
	test.That(t, errors.Is(err, sph.ErrInvalidInput), test.ShouldBeTrue)

	_, err = ReadIntrinsicMetashape(strings.NewReader(strings.Replace(calibrationXML, "3.0e+03", "three", 1)))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ReadIntrinsicMetashape(strings.NewReader("<opencv_storage>"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ReadIntrinsicMetashapeFile("does/not/exist.xml")
	test.That(t, err, test.ShouldNotBeNil)
}

// metashapeRow writes pose the way Metashape exports a camera.
func metashapeRow(label string, pose sph.Pose) string {
	var r mat.Dense
	r.Mul(RotateXAxis(math.Pi), pose.Rotation().T())
	c := pose.Center()
	fields := []string{label}
	for _, v := range []float64{c.X, c.Y, c.Z, 12.5, -3.25, 90} {
		fields = append(fields, fmt.Sprintf("%.15g", v))
	}
	for _, v := range r.RawMatrix().Data {
		fields = append(fields, fmt.Sprintf("%.15g", v))
	}
	return strings.Join(fields, "\t")
}

func TestReadExtrinsicMetashape(t *testing.T) {
	want := map[string]sph.Pose{}
	var rows []string
	rows = append(rows, "# Cameras (3)", "# PhotoID\tX\tY\tZ\tOmega\tPhi\tKappa\tr11\tr12\tr13\tr21\tr22\tr23\tr31\tr32\tr33")
	for i, center := range []r3.Vector{{X: 4, Y: 0, Z: 1}, {X: 0, Y: 4, Z: -1}, {X: -3, Y: -2, Z: 0.5}} {
		pose, err := sph.LookAt(center, r3.Vector{})
		test.That(t, err, test.ShouldBeNil)
		label := fmt.Sprintf("IMG_%04d", i)
		rows = append(rows, metashapeRow(label, pose))
		want[label] = pose
	}
	rows = append(rows, "IMG_9999\t1\t2\tthree", "")

	poses, err := ReadExtrinsicMetashape(strings.NewReader(strings.Join(rows, "\n")),
		map[string]string{"IMG_0001": "renamed.jpg"}, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses, test.ShouldHaveLength, 3)
	test.That(t, poses["IMG_0000"].ApproxEqual(want["IMG_0000"], 1e-9), test.ShouldBeTrue)
	test.That(t, poses["renamed.jpg"].ApproxEqual(want["IMG_0001"], 1e-9), test.ShouldBeTrue)
	test.That(t, poses["IMG_0002"].ApproxEqual(want["IMG_0002"], 1e-9), test.ShouldBeTrue)

	// the pose looks at the origin once read back
	toCamera := poses["IMG_0002"].Inverse()
	test.That(t, toCamera.TransformPoint(r3.Vector{}).Z, test.ShouldBeGreaterThan, 0)

	_, err = ReadExtrinsicMetashape(strings.NewReader("# nothing\n"), nil, nil)
	test.That(t, errors.Is(err, sph.ErrInvalidInput), test.ShouldBeTrue)
}

func TestLatitudeRange(t *testing.T) {
	poses := map[string]sph.Pose{}
	for i, dir := range []r3.Vector{
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: -1, Y: 0, Z: 0},
		{X: 0, Y: -1, Z: 0},
		{X: 1, Y: 0, Z: 1},
		{X: 0, Y: -1, Z: -1},
	} {
		center := dir.Normalize().Mul(5).Add(r3.Vector{X: 1, Y: 1, Z: 1})
		pose, err := sph.LookAt(center, r3.Vector{X: 1, Y: 1, Z: 1})
		test.That(t, err, test.ShouldBeNil)
		poses[fmt.Sprint(i)] = pose
	}
	latMin, latMax, err := LatitudeRange(poses)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, latMin, test.ShouldAlmostEqual, -45, 1e-6)
	test.That(t, latMax, test.ShouldAlmostEqual, 45, 1e-6)

	_, _, err = LatitudeRange(map[string]sph.Pose{"a": sph.IdentityPose()})
	test.That(t, errors.Is(err, sph.ErrInvalidInput), test.ShouldBeTrue)
}

func TestRotateXAxis(t *testing.T) {
	var v mat.VecDense
	v.MulVec(RotateXAxis(math.Pi/2), mat.NewVecDense(3, []float64{0, 1, 0}))
	test.That(t, v.AtVec(0), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, v.AtVec(1), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, v.AtVec(2), test.ShouldAlmostEqual, 1, 1e-12)
}
