package triangulation

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/recon/linalg"
	"sphaeroptica.be/recon/photogrammetry"
)

var scenePoints = []r3.Vector{
	{},
	{X: 0.5, Y: -0.3, Z: 0.2},
	{X: -0.4, Y: 0.6, Z: -0.5},
	{X: 0.8, Y: 0.7, Z: 1},
	{X: -0.9, Y: -0.5, Z: 0.4},
}

var (
	center1 = r3.Vector{X: -1, Y: 0.2, Z: -5}
	center2 = r3.Vector{X: 1.5, Y: -0.3, Z: -5}
)

func newCamera(t *testing.T, distortion []float64) *photogrammetry.CameraModel {
	t.Helper()
	k := mat.NewDense(3, 3, []float64{
		800, 0, 320,
		0, 780, 240,
		0, 0, 1,
	})
	cam, err := photogrammetry.NewCameraModel(k, distortion)
	test.That(t, err, test.ShouldBeNil)
	return cam
}

func stereoPoses(t *testing.T) (photogrammetry.Pose, photogrammetry.Pose) {
	t.Helper()
	pose1, err := photogrammetry.LookAt(center1, r3.Vector{})
	test.That(t, err, test.ShouldBeNil)
	pose2, err := photogrammetry.LookAt(center2, r3.Vector{X: 0.1, Y: 0.1})
	test.That(t, err, test.ShouldBeNil)
	return pose1, pose2
}

func project(t *testing.T, cam *photogrammetry.CameraModel, points []r3.Vector, pose photogrammetry.Pose) []r2.Point {
	t.Helper()
	pts, err := cam.ProjectPoints(points, pose)
	test.That(t, err, test.ShouldBeNil)
	return pts
}

func identityMatches(n int) []Match {
	matches := make([]Match, n)
	for i := range matches {
		matches[i] = Match{Index1: i, Index2: i}
	}
	return matches
}

func TestTriangulateNoiseless(t *testing.T) {
	for _, tc := range []struct {
		name       string
		method     Method
		distortion []float64
	}{
		{"direct", MethodDirect, nil},
		{"iterative", MethodIterative, nil},
		{"direct distorted", MethodDirect, []float64{0.05, -0.02, 0.001, -0.001}},
		{"iterative distorted", MethodIterative, []float64{0.05, -0.02, 0.001, -0.001, 0.01}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cam := newCamera(t, tc.distortion)
			pose1, pose2 := stereoPoses(t)
			pts1 := project(t, cam, scenePoints, pose1)
			pts2 := project(t, cam, scenePoints, pose2)

			tri := NewPointTriangulator(cam, zaptest.NewLogger(t).Sugar(), WithMethod(tc.method))
			test.That(t, tri.Method(), test.ShouldEqual, tc.method)
			views := ViewPair{View1: 3, View2: 7}
			cloud, meanErr, err := tri.Triangulate(pts1, pts2, identityMatches(len(scenePoints)), views, pose1, pose2)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, cloud, test.ShouldHaveLength, len(scenePoints))
			test.That(t, meanErr, test.ShouldAlmostEqual, 0, 1e-6)

			for i, cp := range cloud {
				test.That(t, cp.Point.Distance(scenePoints[i]), test.ShouldBeLessThan, 1e-4)
				test.That(t, cp.Views, test.ShouldResemble, views)
				test.That(t, cp.Indices, test.ShouldResemble, Match{Index1: i, Index2: i})
				test.That(t, cp.ReprojectionError, test.ShouldBeLessThan, 1e-6)
			}
		})
	}
}

func TestTriangulatePoint(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)
	want := scenePoints[3]
	p1, err := cam.Project(want, pose1)
	test.That(t, err, test.ShouldBeNil)
	p2, err := cam.Project(want, pose2)
	test.That(t, err, test.ShouldBeNil)

	got, reprojErr, err := NewPointTriangulator(cam, nil).TriangulatePoint(p1, p2, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Distance(want), test.ShouldBeLessThan, 1e-6)
	test.That(t, reprojErr, test.ShouldAlmostEqual, 0, 1e-6)

	// same optical center: both rays are the same line
	rotated, err := photogrammetry.LookAt(center1, r3.Vector{X: 0.8, Y: 0.3})
	test.That(t, err, test.ShouldBeNil)
	p2, err = cam.Project(want, rotated)
	test.That(t, err, test.ShouldBeNil)
	_, _, err = NewPointTriangulator(cam, nil).TriangulatePoint(p1, p2, pose1, rotated)
	test.That(t, errors.Is(err, linalg.ErrSingularSystem), test.ShouldBeTrue)
}

func TestTriangulateSkipsSingular(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)

	// the middle of the baseline is seen by both cameras along the baseline itself
	points := append([]r3.Vector{}, scenePoints[:2]...)
	points = append(points, center1.Add(center2).Mul(0.5))
	points = append(points, scenePoints[2:]...)
	pts1 := project(t, cam, points, pose1)
	pts2 := project(t, cam, points, pose2)

	for _, method := range []Method{MethodDirect, MethodIterative} {
		tri := NewPointTriangulator(cam, zaptest.NewLogger(t).Sugar(), WithMethod(method))
		kp1, kp2 := toKeypoints(pts1), toKeypoints(pts2)
		cloud, stats, err := tri.TriangulateWithStats(kp1, kp2, identityMatches(len(points)), ViewPair{}, pose1, pose2)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, stats.Skipped, test.ShouldEqual, 1)
		test.That(t, stats.Triangulated, test.ShouldEqual, len(points)-1)
		test.That(t, cloud, test.ShouldHaveLength, len(points)-1)
		test.That(t, stats.MeanError, test.ShouldAlmostEqual, 0, 1e-6)
		for _, cp := range cloud {
			test.That(t, cp.Indices.Index1, test.ShouldNotEqual, 2)
			test.That(t, cp.Point.Distance(points[cp.Indices.Index1]), test.ShouldBeLessThan, 1e-4)
		}
	}
}

func TestTriangulateSkipsNearParallelRays(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)
	want := scenePoints[3]

	// a second camera a micrometer away from the first, one observation off by a third of a pixel
	near, err := photogrammetry.LookAt(center1.Add(r3.Vector{X: 1e-6}), r3.Vector{})
	test.That(t, err, test.ShouldBeNil)
	p1, err := cam.Project(want, pose1)
	test.That(t, err, test.ShouldBeNil)
	p2, err := cam.Project(want, near)
	test.That(t, err, test.ShouldBeNil)
	p2 = p2.Add(r2.Point{X: 0.3})
	for _, method := range []Method{MethodDirect, MethodIterative} {
		_, _, err := NewPointTriangulator(cam, nil, WithMethod(method)).TriangulatePoint(p1, p2, pose1, near)
		test.That(t, errors.Is(err, linalg.ErrSingularSystem), test.ShouldBeTrue)
	}

	// view 2 of the last match sees a point far along the ray of view 1
	pts1 := project(t, cam, scenePoints, pose1)
	pts2 := project(t, cam, scenePoints, pose2)
	far := center1.Add(want.Sub(center1).Mul(1000))
	pFar, err := cam.Project(far, pose2)
	test.That(t, err, test.ShouldBeNil)
	pts2 = append(pts2, pFar.Add(r2.Point{X: -0.3, Y: 0.2}))
	matches := append(identityMatches(len(scenePoints)), Match{Index1: 3, Index2: len(scenePoints)})

	for _, method := range []Method{MethodDirect, MethodIterative} {
		tri := NewPointTriangulator(cam, zaptest.NewLogger(t).Sugar(), WithMethod(method))
		cloud, stats, err := tri.TriangulateWithStats(toKeypoints(pts1), toKeypoints(pts2), matches, ViewPair{}, pose1, pose2)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, stats.Skipped, test.ShouldEqual, 1)
		test.That(t, stats.Triangulated, test.ShouldEqual, len(scenePoints))
		test.That(t, stats.MeanError, test.ShouldAlmostEqual, 0, 1e-6)
		for _, cp := range cloud {
			test.That(t, cp.Indices.Index2, test.ShouldBeLessThan, len(scenePoints))
		}
	}

	// the pair sees the scene about 30 degrees apart
	tri := NewPointTriangulator(cam, nil, WithMinParallax(60))
	cloud, stats, err := tri.TriangulateWithStats(toKeypoints(pts1), toKeypoints(pts2), matches, ViewPair{}, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud, test.ShouldBeEmpty)
	test.That(t, stats.Skipped, test.ShouldEqual, len(matches))
}

func TestTriangulateNoisy(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)
	pts1 := project(t, cam, scenePoints, pose1)
	pts2 := project(t, cam, scenePoints, pose2)
	for i := range pts1 {
		sign := float64(1 - 2*(i%2))
		pts1[i] = pts1[i].Add(r2.Point{X: 0.3 * sign, Y: -0.2})
		pts2[i] = pts2[i].Add(r2.Point{X: -0.25, Y: 0.3 * sign})
	}

	var results [][]CloudPoint
	for _, method := range []Method{MethodDirect, MethodIterative} {
		cloud, meanErr, err := NewPointTriangulator(cam, nil, WithMethod(method)).
			Triangulate(pts1, pts2, identityMatches(len(scenePoints)), ViewPair{}, pose1, pose2)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cloud, test.ShouldHaveLength, len(scenePoints))
		test.That(t, meanErr, test.ShouldBeGreaterThan, 0)
		test.That(t, meanErr, test.ShouldBeLessThan, 1)
		for i, cp := range cloud {
			test.That(t, cp.Point.Distance(scenePoints[i]), test.ShouldBeLessThan, 0.05)
		}
		results = append(results, cloud)
	}
	for i := range results[0] {
		test.That(t, results[0][i].Point.Distance(results[1][i].Point), test.ShouldBeLessThan, 0.01)
	}
}

func TestTriangulateDiscard(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)
	pts1 := project(t, cam, scenePoints, pose1)
	pts2 := project(t, cam, scenePoints, pose2)

	matches := identityMatches(len(scenePoints))
	matches = append(matches, Match{Index1: 1, Index2: 3})

	tri := NewPointTriangulator(cam, nil)
	cloud, stats, err := tri.TriangulateWithStats(toKeypoints(pts1), toKeypoints(pts2), matches, ViewPair{}, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud, test.ShouldHaveLength, len(matches))
	test.That(t, stats.MeanError, test.ShouldBeGreaterThan, 1)

	tri = NewPointTriangulator(cam, nil, WithMaxReprojectionError(1))
	cloud, stats, err = tri.TriangulateWithStats(toKeypoints(pts1), toKeypoints(pts2), matches, ViewPair{}, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud, test.ShouldHaveLength, len(scenePoints))
	test.That(t, stats.Discarded, test.ShouldEqual, 1)
	test.That(t, stats.MeanError, test.ShouldAlmostEqual, 0, 1e-6)
}

func TestTriangulateKeypointsCarriesDescriptors(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)
	pts1 := project(t, cam, scenePoints, pose1)
	pts2 := project(t, cam, scenePoints, pose2)

	kp1 := make([]Keypoint, len(pts1))
	kp2 := make([]Keypoint, len(pts2))
	for i := range pts1 {
		kp1[i] = Keypoint{Point: pts1[i], Descriptor: []byte{byte(i), 0xaa}}
		kp2[i] = Keypoint{Point: pts2[i], Descriptor: []byte{0xff}}
	}
	matches := []Match{{Index1: 4, Index2: 4}, {Index1: 0, Index2: 0}}
	cloud, _, err := NewPointTriangulator(cam, nil).TriangulateKeypoints(kp1, kp2, matches, ViewPair{}, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud, test.ShouldHaveLength, 2)
	test.That(t, cloud[0].Descriptor, test.ShouldResemble, []byte{4, 0xaa})
	test.That(t, cloud[1].Descriptor, test.ShouldResemble, []byte{0, 0xaa})
}

func TestTriangulateInvalidInput(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)
	pts := project(t, cam, scenePoints, pose1)
	tri := NewPointTriangulator(cam, nil)

	for _, m := range []Match{
		{Index1: len(pts), Index2: 0},
		{Index1: 0, Index2: len(pts)},
		{Index1: -1, Index2: 0},
	} {
		cloud, meanErr, err := tri.Triangulate(pts, pts, []Match{{0, 0}, m}, ViewPair{}, pose1, pose2)
		test.That(t, errors.Is(err, photogrammetry.ErrInvalidInput), test.ShouldBeTrue)
		test.That(t, cloud, test.ShouldBeNil)
		test.That(t, meanErr, test.ShouldEqual, 0)
	}

	cloud, meanErr, err := tri.Triangulate(pts, pts, nil, ViewPair{}, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud, test.ShouldBeEmpty)
	test.That(t, meanErr, test.ShouldEqual, 0)
}

func TestTriangulateUninitializedCamera(t *testing.T) {
	pose1, pose2 := stereoPoses(t)
	pts := []r2.Point{{X: 1, Y: 2}}
	for _, cam := range []*photogrammetry.CameraModel{nil, {}} {
		tri := NewPointTriangulator(cam, nil)
		_, _, err := tri.Triangulate(pts, pts, []Match{{0, 0}}, ViewPair{}, pose1, pose2)
		test.That(t, errors.Is(err, photogrammetry.ErrUninitializedCamera), test.ShouldBeTrue)
		_, _, err = tri.TriangulatePoint(pts[0], pts[0], pose1, pose2)
		test.That(t, errors.Is(err, photogrammetry.ErrUninitializedCamera), test.ShouldBeTrue)
	}
}

func TestTriangulateIsDeterministic(t *testing.T) {
	cam := newCamera(t, []float64{0.02, 0, 0, 0})
	pose1, pose2 := stereoPoses(t)
	pts1 := project(t, cam, scenePoints, pose1)
	pts2 := project(t, cam, scenePoints, pose2)
	pts1[2] = pts1[2].Add(r2.Point{X: 1.5})

	tri := NewPointTriangulator(cam, nil)
	first, firstErr, err := tri.Triangulate(pts1, pts2, identityMatches(len(scenePoints)), ViewPair{1, 2}, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	second, secondErr, err := tri.Triangulate(pts1, pts2, identityMatches(len(scenePoints)), ViewPair{1, 2}, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, firstErr, test.ShouldEqual, secondErr)
	test.That(t, cmp.Diff(first, second), test.ShouldBeEmpty)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("DLT")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m, test.ShouldEqual, MethodDirect)
	m, err = ParseMethod("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.String(), test.ShouldEqual, "iterative")
	_, err = ParseMethod("midpoint")
	test.That(t, err, test.ShouldNotBeNil)
}
