package triangulation

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"sphaeroptica.be/recon/linalg"
	"sphaeroptica.be/recon/photogrammetry"
)

type segment struct {
	start, end r3.Vector
}

func (s segment) at(u float64) r3.Vector {
	return s.start.Add(s.end.Sub(s.start).Mul(u))
}

var sceneSegments = []segment{
	{start: r3.Vector{X: -0.5, Y: -0.5, Z: 0.1}, end: r3.Vector{X: 0.2, Y: 0.6, Z: -0.3}},
	{start: r3.Vector{X: 0.4, Y: 0.5, Z: 0.5}, end: r3.Vector{X: 0.3, Y: -0.7, Z: 0.2}},
	{start: r3.Vector{X: -0.6, Y: 0.2, Z: -0.4}, end: r3.Vector{X: -0.1, Y: 0.4, Z: 0.9}},
}

// observeSegments returns the full segments seen by view 1 and partial ones seen by view 2.
func observeSegments(
	t *testing.T,
	cam *photogrammetry.CameraModel,
	segments []segment,
	pose1, pose2 photogrammetry.Pose,
) ([]Line2D, []Line2D) {
	t.Helper()
	lines1 := make([]Line2D, len(segments))
	lines2 := make([]Line2D, len(segments))
	for i, s := range segments {
		p := project(t, cam, []r3.Vector{s.start, s.end}, pose1)
		lines1[i] = Line2D{Start: p[0], End: p[1]}
		p = project(t, cam, []r3.Vector{s.at(0.2), s.at(0.9)}, pose2)
		lines2[i] = Line2D{Start: p[0], End: p[1]}
	}
	return lines1, lines2
}

func TestTriangulateLines(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)
	lines1, lines2 := observeSegments(t, cam, sceneSegments, pose1, pose2)

	tri := NewLineTriangulator(cam, zaptest.NewLogger(t).Sugar())
	views := ViewPair{View1: 0, View2: 1}
	cloud, meanErr, err := tri.TriangulateLines(lines1, lines2, identityMatches(len(sceneSegments)), views, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud, test.ShouldHaveLength, len(sceneSegments))
	test.That(t, meanErr, test.ShouldAlmostEqual, 0, 1e-6)

	for i, l := range cloud {
		want := sceneSegments[i]
		test.That(t, l.Start.Distance(want.start), test.ShouldBeLessThan, 1e-6)
		test.That(t, l.End.Distance(want.end), test.ShouldBeLessThan, 1e-6)
		test.That(t, l.Views, test.ShouldResemble, views)
		test.That(t, l.Indices, test.ShouldResemble, Match{Index1: i, Index2: i})
		test.That(t, l.Direction().Distance(want.end.Sub(want.start).Normalize()), test.ShouldBeLessThan, 1e-6)
		test.That(t, l.Length(), test.ShouldAlmostEqual, want.end.Sub(want.start).Norm(), 1e-6)
	}
}

func TestTriangulateLinesDistorted(t *testing.T) {
	cam := newCamera(t, []float64{0.03, -0.01, 0, 0})
	pose1, pose2 := stereoPoses(t)
	lines1, lines2 := observeSegments(t, cam, sceneSegments, pose1, pose2)

	kl1 := make([]Keyline, len(lines1))
	kl2 := make([]Keyline, len(lines2))
	for i := range lines1 {
		kl1[i] = Keyline{Line: lines1[i], Descriptor: []byte{byte(10 + i)}}
		kl2[i] = Keyline{Line: lines2[i]}
	}
	cloud, meanErr, err := NewLineTriangulator(cam, nil).
		TriangulateKeylines(kl1, kl2, identityMatches(len(sceneSegments)), ViewPair{}, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud, test.ShouldHaveLength, len(sceneSegments))
	// reprojected endpoints are distorted, the observed lines are straight
	test.That(t, meanErr, test.ShouldBeLessThan, 1)
	for i, l := range cloud {
		test.That(t, l.Start.Distance(sceneSegments[i].start), test.ShouldBeLessThan, 1e-4)
		test.That(t, l.End.Distance(sceneSegments[i].end), test.ShouldBeLessThan, 1e-4)
		test.That(t, l.Descriptor, test.ShouldResemble, []byte{byte(10 + i)})
	}
}

func TestTriangulateLinesSkipsEpipolar(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)

	// a segment parallel to the baseline lies in an epipolar plane
	baseline := center2.Sub(center1)
	epipolar := segment{start: r3.Vector{X: 0.1, Y: -0.2}, end: r3.Vector{X: 0.1, Y: -0.2}.Add(baseline.Mul(0.3))}
	segments := []segment{sceneSegments[0], epipolar, sceneSegments[1]}
	lines1, lines2 := observeSegments(t, cam, segments, pose1, pose2)

	tri := NewLineTriangulator(cam, nil)
	cloud, stats, err := tri.TriangulateWithStats(toKeylines(lines1), toKeylines(lines2), identityMatches(len(segments)), ViewPair{}, pose1, pose2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Skipped, test.ShouldEqual, 1)
	test.That(t, stats.Triangulated, test.ShouldEqual, 2)
	test.That(t, cloud[0].Indices.Index1, test.ShouldEqual, 0)
	test.That(t, cloud[1].Indices.Index1, test.ShouldEqual, 2)
	test.That(t, stats.MeanError, test.ShouldAlmostEqual, 0, 1e-6)

	_, err = tri.TriangulateLine(lines1[1], lines2[1], pose1, pose2)
	test.That(t, errors.Is(err, linalg.ErrSingularSystem), test.ShouldBeTrue)
}

func TestTriangulateLineDegenerateSegment(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)
	lines1, lines2 := observeSegments(t, cam, sceneSegments[:1], pose1, pose2)
	lines2[0].End = lines2[0].Start

	_, err := NewLineTriangulator(cam, nil).TriangulateLine(lines1[0], lines2[0], pose1, pose2)
	test.That(t, errors.Is(err, linalg.ErrSingularSystem), test.ShouldBeTrue)
}

func TestTriangulateLinesErrors(t *testing.T) {
	cam := newCamera(t, nil)
	pose1, pose2 := stereoPoses(t)
	lines := []Line2D{{Start: r2.Point{X: 1}, End: r2.Point{X: 100, Y: 50}}}

	_, _, err := NewLineTriangulator(cam, nil).TriangulateLines(lines, lines, []Match{{Index1: 0, Index2: 1}}, ViewPair{}, pose1, pose2)
	test.That(t, errors.Is(err, photogrammetry.ErrInvalidInput), test.ShouldBeTrue)

	_, _, err = NewLineTriangulator(&photogrammetry.CameraModel{}, nil).TriangulateLines(lines, lines, []Match{{Index1: 0, Index2: 0}}, ViewPair{}, pose1, pose2)
	test.That(t, errors.Is(err, photogrammetry.ErrUninitializedCamera), test.ShouldBeTrue)
}
