package triangulation

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/recon/linalg"
	"sphaeroptica.be/recon/photogrammetry"
)

// LineTriangulator triangulates matched segments of two calibrated views.
//
// The segment of view 2 is back projected as the plane through the second optical center,
// each endpoint of the segment of view 1 is back projected as a ray, and the 3D endpoints are
// the intersections of the rays with the plane.
type LineTriangulator struct {
	camera *photogrammetry.CameraModel
	logger *zap.SugaredLogger
	opts   options
}

// NewLineTriangulator returns a line triangulator using camera for both views.
// WithMethod has no effect on lines.
func NewLineTriangulator(camera *photogrammetry.CameraModel, logger *zap.SugaredLogger, opts ...Option) *LineTriangulator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LineTriangulator{camera: camera, logger: logger, opts: newOptions(opts)}
}

type stereoViews struct {
	v1, v2      view
	fundamental *mat.Dense
}

func (t *LineTriangulator) newStereoViews(pose1, pose2 photogrammetry.Pose) (stereoViews, error) {
	v1, v2, err := newViews(t.camera, pose1, pose2)
	if err != nil {
		return stereoViews{}, err
	}
	f, err := t.camera.FundamentalMatrix(pose1, pose2)
	if err != nil {
		return stereoViews{}, err
	}
	return stereoViews{v1: v1, v2: v2, fundamental: f}, nil
}

// TriangulateLine triangulates a single pair of segments. The endpoints of the result are
// those of l1 lifted to 3D. Segments lying in an epipolar plane yield linalg.ErrSingularSystem.
func (t *LineTriangulator) TriangulateLine(l1, l2 Line2D, pose1, pose2 photogrammetry.Pose) (CloudLine, error) {
	sv, err := t.newStereoViews(pose1, pose2)
	if err != nil {
		return CloudLine{}, err
	}
	start, end, reprojErr, err := t.solve(l1, l2, sv)
	if err != nil {
		return CloudLine{}, err
	}
	return CloudLine{Start: start, End: end, ReprojectionError: reprojErr}, nil
}

// TriangulateLines triangulates every match between lines1 and lines2 and returns the line
// cloud with its mean reprojection error. Singular matches are left out of both.
func (t *LineTriangulator) TriangulateLines(
	lines1, lines2 []Line2D,
	matches []Match,
	views ViewPair,
	pose1, pose2 photogrammetry.Pose,
) ([]CloudLine, float64, error) {
	cloud, stats, err := t.TriangulateWithStats(toKeylines(lines1), toKeylines(lines2), matches, views, pose1, pose2)
	if err != nil {
		return nil, 0, err
	}
	return cloud, stats.MeanError, nil
}

// TriangulateKeylines is TriangulateLines for keylines, carrying the view 1 descriptors.
func (t *LineTriangulator) TriangulateKeylines(
	kl1, kl2 []Keyline,
	matches []Match,
	views ViewPair,
	pose1, pose2 photogrammetry.Pose,
) ([]CloudLine, float64, error) {
	cloud, stats, err := t.TriangulateWithStats(kl1, kl2, matches, views, pose1, pose2)
	if err != nil {
		return nil, 0, err
	}
	return cloud, stats.MeanError, nil
}

// TriangulateWithStats triangulates a batch of keylines and reports skipped and discarded
// matches.
func (t *LineTriangulator) TriangulateWithStats(
	kl1, kl2 []Keyline,
	matches []Match,
	views ViewPair,
	pose1, pose2 photogrammetry.Pose,
) ([]CloudLine, Stats, error) {
	if !t.camera.Initialized() {
		return nil, Stats{}, photogrammetry.ErrUninitializedCamera
	}
	if err := validateMatches(matches, len(kl1), len(kl2)); err != nil {
		return nil, Stats{}, err
	}
	sv, err := t.newStereoViews(pose1, pose2)
	if err != nil {
		return nil, Stats{}, err
	}

	var stats Stats
	errs := make([]float64, 0, len(matches))
	cloud := make([]CloudLine, 0, len(matches))
	for _, m := range matches {
		start, end, reprojErr, err := t.solve(kl1[m.Index1].Line, kl2[m.Index2].Line, sv)
		if err != nil {
			t.logger.Debugw("skipping line match", "index1", m.Index1, "index2", m.Index2, "error", err)
			stats.Skipped++
			continue
		}
		if t.opts.discard(reprojErr) {
			stats.Discarded++
			continue
		}
		cloud = append(cloud, CloudLine{
			Start:             start,
			End:               end,
			Views:             views,
			Indices:           m,
			Descriptor:        kl1[m.Index1].Descriptor,
			ReprojectionError: reprojErr,
		})
		errs = append(errs, reprojErr)
	}

	stats.Triangulated = len(cloud)
	if len(errs) > 0 {
		stats.MeanError = floats.Sum(errs) / float64(len(errs))
	}
	t.logger.Debugw("triangulated lines",
		"views", views,
		"triangulated", stats.Triangulated,
		"skipped", stats.Skipped,
		"discarded", stats.Discarded,
		"mean_error", stats.MeanError)
	return cloud, stats, nil
}

func (t *LineTriangulator) solve(l1, l2 Line2D, sv stereoViews) (r3.Vector, r3.Vector, float64, error) {
	s1, err := t.camera.Undistort(l1.Start)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, err
	}
	e1, err := t.camera.Undistort(l1.End)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, err
	}
	s2, err := t.camera.Undistort(l2.Start)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, err
	}
	e2, err := t.camera.Undistort(l2.End)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, err
	}

	line2, err := homogeneousLine(s2, e2)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, err
	}
	plane := backProjectLine(sv.v2.proj, line2)

	start, err := t.pointOnPlane(s1, sv.v1.proj, plane, sv.fundamental, line2)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, errors.Wrap(err, "start point")
	}
	end, err := t.pointOnPlane(e1, sv.v1.proj, plane, sv.fundamental, line2)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, errors.Wrap(err, "end point")
	}

	reprojErr, err := t.lineReprojectionError(start, end, l1, l2, sv)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, err
	}
	return start, end, reprojErr, nil
}

// pointOnPlane intersects the ray of view 1 through pixel x with plane. The intersection is
// rejected when the epipolar line of x in view 2 runs along line2, the ray then lying in the
// plane.
func (t *LineTriangulator) pointOnPlane(x r2.Point, p1 mat.Matrix, plane []float64, f mat.Matrix, line2 r3.Vector) (r3.Vector, error) {
	epipolar := applyFundamental(f, x)
	n1 := math.Hypot(epipolar.X, epipolar.Y)
	if n1 == 0 {
		return r3.Vector{}, errors.Wrap(linalg.ErrSingularSystem, "pixel is the epipole")
	}
	if sin := math.Abs(epipolar.X*line2.Y-epipolar.Y*line2.X) / n1; sin < parallelLinesLimit {
		return r3.Vector{}, errors.Wrapf(linalg.ErrSingularSystem, "epipolar line parallel to the observed line (sin=%.2g)", sin)
	}

	rows := [3][]float64{make([]float64, 4), make([]float64, 4), plane}
	for j := 0; j < 4; j++ {
		rows[0][j] = x.Y*p1.At(2, j) - p1.At(1, j)
		rows[1][j] = p1.At(0, j) - x.X*p1.At(2, j)
	}
	a := mat.NewDense(3, 4, nil)
	for i, row := range rows {
		n := floats.Norm(row, 2)
		if n == 0 {
			return r3.Vector{}, errors.Wrap(linalg.ErrSingularSystem, "empty equation")
		}
		for j, v := range row {
			a.Set(i, j, v/n)
		}
	}

	sol, err := t.opts.solver.SolveHomogeneous(a)
	if err != nil {
		return r3.Vector{}, err
	}
	return dehomogenize(sol)
}

func (t *LineTriangulator) lineReprojectionError(start, end r3.Vector, l1, l2 Line2D, sv stereoViews) (float64, error) {
	var dists []float64
	for _, obs := range []struct {
		line Line2D
		pose photogrammetry.Pose
	}{{l1, sv.v1.pose}, {l2, sv.v2.pose}} {
		observed, err := homogeneousLine(obs.line.Start, obs.line.End)
		if err != nil {
			return 0, err
		}
		for _, x := range []r3.Vector{start, end} {
			px, err := t.camera.Project(x, obs.pose)
			if err != nil {
				return 0, errors.Wrap(linalg.ErrSingularSystem, err.Error())
			}
			dists = append(dists, pointLineDistance(observed, px))
		}
	}
	return floats.Sum(dists) / float64(len(dists)), nil
}

// homogeneousLine returns the line (a, b, c) through p and q scaled so that a^2+b^2 = 1.
func homogeneousLine(p, q r2.Point) (r3.Vector, error) {
	l := r3.Vector{X: p.X, Y: p.Y, Z: 1}.Cross(r3.Vector{X: q.X, Y: q.Y, Z: 1})
	n := math.Hypot(l.X, l.Y)
	if n < homogeneousEpsilon {
		return r3.Vector{}, errors.Wrapf(linalg.ErrSingularSystem, "segment %v %v has no direction", p, q)
	}
	return l.Mul(1 / n), nil
}

// backProjectLine returns the plane P^T.l through the optical center holding every point
// projecting on l.
func backProjectLine(p mat.Matrix, l r3.Vector) []float64 {
	var plane mat.VecDense
	plane.MulVec(p.T(), mat.NewVecDense(3, []float64{l.X, l.Y, l.Z}))
	return []float64{plane.AtVec(0), plane.AtVec(1), plane.AtVec(2), plane.AtVec(3)}
}

func applyFundamental(f mat.Matrix, x r2.Point) r3.Vector {
	var l mat.VecDense
	l.MulVec(f, mat.NewVecDense(3, []float64{x.X, x.Y, 1}))
	return r3.Vector{X: l.AtVec(0), Y: l.AtVec(1), Z: l.AtVec(2)}
}

// pointLineDistance expects a line normalized by homogeneousLine.
func pointLineDistance(l r3.Vector, p r2.Point) float64 {
	return math.Abs(l.X*p.X + l.Y*p.Y + l.Z)
}

func toKeylines(lines []Line2D) []Keyline {
	kls := make([]Keyline, len(lines))
	for i, l := range lines {
		kls[i].Line = l
	}
	return kls
}
