package triangulation

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/recon/linalg"
	"sphaeroptica.be/recon/photogrammetry"
)

// homogeneousEpsilon is the smallest |w| of a homogeneous point that still has a finite
// euclidean form.
const homogeneousEpsilon = 1e-12

// PointTriangulator triangulates matched observations of two calibrated views.
// It holds no state beyond its configuration and may be shared between goroutines as long as
// its CameraModel is not reconfigured meanwhile.
type PointTriangulator struct {
	camera *photogrammetry.CameraModel
	logger *zap.SugaredLogger
	opts   options
}

// NewPointTriangulator returns a triangulator using camera for every view.
func NewPointTriangulator(camera *photogrammetry.CameraModel, logger *zap.SugaredLogger, opts ...Option) *PointTriangulator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PointTriangulator{camera: camera, logger: logger, opts: newOptions(opts)}
}

// Method returns the configured algorithm.
func (t *PointTriangulator) Method() Method {
	return t.opts.method
}

type view struct {
	pose photogrammetry.Pose
	proj *mat.Dense
}

func newView(camera *photogrammetry.CameraModel, pose photogrammetry.Pose) (view, error) {
	proj, err := camera.ProjectionMatrix(pose)
	if err != nil {
		return view{}, err
	}
	return view{pose: pose, proj: proj}, nil
}

func newViews(camera *photogrammetry.CameraModel, pose1, pose2 photogrammetry.Pose) (view, view, error) {
	v1, err := newView(camera, pose1)
	if err != nil {
		return view{}, view{}, err
	}
	v2, err := newView(camera, pose2)
	if err != nil {
		return view{}, view{}, err
	}
	return v1, v2, nil
}

// TriangulatePoint recovers the 3D point observed at pixel p1 by the camera at pose1 and at
// pixel p2 by the camera at pose2. It also returns the mean distance, in pixels, between the
// observations and the reprojections of the point. Degenerate configurations, including rays
// closer to parallel than the minimum parallax, yield linalg.ErrSingularSystem.
func (t *PointTriangulator) TriangulatePoint(p1, p2 r2.Point, pose1, pose2 photogrammetry.Pose) (r3.Vector, float64, error) {
	v1, v2, err := newViews(t.camera, pose1, pose2)
	if err != nil {
		return r3.Vector{}, 0, err
	}
	return t.solve(p1, p2, v1, v2)
}

func (t *PointTriangulator) solve(p1, p2 r2.Point, v1, v2 view) (r3.Vector, float64, error) {
	if err := t.checkParallax(p1, p2, v1, v2); err != nil {
		return r3.Vector{}, 0, err
	}
	u1, err := t.camera.Undistort(p1)
	if err != nil {
		return r3.Vector{}, 0, err
	}
	u2, err := t.camera.Undistort(p2)
	if err != nil {
		return r3.Vector{}, 0, err
	}

	var x r3.Vector
	switch t.opts.method {
	case MethodDirect:
		x, err = linearTriangulation(t.opts.solver, u1, v1.proj, u2, v2.proj, 1, 1)
	default:
		x, err = iterativeTriangulation(t.opts.solver, u1, v1.proj, u2, v2.proj)
	}
	if err != nil {
		return r3.Vector{}, 0, err
	}

	e1, err := reprojectionError(t.camera, x, p1, v1.pose)
	if err != nil {
		return r3.Vector{}, 0, err
	}
	e2, err := reprojectionError(t.camera, x, p2, v2.pose)
	if err != nil {
		return r3.Vector{}, 0, err
	}
	return x, (e1 + e2) / 2, nil
}

// Triangulate triangulates every match between pts1 and pts2 and returns the cloud with its
// mean reprojection error. Matches whose system is singular are left out of both.
func (t *PointTriangulator) Triangulate(
	pts1, pts2 []r2.Point,
	matches []Match,
	views ViewPair,
	pose1, pose2 photogrammetry.Pose,
) ([]CloudPoint, float64, error) {
	cloud, stats, err := t.TriangulateWithStats(toKeypoints(pts1), toKeypoints(pts2), matches, views, pose1, pose2)
	if err != nil {
		return nil, 0, err
	}
	return cloud, stats.MeanError, nil
}

// TriangulateKeypoints is Triangulate for keypoints, the descriptor of the view 1 keypoint
// is carried into each cloud point.
func (t *PointTriangulator) TriangulateKeypoints(
	kp1, kp2 []Keypoint,
	matches []Match,
	views ViewPair,
	pose1, pose2 photogrammetry.Pose,
) ([]CloudPoint, float64, error) {
	cloud, stats, err := t.TriangulateWithStats(kp1, kp2, matches, views, pose1, pose2)
	if err != nil {
		return nil, 0, err
	}
	return cloud, stats.MeanError, nil
}

// TriangulateWithStats triangulates a batch and reports how many matches were skipped as
// singular or discarded above the reprojection error limit.
func (t *PointTriangulator) TriangulateWithStats(
	kp1, kp2 []Keypoint,
	matches []Match,
	views ViewPair,
	pose1, pose2 photogrammetry.Pose,
) ([]CloudPoint, Stats, error) {
	if !t.camera.Initialized() {
		return nil, Stats{}, photogrammetry.ErrUninitializedCamera
	}
	if err := validateMatches(matches, len(kp1), len(kp2)); err != nil {
		return nil, Stats{}, err
	}
	v1, v2, err := newViews(t.camera, pose1, pose2)
	if err != nil {
		return nil, Stats{}, err
	}

	var stats Stats
	var sum float64
	cloud := make([]CloudPoint, 0, len(matches))
	for _, m := range matches {
		point, reprojErr, err := t.solve(kp1[m.Index1].Point, kp2[m.Index2].Point, v1, v2)
		if err != nil {
			t.logger.Debugw("skipping match", "index1", m.Index1, "index2", m.Index2, "error", err)
			stats.Skipped++
			continue
		}
		if t.opts.discard(reprojErr) {
			stats.Discarded++
			continue
		}
		cloud = append(cloud, CloudPoint{
			Point:             point,
			Views:             views,
			Indices:           m,
			Descriptor:        kp1[m.Index1].Descriptor,
			ReprojectionError: reprojErr,
		})
		sum += reprojErr
	}

	stats.Triangulated = len(cloud)
	if len(cloud) > 0 {
		stats.MeanError = sum / float64(len(cloud))
	}
	t.logger.Debugw("triangulated points",
		"views", views,
		"method", t.opts.method,
		"triangulated", stats.Triangulated,
		"skipped", stats.Skipped,
		"discarded", stats.Discarded,
		"mean_error", stats.MeanError)
	return cloud, stats, nil
}

// checkParallax rejects rays that are nearly parallel or nearly opposite, the point then
// lying close to the baseline or beyond the reach of the pair.
func (t *PointTriangulator) checkParallax(p1, p2 r2.Point, v1, v2 view) error {
	ray1, err := t.camera.Unproject(p1, v1.pose)
	if err != nil {
		return err
	}
	ray2, err := t.camera.Unproject(p2, v2.pose)
	if err != nil {
		return err
	}
	sin := ray1.Direction.Cross(ray2.Direction).Norm()
	if sin < math.Sin(t.opts.minParallax) {
		return errors.Wrapf(linalg.ErrSingularSystem, "rays are %.3g degrees apart", photogrammetry.Rad2Degrees(math.Asin(sin)))
	}
	return nil
}

func toKeypoints(pts []r2.Point) []Keypoint {
	kps := make([]Keypoint, len(pts))
	for i, p := range pts {
		kps[i].Point = p
	}
	return kps
}

func validateMatches(matches []Match, n1, n2 int) error {
	for i, m := range matches {
		if m.Index1 < 0 || m.Index1 >= n1 || m.Index2 < 0 || m.Index2 >= n2 {
			return errors.Wrapf(photogrammetry.ErrInvalidInput,
				"match %d (%d, %d) out of range for %d and %d observations", i, m.Index1, m.Index2, n1, n2)
		}
	}
	return nil
}

// linearTriangulation solves the 4x4 system obtained by eliminating the homogeneous scale of
// both projections, each pair of rows divided by the weight of its view.
func linearTriangulation(solver linalg.Solver, u1 r2.Point, p1 mat.Matrix, u2 r2.Point, p2 mat.Matrix, w1, w2 float64) (r3.Vector, error) {
	a := mat.NewDense(4, 4, nil)
	setProjectionRows(a, 0, u1, p1, w1)
	setProjectionRows(a, 2, u2, p2, w2)

	x, err := solver.SolveHomogeneous(a)
	if err != nil {
		return r3.Vector{}, err
	}
	return dehomogenize(x)
}

func setProjectionRows(a *mat.Dense, row int, u r2.Point, p mat.Matrix, w float64) {
	for j := 0; j < 4; j++ {
		a.Set(row, j, (u.X*p.At(2, j)-p.At(0, j))/w)
		a.Set(row+1, j, (u.Y*p.At(2, j)-p.At(1, j))/w)
	}
}

// iterativeTriangulation reweights the linear system with the depth of the current estimate
// in each camera, as in Hartley and Sturm.
func iterativeTriangulation(solver linalg.Solver, u1 r2.Point, p1 mat.Matrix, u2 r2.Point, p2 mat.Matrix) (r3.Vector, error) {
	w1, w2 := 1.0, 1.0
	var x r3.Vector
	for i := 0; i < maxIterations; i++ {
		next, err := linearTriangulation(solver, u1, p1, u2, p2, w1, w2)
		if err != nil {
			return r3.Vector{}, err
		}
		x = next

		d1, d2 := depth(p1, x), depth(p2, x)
		if math.Abs(d1) < homogeneousEpsilon || math.Abs(d2) < homogeneousEpsilon {
			break
		}
		if math.Abs(d1-w1) <= weightTolerance*math.Abs(w1) && math.Abs(d2-w2) <= weightTolerance*math.Abs(w2) {
			break
		}
		w1, w2 = d1, d2
	}
	return x, nil
}

// depth returns the third row of P applied to x, the depth of x in the camera when the
// intrinsic matrix is normalized.
func depth(p mat.Matrix, x r3.Vector) float64 {
	return p.At(2, 0)*x.X + p.At(2, 1)*x.Y + p.At(2, 2)*x.Z + p.At(2, 3)
}

func dehomogenize(x mat.Vector) (r3.Vector, error) {
	w := x.AtVec(3)
	if math.Abs(w) < homogeneousEpsilon {
		return r3.Vector{}, errors.Wrap(linalg.ErrSingularSystem, "point at infinity")
	}
	return r3.Vector{X: x.AtVec(0) / w, Y: x.AtVec(1) / w, Z: x.AtVec(2) / w}, nil
}

// reprojectionError is the pixel distance between an observation and the projection of x.
func reprojectionError(camera *photogrammetry.CameraModel, x r3.Vector, observed r2.Point, pose photogrammetry.Pose) (float64, error) {
	px, err := camera.Project(x, pose)
	if err != nil {
		return 0, errors.Wrap(linalg.ErrSingularSystem, err.Error())
	}
	return px.Sub(observed).Norm(), nil
}
