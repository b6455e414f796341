// Package posest estimates the pose of a calibrated camera from 2D-3D correspondences that
// may contain outliers, by random sample consensus over minimal pose solvers.
package posest

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sphaeroptica.be/recon/photogrammetry"
)

// minCorrespondences is the smallest input accepted whatever the method.
const minCorrespondences = 4

// Result is a successful estimation. Pose is the camera pose in world coordinates and
// Inliers the ascending indices of the correspondences it explains.
type Result struct {
	Pose       photogrammetry.Pose
	Inliers    []uint32
	Iterations int
	// MeanError is the mean pixel reprojection error over the inliers.
	MeanError float64
}

// Estimator runs RANSAC pose estimation. Only its configuration persists between calls.
type Estimator struct {
	camera *photogrammetry.CameraModel
	cfg    Config
	method Method
	logger *zap.SugaredLogger
}

// New returns an estimator for camera with a validated cfg.
func New(camera *photogrammetry.CameraModel, cfg Config, logger *zap.SugaredLogger) (*Estimator, error) {
	if err := cfg.Validate("pose"); err != nil {
		return nil, err
	}
	method, err := ParseMethod(cfg.Method)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Estimator{camera: camera, cfg: cfg, method: method, logger: logger}, nil
}

// Config returns the estimator settings.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Estimate runs EstimateWithRand with a generator seeded from Config.Seed, so identical
// inputs give identical results.
func (e *Estimator) Estimate(imagePoints []r2.Point, worldPoints []r3.Vector, initial photogrammetry.Pose) (*Result, error) {
	//nolint:gosec
	return e.EstimateWithRand(rand.New(rand.NewSource(e.cfg.Seed)), imagePoints, worldPoints, initial)
}

// EstimateWithRand finds the camera pose supported by the most correspondences. initial, a
// camera pose in world coordinates, seeds MethodIterative unless it is the identity.
// rng must not be shared with a concurrent call; a nil rng is seeded from Config.Seed.
//
// On failure the result is nil.
func (e *Estimator) EstimateWithRand(
	rng *rand.Rand,
	imagePoints []r2.Point,
	worldPoints []r3.Vector,
	initial photogrammetry.Pose,
) (*Result, error) {
	if err := e.validate(imagePoints, worldPoints); err != nil {
		return nil, err
	}
	if rng == nil {
		//nolint:gosec
		rng = rand.New(rand.NewSource(e.cfg.Seed))
	}

	n := len(worldPoints)
	norm := make([]r2.Point, n)
	for i, p := range imagePoints {
		np, err := e.camera.NormalizedUndistorted(p)
		if err != nil {
			return nil, err
		}
		norm[i] = np
	}

	hasInit := !initial.IsIdentity(0)
	var initToCamera photogrammetry.Pose
	if hasInit {
		initToCamera = initial.Inverse()
	}

	sampleSize := e.method.SampleSize()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	sampleNorm := make([]r2.Point, sampleSize)
	sampleWorld := make([]r3.Vector, sampleSize)

	var best photogrammetry.Pose
	var bestInliers []uint32
	var failedFits int
	maxIterations := e.cfg.Iterations
	iterations := 0
	for iterations < maxIterations {
		iterations++
		// partial Fisher-Yates, the first sampleSize indices are the sample
		for i := 0; i < sampleSize; i++ {
			j := i + rng.Intn(n-i)
			indices[i], indices[j] = indices[j], indices[i]
			sampleNorm[i] = norm[indices[i]]
			sampleWorld[i] = worldPoints[indices[i]]
		}

		toCamera, err := e.fit(sampleNorm, sampleWorld, initToCamera, hasInit)
		if err != nil {
			failedFits++
			continue
		}
		inliers, _ := e.score(toCamera, imagePoints, worldPoints, nil)
		if len(inliers) > len(bestInliers) {
			best, bestInliers = toCamera, inliers
			if k := adaptiveIterations(e.cfg.Confidence, float64(len(inliers))/float64(n), sampleSize); k < maxIterations {
				maxIterations = k
			}
		}
	}

	if len(bestInliers) < e.cfg.MinInliers {
		e.logger.Debugw("pose estimation failed",
			"method", e.method, "iterations", iterations, "inliers", len(bestInliers), "failed_fits", failedFits)
		return nil, errors.Wrapf(ErrInsufficientInliers, "best hypothesis has %d inliers, need %d", len(bestInliers), e.cfg.MinInliers)
	}

	pose, meanErr := e.refine(best, bestInliers, norm, imagePoints, worldPoints)
	e.logger.Debugw("pose estimated",
		"method", e.method,
		"iterations", iterations,
		"inliers", len(bestInliers),
		"correspondences", n,
		"failed_fits", failedFits,
		"mean_error", meanErr)
	return &Result{
		Pose:       pose.Inverse(),
		Inliers:    bestInliers,
		Iterations: iterations,
		MeanError:  meanErr,
	}, nil
}

func (e *Estimator) validate(imagePoints []r2.Point, worldPoints []r3.Vector) error {
	if len(imagePoints) != len(worldPoints) {
		return errors.Wrapf(photogrammetry.ErrInvalidInput,
			"%d image points for %d world points", len(imagePoints), len(worldPoints))
	}
	need := e.method.SampleSize()
	if need < minCorrespondences {
		need = minCorrespondences
	}
	if len(worldPoints) < need {
		return errors.Wrapf(photogrammetry.ErrInvalidInput,
			"%s needs at least %d correspondences, got %d", e.method, need, len(worldPoints))
	}
	if !e.camera.Initialized() {
		return photogrammetry.ErrUninitializedCamera
	}
	if e.method == MethodDLT {
		return checkNotCoplanar(worldPoints)
	}
	return nil
}

func (e *Estimator) fit(norm []r2.Point, world []r3.Vector, init photogrammetry.Pose, hasInit bool) (photogrammetry.Pose, error) {
	switch e.method {
	case MethodP3P:
		return solveP3P(norm, world)
	case MethodDLT:
		return solveDLT(norm, world)
	default:
		return solveIterative(norm, world, init, hasInit)
	}
}

// score returns the correspondences whose pixel reprojection error is under the threshold,
// restricted to subset when it is not nil, and their mean error.
func (e *Estimator) score(toCamera photogrammetry.Pose, imagePoints []r2.Point, worldPoints []r3.Vector, subset []uint32) ([]uint32, float64) {
	var inliers []uint32
	var sum float64
	check := func(i uint32) {
		pc := toCamera.TransformPoint(worldPoints[i])
		if pc.Z <= 0 {
			return
		}
		px, err := e.camera.ProjectFromCamera(pc)
		if err != nil {
			return
		}
		if d := px.Sub(imagePoints[i]).Norm(); d < e.cfg.ReprojError {
			inliers = append(inliers, i)
			sum += d
		}
	}
	if subset == nil {
		for i := range worldPoints {
			check(uint32(i))
		}
	} else {
		for _, i := range subset {
			check(i)
		}
	}
	if len(inliers) == 0 {
		return nil, 0
	}
	return inliers, sum / float64(len(inliers))
}

// refine runs Gauss-Newton over every inlier of the best hypothesis. The inlier set is kept
// as is; the refined pose replaces the hypothesis only if it lowers their mean error.
func (e *Estimator) refine(
	toCamera photogrammetry.Pose,
	inliers []uint32,
	norm []r2.Point,
	imagePoints []r2.Point,
	worldPoints []r3.Vector,
) (photogrammetry.Pose, float64) {
	_, meanErr := e.score(toCamera, imagePoints, worldPoints, inliers)

	inNorm := make([]r2.Point, len(inliers))
	inWorld := make([]r3.Vector, len(inliers))
	for k, i := range inliers {
		inNorm[k], inWorld[k] = norm[i], worldPoints[i]
	}
	refined, err := gaussNewton(inNorm, inWorld, toCamera, gaussNewtonIterations)
	if err != nil {
		e.logger.Debugw("refinement failed, keeping the hypothesis", "error", err)
		return toCamera, meanErr
	}

	still, refinedErr := e.score(refined, imagePoints, worldPoints, inliers)
	if len(still) != len(inliers) || refinedErr >= meanErr {
		return toCamera, meanErr
	}
	return refined, refinedErr
}

// adaptiveIterations is the number of samples needed to draw, with the given confidence, at
// least one sample free of outliers when a fraction inlierRatio of the data are inliers.
func adaptiveIterations(confidence, inlierRatio float64, sampleSize int) int {
	switch {
	case confidence <= 0 || inlierRatio >= 1:
		return 0
	case confidence >= 1 || inlierRatio <= 0:
		return math.MaxInt
	}
	denom := math.Log(1 - math.Pow(inlierRatio, float64(sampleSize)))
	if denom >= 0 {
		return math.MaxInt
	}
	k := math.Ceil(math.Log(1-confidence) / denom)
	if k >= math.MaxInt32 {
		return math.MaxInt
	}
	return int(k)
}
