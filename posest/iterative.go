package posest

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/recon/linalg"
	"sphaeroptica.be/recon/photogrammetry"
)

const (
	gaussNewtonIterations = 20
	maxStepHalvings       = 10
	minStep               = 1e-12
	// behindCameraResidual replaces the residuals of a point that left the front of the camera.
	behindCameraResidual = 1e3
)

// solveIterative refines init, or a P3P solution when hasInit is false, by Gauss-Newton on
// the reprojection error of the correspondences.
func solveIterative(norm []r2.Point, world []r3.Vector, init photogrammetry.Pose, hasInit bool) (photogrammetry.Pose, error) {
	if !hasInit {
		var err error
		if init, err = solveP3P(norm, world); err != nil {
			return photogrammetry.Pose{}, err
		}
	}
	return gaussNewton(norm, world, init, gaussNewtonIterations)
}

// gaussNewton minimizes the squared reprojection error on the normalized image plane over a
// world to camera pose. Updates are rigid motions applied on the left of the current pose,
// their Jacobian is taken by central finite differences around the identity. A step that
// does not lower the cost is halved until it does.
func gaussNewton(norm []r2.Point, world []r3.Vector, init photogrammetry.Pose, iterations int) (photogrammetry.Pose, error) {
	n := len(world)
	if n < 3 || len(norm) != n {
		return photogrammetry.Pose{}, errors.Wrapf(photogrammetry.ErrInvalidInput, "Gauss-Newton needs at least 3 correspondences, got %d", n)
	}

	current := init
	r := make([]float64, 2*n)
	residuals(r, current, norm, world)
	cost := floats.Dot(r, r)

	jac := mat.NewDense(2*n, 6, nil)
	candidate := make([]float64, 2*n)
	settings := &fd.JacobianSettings{Formula: fd.Central}
	for iter := 0; iter < iterations; iter++ {
		base := current
		fd.Jacobian(jac, func(y, x []float64) {
			residuals(y, increment(x).Mul(base), norm, world)
		}, make([]float64, 6), settings)

		negR := make([]float64, 2*n)
		floats.ScaleTo(negR, -1, r)
		delta, err := linalg.SolveLeastSquares(jac, mat.NewVecDense(2*n, negR))
		if err != nil {
			return photogrammetry.Pose{}, errors.Wrap(err, "Gauss-Newton step")
		}

		step := mat.VecDenseCopyOf(delta).RawVector().Data
		improved := false
		for h := 0; h < maxStepHalvings; h++ {
			next := increment(step).Mul(current)
			residuals(candidate, next, norm, world)
			if c := floats.Dot(candidate, candidate); c < cost {
				current, cost = next, c
				copy(r, candidate)
				improved = true
				break
			}
			floats.Scale(0.5, step)
		}
		if !improved || floats.Norm(step, 2) < minStep {
			break
		}
	}
	return current, nil
}

// increment is the rigid motion of rotation vector x[0:3] and translation x[3:6].
func increment(x []float64) photogrammetry.Pose {
	return photogrammetry.PoseFromAxisAngle(
		r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	)
}

func residuals(dst []float64, toCamera photogrammetry.Pose, norm []r2.Point, world []r3.Vector) {
	for i, w := range world {
		pc := toCamera.TransformPoint(w)
		if pc.Z <= geometryEpsilon {
			dst[2*i], dst[2*i+1] = behindCameraResidual, behindCameraResidual
			continue
		}
		dst[2*i] = pc.X/pc.Z - norm[i].X
		dst[2*i+1] = pc.Y/pc.Z - norm[i].Y
	}
}
