package posest

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/recon/linalg"
	"sphaeroptica.be/recon/photogrammetry"
)

// coplanarTolerance is the ratio of the smallest to the largest spread of the world points
// under which they are taken as coplanar.
const coplanarTolerance = 1e-6

// checkNotCoplanar returns linalg.ErrSingularSystem when the world points lie on a plane or a
// line, where the DLT has no unique solution.
func checkNotCoplanar(world []r3.Vector) error {
	var centroid r3.Vector
	for _, w := range world {
		centroid = centroid.Add(w)
	}
	centroid = centroid.Mul(1 / float64(len(world)))
	centered := mat.NewDense(len(world), 3, nil)
	for i, w := range world {
		d := w.Sub(centroid)
		centered.SetRow(i, []float64{d.X, d.Y, d.Z})
	}
	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDNone); !ok {
		return errors.Wrap(linalg.ErrSingularSystem, "failed to factorize world points")
	}
	values := svd.Values(nil)
	if len(values) < 3 || values[2] <= coplanarTolerance*values[0] {
		return errors.Wrap(linalg.ErrSingularSystem, "world points are coplanar, DLT needs a non planar scene")
	}
	return nil
}

// solveDLT estimates the world to camera pose linearly from six or more correspondences on
// the normalized image plane. The world points are centered and scaled first.
func solveDLT(norm []r2.Point, world []r3.Vector) (photogrammetry.Pose, error) {
	n := len(world)
	if n < MethodDLT.SampleSize() || len(norm) != n {
		return photogrammetry.Pose{}, errors.Wrapf(photogrammetry.ErrInvalidInput, "DLT needs 6 correspondences, got %d", n)
	}
	if err := checkNotCoplanar(world); err != nil {
		return photogrammetry.Pose{}, err
	}

	var centroid r3.Vector
	for _, w := range world {
		centroid = centroid.Add(w)
	}
	centroid = centroid.Mul(1 / float64(n))
	var meanDist float64
	for _, w := range world {
		meanDist += w.Sub(centroid).Norm()
	}
	meanDist /= float64(n)
	s := math.Sqrt(3) / meanDist

	a := mat.NewDense(2*n, 12, nil)
	for i, w := range world {
		p := w.Sub(centroid).Mul(s)
		x, y := norm[i].X, norm[i].Y
		a.SetRow(2*i, []float64{p.X, p.Y, p.Z, 1, 0, 0, 0, 0, -x * p.X, -x * p.Y, -x * p.Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, p.X, p.Y, p.Z, 1, -y * p.X, -y * p.Y, -y * p.Z, -y})
	}
	sol, err := linalg.SolveHomogeneous(a)
	if err != nil {
		return photogrammetry.Pose{}, errors.Wrap(err, "DLT")
	}

	// P = P'.T with T = [s.I -s.c; 0 1]
	m := mat.NewDense(3, 3, nil)
	var tPrime r3.Vector
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, s*sol.AtVec(4*i+j))
		}
	}
	tPrime = r3.Vector{X: sol.AtVec(3), Y: sol.AtVec(7), Z: sol.AtVec(11)}
	var mc mat.VecDense
	mc.MulVec(m, mat.NewVecDense(3, []float64{centroid.X, centroid.Y, centroid.Z}))
	t := tPrime.Sub(r3.Vector{X: mc.AtVec(0), Y: mc.AtVec(1), Z: mc.AtVec(2)})

	// M = lambda.R, the sign of lambda is the sign of det(M)
	det := mat.Det(m)
	if math.Abs(det) < geometryEpsilon {
		return photogrammetry.Pose{}, errors.Wrap(linalg.ErrSingularSystem, "DLT rotation block is singular")
	}
	lambda := math.Cbrt(det)
	m.Scale(1/lambda, m)
	rot, err := linalg.NearestRotation(m)
	if err != nil {
		return photogrammetry.Pose{}, err
	}
	return photogrammetry.NewPose(rot, t.Mul(1/lambda))
}
