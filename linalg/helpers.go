package linalg

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Eye creates an identity matrix of size nxn.
func Eye(n int) *mat.Dense {
	if n <= 0 {
		return nil
	}
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Cross returns the matrix [v]x such that [v]x.w = v x w.
func Cross(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// NearestRotation projects a 3x3 matrix onto SO(3) in the Frobenius sense.
func NearestRotation(m mat.Matrix) (*mat.Dense, error) {
	if r, c := m.Dims(); r != 3 || c != 3 {
		return nil, errors.Errorf("expected a 3x3 matrix, got %dx%d", r, c)
	}
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.Wrap(ErrSingularSystem, "failed to factorize rotation")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		// flip the axis of the smallest singular value
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var ud mat.Dense
		ud.Mul(&u, d)
		rot.Mul(&ud, v.T())
	}
	return &rot, nil
}
