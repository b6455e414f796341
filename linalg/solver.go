// Package linalg holds the small dense SVD solvers the reconstruction code is built on.
package linalg

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DefaultTolerance is the singular value ratio, relative to the largest one, under which a
// system is considered degenerate.
const DefaultTolerance = 1e-9

// DefaultGapTolerance is the smallest accepted ratio between the two smallest singular values
// of a homogeneous system.
const DefaultGapTolerance = 2.0

// ErrSingularSystem is returned when a linear system has no well-conditioned solution.
var ErrSingularSystem = errors.New("singular linear system")

// Solver solves homogeneous and least squares systems through singular value decomposition.
// The zero value uses DefaultTolerance and DefaultGapTolerance.
type Solver struct {
	Tolerance    float64
	GapTolerance float64
}

var defaultSolver = Solver{}

// SolveHomogeneous solves A.x = 0 with the default tolerance.
func SolveHomogeneous(a mat.Matrix) (*mat.VecDense, error) {
	return defaultSolver.SolveHomogeneous(a)
}

// SolveLeastSquares solves A.x = b in the least squares sense with the default tolerance.
func SolveLeastSquares(a mat.Matrix, b mat.Vector) (*mat.VecDense, error) {
	return defaultSolver.SolveLeastSquares(a, b)
}

// PseudoInverse returns the Moore-Penrose pseudo-inverse of a with the default tolerance.
func PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	return defaultSolver.PseudoInverse(a)
}

func (s Solver) tolerance() float64 {
	if s.Tolerance <= 0 {
		return DefaultTolerance
	}
	return s.Tolerance
}

func (s Solver) gapTolerance() float64 {
	if s.GapTolerance <= 0 {
		return DefaultGapTolerance
	}
	return s.GapTolerance
}

// SolveHomogeneous returns the unit right singular vector of A associated with its smallest
// singular value. The system must have a one dimensional null space: ErrSingularSystem is
// returned when the second smallest singular value falls under Tolerance times the largest one
// or under GapTolerance times the smallest one.
func (s Solver) SolveHomogeneous(a mat.Matrix) (*mat.VecDense, error) {
	rows, cols := a.Dims()
	if cols < 2 || rows < cols-1 {
		return nil, errors.Wrapf(ErrSingularSystem, "homogeneous system of %dx%d is underdetermined", rows, cols)
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFullV); !ok {
		return nil, errors.Wrap(ErrSingularSystem, "failed to factorize A")
	}
	values := svd.Values(nil)
	// values has min(rows, cols) >= cols-1 entries, the one at cols-2 is the second smallest
	if values[0] == 0 || values[cols-2] < s.tolerance()*values[0] {
		return nil, errors.Wrapf(ErrSingularSystem, "null space is not one dimensional (sigma=%v)", values)
	}
	if len(values) >= cols && values[cols-2] < s.gapTolerance()*values[cols-1] {
		return nil, errors.Wrapf(ErrSingularSystem, "two smallest singular values are too close (sigma=%v)", values)
	}

	var v mat.Dense
	svd.VTo(&v)
	x := mat.VecDenseCopyOf(v.ColView(cols - 1))
	x.ScaleVec(1/mat.Norm(x, 2), x)
	return x, nil
}

// SolveLeastSquares returns x = pinv(A).b. A rank deficient A yields ErrSingularSystem.
func (s Solver) SolveLeastSquares(a mat.Matrix, b mat.Vector) (*mat.VecDense, error) {
	rows, cols := a.Dims()
	if b.Len() != rows {
		return nil, errors.Errorf("dimension mismatch: A is %dx%d, b has %d entries", rows, cols, b.Len())
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.Wrap(ErrSingularSystem, "failed to factorize A")
	}
	rank := svd.Rank(s.tolerance())
	if rank < cols {
		return nil, errors.Wrapf(ErrSingularSystem, "rank %d for %d unknowns", rank, cols)
	}

	var x mat.VecDense
	svd.SolveVecTo(&x, b, rank)
	return &x, nil
}

// PseudoInverse returns V.S^-1.U^T, singular values under Tolerance times the largest one
// are treated as zero.
func (s Solver) PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	rows, cols := a.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.Wrap(ErrSingularSystem, "failed to factorize A")
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	inv := make([]float64, len(values))
	for i, sv := range values {
		if sv > s.tolerance()*values[0] {
			inv[i] = 1 / sv
		}
	}

	var vs mat.Dense
	vs.Mul(&v, mat.NewDiagDense(len(inv), inv))
	pinv := mat.NewDense(cols, rows, nil)
	pinv.Mul(&vs, u.T())
	return pinv, nil
}
