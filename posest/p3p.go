package posest

import (
	"math"
	"math/cmplx"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/recon/linalg"
	"sphaeroptica.be/recon/photogrammetry"
)

const (
	// geometryEpsilon rejects coincident points and vanishing denominators.
	geometryEpsilon = 1e-12
	// imaginaryTolerance is the largest imaginary part, relative to the modulus, of an
	// eigenvalue accepted as a real root.
	imaginaryTolerance = 1e-6
)

// solveP3P returns the world to camera pose fitting the first three correspondences, the
// remaining ones choosing among the up to four solutions.
func solveP3P(norm []r2.Point, world []r3.Vector) (photogrammetry.Pose, error) {
	if len(world) < 4 || len(norm) != len(world) {
		return photogrammetry.Pose{}, errors.Wrapf(photogrammetry.ErrInvalidInput, "P3P needs 4 correspondences, got %d", len(world))
	}
	candidates, err := grunert(norm[:3], world[:3])
	if err != nil {
		return photogrammetry.Pose{}, err
	}

	best, bestErr := 0, math.Inf(1)
	for i, c := range candidates {
		if e := normalizedError(c, norm, world); e < bestErr {
			best, bestErr = i, e
		}
	}
	return candidates[best], nil
}

// grunert solves the three point problem in closed form (Grunert 1841, as reviewed by
// Haralick et al. 1994). The distances along the bearings are s2 = u.s1 and s3 = v.s1, v
// being a root of a quartic.
func grunert(norm []r2.Point, world []r3.Vector) ([]photogrammetry.Pose, error) {
	j1, j2, j3 := bearing(norm[0]), bearing(norm[1]), bearing(norm[2])
	a2 := world[1].Sub(world[2]).Norm2()
	b2 := world[0].Sub(world[2]).Norm2()
	c2 := world[0].Sub(world[1]).Norm2()
	if a2 < geometryEpsilon || b2 < geometryEpsilon || c2 < geometryEpsilon {
		return nil, errors.Wrap(linalg.ErrSingularSystem, "coincident world points")
	}
	cosA, cosB, cosG := j2.Dot(j3), j1.Dot(j3), j1.Dot(j2)

	k := (a2 - c2) / b2
	p := (a2 + c2) / b2
	a4 := (k-1)*(k-1) - 4*c2/b2*cosA*cosA
	a3 := 4 * (k*(1-k)*cosB - (1-p)*cosA*cosG + 2*c2/b2*cosA*cosA*cosB)
	a2c := 2 * (k*k - 1 + 2*k*k*cosB*cosB + 2*(b2-c2)/b2*cosA*cosA - 4*p*cosA*cosB*cosG + 2*(b2-a2)/b2*cosG*cosG)
	a1 := 4 * (-k*(1+k)*cosB + 2*a2/b2*cosG*cosG*cosB - (1-p)*cosA*cosG)
	a0 := (1+k)*(1+k) - 4*a2/b2*cosG*cosG

	roots, err := realRoots([]float64{a4, a3, a2c, a1, a0})
	if err != nil {
		return nil, err
	}

	var poses []photogrammetry.Pose
	for _, v := range roots {
		den := 2 * (cosG - v*cosA)
		if math.Abs(den) < geometryEpsilon {
			continue
		}
		u := ((-1+k)*v*v - 2*k*cosB*v + 1 + k) / den
		d := 1 + v*v - 2*v*cosB
		if d <= 0 || u <= 0 || v <= 0 {
			continue
		}
		s1 := math.Sqrt(b2 / d)
		cam := []r3.Vector{j1.Mul(s1), j2.Mul(u * s1), j3.Mul(v * s1)}
		pose, err := absoluteOrientation(world, cam)
		if err != nil {
			continue
		}
		poses = append(poses, pose)
	}
	if len(poses) == 0 {
		return nil, errors.Wrap(linalg.ErrSingularSystem, "no P3P solution in front of the camera")
	}
	return poses, nil
}

// realRoots returns the real roots of the polynomial whose coefficients are given from the
// highest degree down, as eigenvalues of its companion matrix polished by Newton steps.
func realRoots(coeffs []float64) ([]float64, error) {
	scale := 0.0
	for _, c := range coeffs {
		scale = math.Max(scale, math.Abs(c))
	}
	if scale == 0 {
		return nil, errors.Wrap(linalg.ErrSingularSystem, "null polynomial")
	}
	for len(coeffs) > 1 && math.Abs(coeffs[0]) < geometryEpsilon*scale {
		coeffs = coeffs[1:]
	}
	degree := len(coeffs) - 1
	if degree < 1 {
		return nil, nil
	}

	companion := mat.NewDense(degree, degree, nil)
	for j := 0; j < degree; j++ {
		companion.Set(0, j, -coeffs[j+1]/coeffs[0])
	}
	for i := 1; i < degree; i++ {
		companion.Set(i, i-1, 1)
	}
	var eig mat.Eigen
	if ok := eig.Factorize(companion, mat.EigenNone); !ok {
		return nil, errors.Wrap(linalg.ErrSingularSystem, "companion matrix eigen decomposition failed")
	}

	var roots []float64
	for _, z := range eig.Values(nil) {
		if math.Abs(imag(z)) > imaginaryTolerance*math.Max(1, cmplx.Abs(z)) {
			continue
		}
		roots = append(roots, polish(coeffs, real(z)))
	}
	return roots, nil
}

func polish(coeffs []float64, x float64) float64 {
	for i := 0; i < 3; i++ {
		var p, dp float64
		for _, c := range coeffs {
			dp = dp*x + p
			p = p*x + c
		}
		if dp == 0 {
			break
		}
		x -= p / dp
	}
	return x
}

// absoluteOrientation returns the rigid transform mapping the world points onto the camera
// points in the least squares sense (Kabsch).
func absoluteOrientation(world, cam []r3.Vector) (photogrammetry.Pose, error) {
	n := float64(len(world))
	var cw, cc r3.Vector
	for i := range world {
		cw = cw.Add(world[i])
		cc = cc.Add(cam[i])
	}
	cw, cc = cw.Mul(1/n), cc.Mul(1/n)

	m := mat.NewDense(3, 3, nil)
	for i := range world {
		q, p := cam[i].Sub(cc), world[i].Sub(cw)
		var outer mat.Dense
		outer.Outer(1, mat.NewVecDense(3, []float64{q.X, q.Y, q.Z}), mat.NewVecDense(3, []float64{p.X, p.Y, p.Z}))
		m.Add(m, &outer)
	}
	rot, err := linalg.NearestRotation(m)
	if err != nil {
		return photogrammetry.Pose{}, err
	}
	var rcw mat.VecDense
	rcw.MulVec(rot, mat.NewVecDense(3, []float64{cw.X, cw.Y, cw.Z}))
	t := cc.Sub(r3.Vector{X: rcw.AtVec(0), Y: rcw.AtVec(1), Z: rcw.AtVec(2)})
	return photogrammetry.NewPose(rot, t)
}

func bearing(p r2.Point) r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: 1}.Normalize()
}

// normalizedError sums the distances, on the normalized image plane, between observations
// and reprojections. A point behind the camera makes the pose unacceptable.
func normalizedError(toCamera photogrammetry.Pose, norm []r2.Point, world []r3.Vector) float64 {
	var sum float64
	for i, w := range world {
		pc := toCamera.TransformPoint(w)
		if pc.Z <= geometryEpsilon {
			return math.Inf(1)
		}
		sum += r2.Point{X: pc.X / pc.Z, Y: pc.Y / pc.Z}.Sub(norm[i]).Norm()
	}
	return sum
}
