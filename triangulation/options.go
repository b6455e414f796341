package triangulation

import (
	"strings"

	"github.com/pkg/errors"

	"sphaeroptica.be/recon/linalg"
	"sphaeroptica.be/recon/photogrammetry"
)

// Method selects the point triangulation algorithm.
type Method int

const (
	// MethodIterative reweights the linear system by the inverse depth of the estimate in
	// each camera until the weights settle.
	MethodIterative Method = iota
	// MethodDirect solves the linear system once.
	MethodDirect
)

func (m Method) String() string {
	switch m {
	case MethodIterative:
		return "iterative"
	case MethodDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ParseMethod reads a method name, case insensitive.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "", "iterative":
		return MethodIterative, nil
	case "direct", "dlt":
		return MethodDirect, nil
	default:
		return 0, errors.Errorf("unknown triangulation method %q", s)
	}
}

const (
	maxIterations      = 10
	weightTolerance    = 1e-4
	parallelLinesLimit = 1e-3
)

// DefaultMinParallax is the smallest angle, in degrees, between the two rays of a point.
const DefaultMinParallax = 0.1

type options struct {
	method      Method
	maxError    float64
	minParallax float64
	solver      linalg.Solver
}

// Option configures a triangulator.
type Option func(*options)

// WithMethod selects the point triangulation algorithm.
func WithMethod(m Method) Option {
	return func(o *options) {
		o.method = m
	}
}

// WithMaxReprojectionError discards elements whose reprojection error exceeds maxError
// pixels. Zero keeps everything.
func WithMaxReprojectionError(maxError float64) Option {
	return func(o *options) {
		o.maxError = maxError
	}
}

// WithMinParallax rejects, as singular, points whose rays meet at less than degrees. Zero
// disables the check.
func WithMinParallax(degrees float64) Option {
	return func(o *options) {
		o.minParallax = photogrammetry.Degrees2Rad(degrees)
	}
}

// WithSolver overrides the linear solver, typically to change its singular tolerance.
func WithSolver(s linalg.Solver) Option {
	return func(o *options) {
		o.solver = s
	}
}

func newOptions(opts []Option) options {
	o := options{minParallax: photogrammetry.Degrees2Rad(DefaultMinParallax)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) discard(reprojErr float64) bool {
	return o.maxError > 0 && reprojErr > o.maxError
}
