package posest

import (
	"github.com/pkg/errors"

	"sphaeroptica.be/recon/linalg"
	"sphaeroptica.be/recon/photogrammetry"
)

// ErrInsufficientInliers is returned when no hypothesis gathered Config.MinInliers inliers.
var ErrInsufficientInliers = errors.New("insufficient inliers")

// Status is the outcome of an estimation as reported to callers that do not inspect errors.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalidInput
	StatusUninitializedCamera
	StatusInsufficientInliers
	StatusSingularSystem
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidInput:
		return "invalid-input"
	case StatusUninitializedCamera:
		return "uninitialized-camera"
	case StatusInsufficientInliers:
		return "insufficient-inliers"
	case StatusSingularSystem:
		return "singular-system"
	default:
		return "failure"
	}
}

// StatusFromError maps an error returned by this package to its status.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, photogrammetry.ErrInvalidInput):
		return StatusInvalidInput
	case errors.Is(err, photogrammetry.ErrUninitializedCamera):
		return StatusUninitializedCamera
	case errors.Is(err, ErrInsufficientInliers):
		return StatusInsufficientInliers
	case errors.Is(err, linalg.ErrSingularSystem):
		return StatusSingularSystem
	default:
		return StatusFailure
	}
}
