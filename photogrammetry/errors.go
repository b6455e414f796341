package photogrammetry

import "github.com/pkg/errors"

var (
	// ErrUninitializedCamera is returned by any geometry call made before the camera parameters are set.
	ErrUninitializedCamera = errors.New("camera parameters are not set")
	// ErrInvalidInput is returned when inputs are rejected before any numerical work.
	ErrInvalidInput = errors.New("invalid input")
)
