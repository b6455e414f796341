// Package triangulation recovers 3D points and 3D line segments from two calibrated views.
package triangulation

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Match pairs an observation of view 1 with an observation of view 2.
type Match struct {
	Index1 int `json:"index1"`
	Index2 int `json:"index2"`
}

// ViewPair identifies the two views a cloud element was triangulated from.
type ViewPair struct {
	View1 uint32 `json:"view1"`
	View2 uint32 `json:"view2"`
}

// Keypoint is an image observation with an optional descriptor. The descriptor is never
// interpreted, only carried into the cloud.
type Keypoint struct {
	Point      r2.Point `json:"point"`
	Descriptor []byte   `json:"descriptor,omitempty"`
}

// CloudPoint is a triangulated point.
type CloudPoint struct {
	Point             r3.Vector `json:"point"`
	Views             ViewPair  `json:"views"`
	Indices           Match     `json:"indices"`
	Descriptor        []byte    `json:"descriptor,omitempty"`
	ReprojectionError float64   `json:"reprojection_error"`
}

// Line2D is an observed image segment.
type Line2D struct {
	Start r2.Point `json:"start"`
	End   r2.Point `json:"end"`
}

// Keyline is a segment with an optional descriptor.
type Keyline struct {
	Line       Line2D `json:"line"`
	Descriptor []byte `json:"descriptor,omitempty"`
}

// CloudLine is a triangulated segment. ReprojectionError is the mean pixel distance of the
// reprojected endpoints to the observed lines.
type CloudLine struct {
	Start             r3.Vector `json:"start"`
	End               r3.Vector `json:"end"`
	Views             ViewPair  `json:"views"`
	Indices           Match     `json:"indices"`
	Descriptor        []byte    `json:"descriptor,omitempty"`
	ReprojectionError float64   `json:"reprojection_error"`
}

// Direction returns the unit direction from Start to End.
func (l CloudLine) Direction() r3.Vector {
	return l.End.Sub(l.Start).Normalize()
}

// Length returns the segment length.
func (l CloudLine) Length() float64 {
	return l.End.Sub(l.Start).Norm()
}

// Stats summarizes a batch.
type Stats struct {
	Triangulated int     `json:"triangulated"`
	Skipped      int     `json:"skipped"`
	Discarded    int     `json:"discarded"`
	MeanError    float64 `json:"mean_error"`
}
