package main

import (
	"github.com/golang/geo/r3"

	sph "sphaeroptica.be/recon/photogrammetry"
	"sphaeroptica.be/recon/triangulation"
)

type VirtualCameraImage struct {
	Name        string          `json:"name"`
	FullImage   string          `json:"fullImage"`
	Thumbnail   string          `json:"thumbnail"`
	Coordinates sph.Coordinates `json:"coordinates"`
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CameraViewer places every image of a project on the sphere of the rig.
type CameraViewer struct {
	Images     []VirtualCameraImage `json:"images"`
	Size       Size                 `json:"size"`
	Thumbnails bool                 `json:"thumbnails"`
	Radius     float64              `json:"radius"`
	Center     r3.Vector            `json:"center"`
}

// Triangulation inputs

type PairInput struct {
	Image1     string                   `json:"image1"`
	Image2     string                   `json:"image2"`
	Keypoints1 []triangulation.Keypoint `json:"keypoints1"`
	Keypoints2 []triangulation.Keypoint `json:"keypoints2"`
	Matches    []triangulation.Match    `json:"matches"`
}

type LinePairInput struct {
	Image1    string                  `json:"image1"`
	Image2    string                  `json:"image2"`
	Keylines1 []triangulation.Keyline `json:"keylines1"`
	Keylines2 []triangulation.Keyline `json:"keylines2"`
	Matches   []triangulation.Match   `json:"matches"`
}

// ErrorSummary describes the reprojection errors, in pixels, of a batch.
type ErrorSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

type PointCloudOutput struct {
	Points []triangulation.CloudPoint `json:"points"`
	Stats  triangulation.Stats        `json:"stats"`
	Errors ErrorSummary               `json:"errors"`
}

type LineCloudOutput struct {
	Lines  []triangulation.CloudLine `json:"lines"`
	Stats  triangulation.Stats       `json:"stats"`
	Errors ErrorSummary              `json:"errors"`
}

// Pose estimation

// CorrespondenceInput pairs image observations with known world points. Initial names a
// project image whose pose seeds the iterative method.
type CorrespondenceInput struct {
	ImagePoints []sph.Pos   `json:"image_points"`
	WorldPoints []r3.Vector `json:"world_points"`
	Initial     string      `json:"initial,omitempty"`
}

type PoseOutput struct {
	Status     string         `json:"status"`
	Pose       sph.MatrixInfo `json:"pose"`
	Extrinsics sph.MatrixInfo `json:"extrinsics"`
	Center     r3.Vector      `json:"center"`
	Inliers    []uint32       `json:"inliers"`
	Iterations int            `json:"iterations"`
	MeanError  float64        `json:"mean_error"`
	Errors     ErrorSummary   `json:"errors"`
}

// Landmarks JSON

type ExportJSON struct {
	ScaleFactor float64                 `json:"scaleFactor"`
	Landmarks   map[string]LandmarkJSON `json:"landmarks"`
	Distances   []DistanceJSON          `json:"distances"`
}

type LandmarkJSON struct {
	Label    string              `json:"label"`
	Color    string              `json:"color"`
	Position []float64           `json:"position"`
	Poses    map[string]PoseJSON `json:"poses"`
	// Error is the reprojection error of Position in the two views it was triangulated from.
	Error    float64             `json:"error,omitempty"`
}

type PoseJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type DistanceJSON struct {
	Label string  `json:"label"`
	Left  string  `json:"left"`
	Right string  `json:"right"`
	Value float64 `json:"value,omitempty"`
}

// LandmarkCSV is a row of the landmarks spreadsheet, adjusted values are scaled.
type LandmarkCSV struct {
	Label     string `json:"label"`
	Color     string `json:"color"`
	X         string `json:"x"`
	Y         string `json:"y"`
	Z         string `json:"z"`
	XAdjusted string `json:"x_adjusted"`
	YAdjusted string `json:"y_adjusted"`
	ZAdjusted string `json:"z_adjusted"`
}

func (l LandmarkCSV) record() []string {
	return []string{l.Label, l.Color, l.X, l.Y, l.Z, l.XAdjusted, l.YAdjusted, l.ZAdjusted}
}

var landmarkCSVHeader = []string{"label", "color", "x", "y", "z", "x_adjusted", "y_adjusted", "z_adjusted"}
