package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sphaeroptica.be/recon/imports"
	sph "sphaeroptica.be/recon/photogrammetry"
	"sphaeroptica.be/recon/posest"
	"sphaeroptica.be/recon/triangulation"
)

// App runs the reconstruction commands against a project file.
type App struct {
	logger *zap.SugaredLogger
}

// NewApp creates a new App.
func NewApp(logger *zap.SugaredLogger) *App {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &App{logger: logger}
}

func (a *App) loadProject(projectFile string) (*imports.Project, *sph.CameraModel, error) {
	p, err := imports.ReadProject(projectFile)
	if err != nil {
		return nil, nil, err
	}
	cam, err := p.Camera()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "camera of %s", projectFile)
	}
	return p, cam, nil
}

// Reproject returns the pixel where position appears in imageName.
func (a *App) Reproject(projectFile, imageName string, position r3.Vector) (sph.Pos, error) {
	p, cam, err := a.loadProject(projectFile)
	if err != nil {
		return sph.Pos{}, err
	}
	pose, err := p.Pose(imageName)
	if err != nil {
		return sph.Pos{}, err
	}
	px, err := cam.Project(position, pose)
	if err != nil {
		return sph.Pos{}, err
	}
	return sph.Pos{X: px.X, Y: px.Y}, nil
}

// Triangulate reconstructs the matched keypoints of two project images.
func (a *App) Triangulate(projectFile string, in PairInput, opts ...triangulation.Option) (*PointCloudOutput, error) {
	p, cam, err := a.loadProject(projectFile)
	if err != nil {
		return nil, err
	}
	pose1, pose2, views, err := pairPoses(p, in.Image1, in.Image2)
	if err != nil {
		return nil, err
	}
	t := triangulation.NewPointTriangulator(cam, a.logger.Named("points"), opts...)
	cloud, st, err := t.TriangulateWithStats(in.Keypoints1, in.Keypoints2, in.Matches, views, pose1, pose2)
	if err != nil {
		return nil, err
	}
	errs := make([]float64, len(cloud))
	for i, c := range cloud {
		errs[i] = c.ReprojectionError
	}
	a.logger.Infow("points triangulated",
		"images", []string{in.Image1, in.Image2},
		"method", t.Method(),
		"triangulated", st.Triangulated,
		"skipped", st.Skipped,
		"discarded", st.Discarded,
		"mean_error", st.MeanError)
	return &PointCloudOutput{Points: cloud, Stats: st, Errors: summarize(errs)}, nil
}

// TriangulateLines reconstructs the matched keylines of two project images.
func (a *App) TriangulateLines(projectFile string, in LinePairInput, opts ...triangulation.Option) (*LineCloudOutput, error) {
	p, cam, err := a.loadProject(projectFile)
	if err != nil {
		return nil, err
	}
	pose1, pose2, views, err := pairPoses(p, in.Image1, in.Image2)
	if err != nil {
		return nil, err
	}
	t := triangulation.NewLineTriangulator(cam, a.logger.Named("lines"), opts...)
	cloud, st, err := t.TriangulateWithStats(in.Keylines1, in.Keylines2, in.Matches, views, pose1, pose2)
	if err != nil {
		return nil, err
	}
	errs := make([]float64, len(cloud))
	for i, c := range cloud {
		errs[i] = c.ReprojectionError
	}
	a.logger.Infow("lines triangulated",
		"images", []string{in.Image1, in.Image2},
		"triangulated", st.Triangulated,
		"skipped", st.Skipped,
		"discarded", st.Discarded,
		"mean_error", st.MeanError)
	return &LineCloudOutput{Lines: cloud, Stats: st, Errors: summarize(errs)}, nil
}

// pairPoses returns the poses of two images and their indices in the sorted image list.
func pairPoses(p *imports.Project, image1, image2 string) (sph.Pose, sph.Pose, triangulation.ViewPair, error) {
	if image1 == image2 {
		return sph.Pose{}, sph.Pose{}, triangulation.ViewPair{}, errors.Wrapf(sph.ErrInvalidInput, "both views are %q", image1)
	}
	pose1, err := p.Pose(image1)
	if err != nil {
		return sph.Pose{}, sph.Pose{}, triangulation.ViewPair{}, err
	}
	pose2, err := p.Pose(image2)
	if err != nil {
		return sph.Pose{}, sph.Pose{}, triangulation.ViewPair{}, err
	}
	index := map[string]uint32{}
	for i, name := range p.Images() {
		index[name] = uint32(i)
	}
	return pose1, pose2, triangulation.ViewPair{View1: index[image1], View2: index[image2]}, nil
}

// Landmarks fills the position of every landmark clicked in at least two images and measures
// the distances between them. Each landmark is triangulated from every pair of its images
// and keeps the position with the lowest reprojection error.
func (a *App) Landmarks(projectFile string, in ExportJSON, opts ...triangulation.Option) (*ExportJSON, error) {
	p, cam, err := a.loadProject(projectFile)
	if err != nil {
		return nil, err
	}
	t := triangulation.NewPointTriangulator(cam, a.logger.Named("landmarks"), opts...)

	out := ExportJSON{ScaleFactor: in.ScaleFactor, Landmarks: make(map[string]LandmarkJSON, len(in.Landmarks))}
	if out.ScaleFactor == 0 {
		out.ScaleFactor = 1
	}
	labels := make([]string, 0, len(in.Landmarks))
	for label := range in.Landmarks {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		lm := in.Landmarks[label]
		lm.Position = nil
		lm.Error = 0
		pos, reprojErr, err := a.bestPosition(t, p, lm.Poses)
		if err != nil {
			a.logger.Warnw("landmark not triangulated", "landmark", label, "error", err)
		} else {
			lm.Position = []float64{pos.X, pos.Y, pos.Z}
			lm.Error = reprojErr
		}
		out.Landmarks[label] = lm
	}

	for _, d := range in.Distances {
		left, right := out.Landmarks[d.Left].Position, out.Landmarks[d.Right].Position
		d.Value = 0
		if len(left) == 3 && len(right) == 3 {
			v := r3.Vector{X: left[0], Y: left[1], Z: left[2]}.Sub(r3.Vector{X: right[0], Y: right[1], Z: right[2]})
			d.Value = v.Norm() * out.ScaleFactor
		} else {
			a.logger.Warnw("distance not measured", "distance", d.Label, "left", d.Left, "right", d.Right)
		}
		out.Distances = append(out.Distances, d)
	}
	return &out, nil
}

func (a *App) bestPosition(t *triangulation.PointTriangulator, p *imports.Project, clicks map[string]PoseJSON) (r3.Vector, float64, error) {
	images := make([]string, 0, len(clicks))
	for image := range clicks {
		images = append(images, image)
	}
	sort.Strings(images)
	if len(images) < 2 {
		return r3.Vector{}, 0, errors.Wrapf(sph.ErrInvalidInput, "placed in %d image(s), need 2", len(images))
	}

	var best r3.Vector
	bestErr := math.Inf(1)
	var lastErr error
	for i := range images {
		for j := i + 1; j < len(images); j++ {
			pose1, pose2, _, err := pairPoses(p, images[i], images[j])
			if err != nil {
				return r3.Vector{}, 0, err
			}
			c1, c2 := clicks[images[i]], clicks[images[j]]
			x, reprojErr, err := t.TriangulatePoint(r2.Point{X: c1.X, Y: c1.Y}, r2.Point{X: c2.X, Y: c2.Y}, pose1, pose2)
			if err != nil {
				lastErr = err
				continue
			}
			if reprojErr < bestErr {
				best, bestErr = x, reprojErr
			}
		}
	}
	if math.IsInf(bestErr, 1) {
		return r3.Vector{}, 0, lastErr
	}
	return best, bestErr, nil
}

// WriteLandmarksCSV writes one row per triangulated landmark.
func WriteLandmarksCSV(w io.Writer, landmarks *ExportJSON) error {
	labels := make([]string, 0, len(landmarks.Landmarks))
	for label := range landmarks.Landmarks {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	format := func(v float64) string {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(landmarkCSVHeader); err != nil {
		return err
	}
	for _, label := range labels {
		lm := landmarks.Landmarks[label]
		if len(lm.Position) != 3 {
			continue
		}
		row := LandmarkCSV{
			Label:     lm.Label,
			Color:     lm.Color,
			X:         format(lm.Position[0]),
			Y:         format(lm.Position[1]),
			Z:         format(lm.Position[2]),
			XAdjusted: format(lm.Position[0] * landmarks.ScaleFactor),
			YAdjusted: format(lm.Position[1] * landmarks.ScaleFactor),
			ZAdjusted: format(lm.Position[2] * landmarks.ScaleFactor),
		}
		if err := writer.Write(row.record()); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// EstimatePose recovers the pose of the camera that observed known world points.
func (a *App) EstimatePose(projectFile string, in CorrespondenceInput, cfg posest.Config) (*PoseOutput, error) {
	p, cam, err := a.loadProject(projectFile)
	if err != nil {
		return nil, err
	}
	initial := sph.IdentityPose()
	if in.Initial != "" {
		if initial, err = p.Pose(in.Initial); err != nil {
			return nil, err
		}
	}
	est, err := posest.New(cam, cfg, a.logger.Named("pose"))
	if err != nil {
		return nil, err
	}
	image := make([]r2.Point, len(in.ImagePoints))
	for i, pt := range in.ImagePoints {
		image[i] = r2.Point{X: pt.X, Y: pt.Y}
	}

	res, err := est.Estimate(image, in.WorldPoints, initial)
	if err != nil {
		return &PoseOutput{Status: posest.StatusFromError(err).String()}, err
	}
	errs := make([]float64, 0, len(res.Inliers))
	for _, i := range res.Inliers {
		px, err := cam.Project(in.WorldPoints[i], res.Pose)
		if err != nil {
			continue
		}
		errs = append(errs, px.Sub(image[i]).Norm())
	}
	a.logger.Infow("pose estimated",
		"method", cfg.Method,
		"inliers", len(res.Inliers),
		"correspondences", len(image),
		"iterations", res.Iterations,
		"center", res.Pose.Center())
	a.logger.Debugf("extrinsics = %v", sph.FormatMatrixPrint(res.Pose.Extrinsics()))
	return &PoseOutput{
		Status:     posest.StatusSuccess.String(),
		Pose:       sph.NewMatrixInfo(res.Pose.Matrix()),
		Extrinsics: sph.NewMatrixInfo(res.Pose.Extrinsics()),
		Center:     res.Pose.Center(),
		Inliers:    res.Inliers,
		Iterations: res.Iterations,
		MeanError:  res.MeanError,
		Errors:     summarize(errs),
	}, nil
}

// Shortcuts returns the keyboard shortcuts of the project.
func (a *App) Shortcuts(projectFile string) (map[string]string, error) {
	p, err := imports.ReadProject(projectFile)
	if err != nil {
		return nil, err
	}
	return p.Commands, nil
}

// Images places every camera of the project on the sphere fitted through the rig.
func (a *App) Images(projectFile string) (*CameraViewer, error) {
	p, err := imports.ReadProject(projectFile)
	if err != nil {
		return nil, err
	}
	poses, err := p.Poses()
	if err != nil {
		return nil, err
	}
	coords, radius, center, err := sph.RigCoordinates(poses)
	if err != nil {
		return nil, err
	}

	projectDir, err := filepath.Abs(filepath.Dir(projectFile))
	if err != nil {
		return nil, err
	}
	viewer := &CameraViewer{
		Images:     make([]VirtualCameraImage, 0, len(poses)),
		Size:       Size{Width: p.Intrinsics.Width, Height: p.Intrinsics.Height},
		Thumbnails: p.Thumbnails != "",
		Radius:     radius,
		Center:     center,
	}
	for _, image := range p.Images() {
		vci := VirtualCameraImage{
			Name:        image,
			FullImage:   filepath.Join(projectDir, image),
			Coordinates: coords[image],
		}
		if p.Thumbnails != "" {
			vci.Thumbnail = filepath.Join(projectDir, p.Thumbnails, image)
		}
		viewer.Images = append(viewer.Images, vci)
	}
	a.logger.Debugw("rig fitted", "images", len(poses), "radius", radius, "center", center)
	return viewer, nil
}

// ImportMetashape builds a project from a Metashape calibration and camera export of the
// images of dir, creating thumbnails when thumbnails is not empty. The project is written
// to dir and its path returned.
func (a *App) ImportMetashape(dir, intrinsicsFile, extrinsicsFile, thumbnails string) (string, error) {
	images, err := imports.ReadChildImages(dir)
	if err != nil {
		return "", err
	}
	in, err := imports.ReadIntrinsicMetashapeFile(intrinsicsFile)
	if err != nil {
		return "", err
	}
	poses, err := imports.ReadExtrinsicMetashapeFile(extrinsicsFile, images, a.logger.Named("import"))
	if err != nil {
		return "", err
	}
	p := &imports.Project{Intrinsics: *in}
	for name, pose := range poses {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			a.logger.Warnw("camera without image", "image", name)
		}
		p.SetPose(name, pose)
	}
	if latMin, latMax, err := imports.LatitudeRange(poses); err == nil {
		a.logger.Infow("rig imported", "cameras", len(poses), "latitude_min", latMin, "latitude_max", latMax)
	}

	if thumbnails != "" {
		w, h, err := imports.NewThumbnailer(a.logger.Named("thumbnails")).Create(dir, thumbnails)
		if err != nil {
			return "", err
		}
		p.Thumbnails, p.ThumbnailsWidth, p.ThumbnailsHeight = thumbnails, w, h
	}

	out := filepath.Join(dir, "calibration.json")
	if err := p.Write(out); err != nil {
		return "", err
	}
	return out, nil
}

// summarize computes the error statistics of a batch, all zero when it is empty.
func summarize(errs []float64) ErrorSummary {
	if len(errs) == 0 {
		return ErrorSummary{}
	}
	data := stats.Float64Data(errs)
	s := ErrorSummary{Count: len(errs)}
	s.Mean, _ = data.Mean()
	s.Median, _ = data.Median()
	s.P95, _ = data.Percentile(95)
	s.Max, _ = data.Max()
	return s
}

func readJSON(file string, v interface{}) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(data, v), "parsing %s", file)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
