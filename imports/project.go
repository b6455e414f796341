package imports

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"

	sph "sphaeroptica.be/recon/photogrammetry"
)

// Project is a calibration file: the intrinsics shared by every image and the world to
// camera extrinsics of each image.
type Project struct {
	Commands         map[string]string         `json:"commands,omitempty"`
	Intrinsics       sph.Intrinsics            `json:"intrinsics"`
	Extrinsics       map[string]sph.Extrinsics `json:"extrinsics"`
	ThumbnailsWidth  int                       `json:"thumbnails_width,omitempty"`
	ThumbnailsHeight int                       `json:"thumbnails_height,omitempty"`
	Thumbnails       string                    `json:"thumbnails,omitempty"`
}

// ReadProject loads a project file.
func ReadProject(file string) (*Project, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "parsing project %s", file)
	}
	return &p, nil
}

// Write stores the project as indented JSON.
func (p *Project) Write(file string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

// Camera builds the camera model of the project.
func (p *Project) Camera() (*sph.CameraModel, error) {
	return sph.NewCameraModelFromIntrinsics(p.Intrinsics)
}

// Images returns the image names in lexical order.
func (p *Project) Images() []string {
	keys := make([]string, 0, len(p.Extrinsics))
	for k := range p.Extrinsics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Pose returns the camera pose, in world coordinates, of image.
func (p *Project) Pose(image string) (sph.Pose, error) {
	ext, ok := p.Extrinsics[image]
	if !ok {
		return sph.Pose{}, errors.Wrapf(sph.ErrInvalidInput, "no extrinsics for image %q", image)
	}
	m, err := ext.Matrix.Dense()
	if err != nil {
		return sph.Pose{}, errors.Wrapf(err, "extrinsics of %q", image)
	}
	toCamera, err := sph.NewPoseFromMatrix(m)
	if err != nil {
		return sph.Pose{}, errors.Wrapf(err, "extrinsics of %q", image)
	}
	return toCamera.Inverse(), nil
}

// Poses returns the camera pose of every image.
func (p *Project) Poses() (map[string]sph.Pose, error) {
	poses := make(map[string]sph.Pose, len(p.Extrinsics))
	for _, image := range p.Images() {
		pose, err := p.Pose(image)
		if err != nil {
			return nil, err
		}
		poses[image] = pose
	}
	return poses, nil
}

// SetPose stores the extrinsics of the camera at pose for image.
func (p *Project) SetPose(image string, pose sph.Pose) {
	if p.Extrinsics == nil {
		p.Extrinsics = map[string]sph.Extrinsics{}
	}
	p.Extrinsics[image] = sph.Extrinsics{Matrix: sph.NewMatrixInfo(pose.Extrinsics())}
}
