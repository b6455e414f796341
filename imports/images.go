package imports

import (
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var acceptableImageExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// ThumbnailsSize bounds the longest side of a generated thumbnail.
const ThumbnailsSize = 1500

// ReadChildImages lists the images directly inside dir, keyed by file name without extension.
func ReadChildImages(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	images := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if acceptableImageExt[strings.ToLower(ext)] {
			images[strings.TrimSuffix(e.Name(), ext)] = e.Name()
		}
	}
	return images, nil
}

// Thumbnailer writes reduced copies of project images next to them.
type Thumbnailer struct {
	// Size bounds the longest side of each thumbnail, ThumbnailsSize when zero.
	Size   int
	logger *zap.SugaredLogger
}

// NewThumbnailer returns a Thumbnailer with the default size.
func NewThumbnailer(logger *zap.SugaredLogger) *Thumbnailer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Thumbnailer{Size: ThumbnailsSize, logger: logger}
}

// Create writes a thumbnail in dir/thumbnails for every image of dir that lacks one and
// returns the size of the last thumbnail seen. Existing thumbnails that cannot be decoded
// are regenerated.
func (t *Thumbnailer) Create(dir, thumbnails string) (int, int, error) {
	images, err := ReadChildImages(dir)
	if err != nil {
		return 0, 0, err
	}
	thumbDir := filepath.Join(dir, thumbnails)
	if err := os.MkdirAll(thumbDir, 0o755); err != nil {
		return 0, 0, errors.Wrap(err, "creating thumbnails directory")
	}

	names := make([]string, 0, len(images))
	for _, file := range images {
		names = append(names, file)
	}
	sort.Strings(names)

	size := t.Size
	if size <= 0 {
		size = ThumbnailsSize
	}
	var bounds image.Rectangle
	created := 0
	for _, file := range names {
		thumbPath := filepath.Join(thumbDir, file)
		if existing, err := imaging.Open(thumbPath); err == nil {
			bounds = existing.Bounds()
			continue
		}
		img, err := imaging.Open(filepath.Join(dir, file), imaging.AutoOrientation(true))
		if err != nil {
			return 0, 0, errors.Wrapf(err, "reading %s", file)
		}
		if img.Bounds().Dx() >= img.Bounds().Dy() {
			img = imaging.Resize(img, size, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, size, imaging.Lanczos)
		}
		if err := imaging.Save(img, thumbPath, imaging.JPEGQuality(90)); err != nil {
			return 0, 0, errors.Wrapf(err, "writing thumbnail of %s", file)
		}
		bounds = img.Bounds()
		created++
	}
	t.logger.Infow("thumbnails ready", "dir", thumbDir, "images", len(names), "created", created)
	return bounds.Dx(), bounds.Dy(), nil
}
