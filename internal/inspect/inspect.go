package inspect

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"

	// webp sources are decoded for verification like png and jpeg
	_ "golang.org/x/image/webp"
)

var (
	// ErrUndecodable is returned when artifact bytes are not a readable image.
	ErrUndecodable = errors.New("artifact is not a decodable image")
	// ErrDimensionMismatch is returned when an artifact's size in pixels
	// differs from its source.
	ErrDimensionMismatch = errors.New("artifact dimensions differ from source")
)

// Verifier checks a fetched artifact before it replaces the previous round's output.
type Verifier interface {
	Verify(sourcePath string, artifact []byte) error
}

// NopVerifier accepts every artifact.
type NopVerifier struct{}

// Verify implements Verifier.
func (NopVerifier) Verify(string, []byte) error { return nil }

// ImageInspector decodes images to compare artifacts against their sources.
// Source dimensions are cached per path and modification time, since every
// round of a task verifies against the same original.
type ImageInspector struct {
	logger logrus.FieldLogger
	cache  sync.Map
}

type cacheKey struct {
	path    string
	modTime int64
	size    int64
}

// NewImageInspector returns an ImageInspector.
func NewImageInspector(logger logrus.FieldLogger) *ImageInspector {
	return &ImageInspector{logger: logger}
}

// Verify decodes artifact and checks its bounds against the source image.
func (i *ImageInspector) Verify(sourcePath string, artifact []byte) error {
	want, err := i.SourceDimensions(sourcePath)
	if err != nil {
		// an unreadable source is not the artifact's fault
		i.logger.WithField("file", sourcePath).Debugf("Skipping verification: %v", err)
		return nil
	}

	got, err := Dimensions(artifact)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrDimensionMismatch, got.X, got.Y, want.X, want.Y)
	}
	return nil
}

// SourceDimensions returns the pixel size of the image at path.
func (i *ImageInspector) SourceDimensions(path string) (image.Point, error) {
	info, err := os.Stat(path)
	if err != nil {
		return image.Point{}, fmt.Errorf("failed to stat file: %w", err)
	}
	key := cacheKey{path: path, modTime: info.ModTime().UnixNano(), size: info.Size()}
	if v, ok := i.cache.Load(key); ok {
		return v.(image.Point), nil
	}

	img, err := imaging.Open(path)
	if err != nil {
		return image.Point{}, fmt.Errorf("open source image: %w", err)
	}
	dim := img.Bounds().Size()
	i.cache.Store(key, dim)
	return dim, nil
}

// Dimensions decodes data and returns its pixel size.
func Dimensions(data []byte) (image.Point, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return img.Bounds().Size(), nil
}

// HasEXIF reports whether a JPEG source carries an EXIF block. Other
// formats report false.
func HasEXIF(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".jpg" && ext != ".jpeg" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = exif.Decode(f)
	return err == nil
}
