package inspect

import (
	"fmt"

	"github.com/barasher/go-exiftool"
)

// preservedTags are copied from the source onto the final artifact. The
// remote service strips metadata, and these are the tags people miss.
var preservedTags = []string{
	"DateTimeOriginal",
	"CreateDate",
	"Make",
	"Model",
	"Orientation",
	"Artist",
	"Copyright",
}

// MetadataCopier restores selected EXIF tags on recompressed files.
type MetadataCopier interface {
	CopyMetadata(src, dst string) error
}

// NopMetadataCopier leaves artifacts untouched.
type NopMetadataCopier struct{}

// CopyMetadata implements MetadataCopier.
func (NopMetadataCopier) CopyMetadata(string, string) error { return nil }

// ExiftoolCopier copies tags with the exiftool binary.
type ExiftoolCopier struct{}

// CopyMetadata copies preservedTags from src to dst. Sources without EXIF
// are left alone.
func (ExiftoolCopier) CopyMetadata(src, dst string) error {
	if !HasEXIF(src) {
		return nil
	}

	et, err := exiftool.NewExiftool()
	if err != nil {
		return fmt.Errorf("start exiftool: %w", err)
	}
	defer et.Close()

	files := et.ExtractMetadata(src)
	if len(files) == 0 {
		return fmt.Errorf("exiftool returned no metadata for %s", src)
	}
	if files[0].Err != nil {
		return fmt.Errorf("read metadata: %w", files[0].Err)
	}

	out := exiftool.EmptyFileMetadata()
	out.File = dst
	copied := 0
	for _, tag := range preservedTags {
		v, err := files[0].GetString(tag)
		if err != nil || v == "" {
			continue
		}
		out.SetString(tag, v)
		copied++
	}
	if copied == 0 {
		return nil
	}

	batch := []exiftool.FileMetadata{out}
	et.WriteMetadata(batch)
	if batch[0].Err != nil {
		return fmt.Errorf("write metadata: %w", batch[0].Err)
	}
	return nil
}
