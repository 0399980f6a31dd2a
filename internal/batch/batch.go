package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tinyloop/internal/compressor"
	"tinyloop/internal/config"
	"tinyloop/internal/convergence"
	"tinyloop/internal/logger"
	"tinyloop/internal/statistics"
)

// DirectoryError means the source directory could not be listed. It is fatal
// to the batch.
type DirectoryError struct {
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("list source directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// FileInfo describes an eligible source file.
type FileInfo struct {
	Path      string
	Size      int64
	Extension string
}

// Driver runs the recompression engine over every eligible file in a
// directory, one file at a time.
type Driver struct {
	config     *config.Config
	logger     *logrus.Logger
	compressor compressor.Compressor
}

// NewDriver returns a Driver.
func NewDriver(cfg *config.Config, logger *logrus.Logger, c compressor.Compressor) *Driver {
	return &Driver{
		config:     cfg,
		logger:     logger,
		compressor: c,
	}
}

// Discover lists sourceDir non-recursively and returns the files whose
// extension is allow-listed, in directory-listing order.
func Discover(sourceDir string, isSupported func(ext string) bool) ([]FileInfo, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, &DirectoryError{Path: sourceDir, Err: err}
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !isSupported(ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// vanished between listing and stat
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files = append(files, FileInfo{
			Path:      filepath.Join(sourceDir, entry.Name()),
			Size:      info.Size(),
			Extension: ext,
		})
	}
	return files, nil
}

// NewRunStatistics returns empty statistics under a fresh run ID.
func NewRunStatistics() *statistics.Statistics {
	return statistics.NewStatistics(uuid.NewString())
}

// Run processes every eligible file in sourceDir sequentially. Per-file
// failures are logged and counted; only a listing failure or cancellation
// ends the batch early.
func (d *Driver) Run(ctx context.Context, sourceDir string) (*statistics.Statistics, error) {
	stats := NewRunStatistics()
	return stats, d.RunWith(ctx, sourceDir, stats)
}

// RunWith is Run recording into stats, which callers may read while the
// batch is in progress.
func (d *Driver) RunWith(ctx context.Context, sourceDir string, stats *statistics.Statistics) error {
	log := d.logger.WithFields(logrus.Fields{"run_id": stats.RunID, "source": sourceDir})

	log.Info("Starting recompression batch")

	files, err := Discover(sourceDir, d.config.IsSupportedExtension)
	if err != nil {
		stats.Finalize()
		return err
	}
	if limit := d.config.Processing.MaxFilesPerRun; limit > 0 && len(files) > limit {
		log.Infof("Reached maximum files limit (%d), skipping %d files", limit, len(files)-limit)
		for range files[limit:] {
			stats.IncrementFilesSkipped()
		}
		files = files[:limit]
	}

	if len(files) == 0 {
		log.Info("No eligible images found")
		stats.Finalize()
		return nil
	}
	log.Infof("Found %d images to recompress", len(files))

	if err := os.MkdirAll(d.config.OutputDirectory, 0755); err != nil {
		stats.Finalize()
		return fmt.Errorf("create output directory: %w", err)
	}

	for range files {
		stats.IncrementFilesFound()
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			log.Warn("Batch cancelled")
			stats.Finalize()
			return err
		}
		d.processFile(ctx, log, stats, file)
	}

	stats.Finalize()
	log.WithField("saved_percent", stats.Snapshot().SavedPercent).Info("Recompression batch completed")
	return ctx.Err()
}

func (d *Driver) processFile(ctx context.Context, log *logrus.Entry, stats *statistics.Statistics, file FileInfo) {
	log = logger.WithFileOperation(log, file.Path, "recompress")
	log.Debugf("Processing file: %s", file.Path)
	stats.IncrementFilesProcessed()

	res, err := d.compressor.CompressFile(ctx, file.Path)
	stats.AddRounds(res.Rounds)
	stats.AddRetries(res.Retries)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warnf("Stopped while processing %s", file.Path)
		} else {
			log.Errorf("Could not recompress %s: %v", file.Path, err)
		}
		stats.IncrementFilesFailed()
		stats.AddError(file.Path, operationFor(err), err.Error())
		return
	}

	stats.AddSizes(res.OriginalSize, res.CompressedSize)
	switch res.Decision {
	case convergence.StopConverged:
		stats.IncrementFilesConverged()
	case convergence.StopExhausted:
		stats.IncrementFilesExhausted()
	}
}

func operationFor(err error) string {
	var fe *compressor.FileIOError
	var rf *compressor.RoundFailure
	switch {
	case errors.As(err, &fe):
		return "file_io"
	case errors.As(err, &rf):
		return "round_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "recompress"
	}
}
