package statistics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics contains all statistics for one batch run.
type Statistics struct {
	RunID string

	FilesFound     int64
	FilesProcessed int64
	FilesConverged int64
	FilesExhausted int64
	FilesFailed    int64
	FilesSkipped   int64

	RoundsCompleted int64
	RetriedAttempts int64

	BytesBefore int64
	BytesAfter  int64

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Errors []StatError

	mutex sync.RWMutex
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string
	Operation string
	Error     string
	Timestamp time.Time
}

// Snapshot is a copy of the counters that is safe to serialize.
type Snapshot struct {
	RunID           string  `json:"run_id"`
	FilesFound      int64   `json:"files_found"`
	FilesProcessed  int64   `json:"files_processed"`
	FilesConverged  int64   `json:"files_converged"`
	FilesExhausted  int64   `json:"files_exhausted"`
	FilesFailed     int64   `json:"files_failed"`
	FilesSkipped    int64   `json:"files_skipped"`
	RoundsCompleted int64   `json:"rounds_completed"`
	RetriedAttempts int64   `json:"retried_attempts"`
	BytesBefore     int64   `json:"bytes_before"`
	BytesAfter      int64   `json:"bytes_after"`
	BytesSaved      int64   `json:"bytes_saved"`
	SavedPercent    float64 `json:"saved_percent"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// NewStatistics returns a new Statistics instance.
func NewStatistics(runID string) *Statistics {
	return &Statistics{
		RunID:     runID,
		StartTime: time.Now(),
		Errors:    make([]StatError, 0),
	}
}

// IncrementFilesFound increases the count of eligible files by 1.
func (s *Statistics) IncrementFilesFound() {
	atomic.AddInt64(&s.FilesFound, 1)
}

// IncrementFilesProcessed increases the count of processed files by 1.
func (s *Statistics) IncrementFilesProcessed() {
	atomic.AddInt64(&s.FilesProcessed, 1)
}

// IncrementFilesConverged increases the count of files that converged by 1.
func (s *Statistics) IncrementFilesConverged() {
	atomic.AddInt64(&s.FilesConverged, 1)
}

// IncrementFilesExhausted increases the count of files that used their whole budget by 1.
func (s *Statistics) IncrementFilesExhausted() {
	atomic.AddInt64(&s.FilesExhausted, 1)
}

// IncrementFilesFailed increases the count of failed files by 1.
func (s *Statistics) IncrementFilesFailed() {
	atomic.AddInt64(&s.FilesFailed, 1)
}

// IncrementFilesSkipped increases the count of skipped files by 1.
func (s *Statistics) IncrementFilesSkipped() {
	atomic.AddInt64(&s.FilesSkipped, 1)
}

// AddRounds adds completed rounds.
func (s *Statistics) AddRounds(n int) {
	atomic.AddInt64(&s.RoundsCompleted, int64(n))
}

// AddRetries adds retried attempts.
func (s *Statistics) AddRetries(n int) {
	atomic.AddInt64(&s.RetriedAttempts, int64(n))
}

// AddSizes records a finished file's size before and after recompression.
func (s *Statistics) AddSizes(before, after int64) {
	atomic.AddInt64(&s.BytesBefore, before)
	atomic.AddInt64(&s.BytesAfter, after)
}

// Finalize records the end time and duration.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Snapshot returns a consistent copy of the counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mutex.RLock()
	duration := s.Duration
	if s.EndTime.IsZero() {
		duration = time.Since(s.StartTime)
	}
	s.mutex.RUnlock()

	before := atomic.LoadInt64(&s.BytesBefore)
	after := atomic.LoadInt64(&s.BytesAfter)
	return Snapshot{
		RunID:           s.RunID,
		FilesFound:      atomic.LoadInt64(&s.FilesFound),
		FilesProcessed:  atomic.LoadInt64(&s.FilesProcessed),
		FilesConverged:  atomic.LoadInt64(&s.FilesConverged),
		FilesExhausted:  atomic.LoadInt64(&s.FilesExhausted),
		FilesFailed:     atomic.LoadInt64(&s.FilesFailed),
		FilesSkipped:    atomic.LoadInt64(&s.FilesSkipped),
		RoundsCompleted: atomic.LoadInt64(&s.RoundsCompleted),
		RetriedAttempts: atomic.LoadInt64(&s.RetriedAttempts),
		BytesBefore:     before,
		BytesAfter:      after,
		BytesSaved:      before - after,
		SavedPercent:    SavedPercent(before, after),
		DurationSeconds: duration.Seconds(),
	}
}

// SavedPercent returns (before-after)/before*100 rounded to two decimals.
// A zero before size yields zero.
func SavedPercent(before, after int64) float64 {
	if before <= 0 {
		return 0
	}
	pct := float64(before-after) / float64(before) * 100
	return float64(int64(pct*100+sign(pct)*0.5)) / 100
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()
	return fmt.Sprintf(`Recompression Summary (run %s):

Files:
		Found: %d
		Processed: %d
		Converged: %d
		Budget Exhausted: %d
		Skipped: %d
		Failed: %d

Rounds:
		Completed: %d
		Retried Attempts: %d

Size:
		Before: %s
		After: %s
		Saved: %s (%.2f%%)

Duration: %v`,
		snap.RunID,
		snap.FilesFound,
		snap.FilesProcessed,
		snap.FilesConverged,
		snap.FilesExhausted,
		snap.FilesSkipped,
		snap.FilesFailed,
		snap.RoundsCompleted,
		snap.RetriedAttempts,
		FormatBytes(snap.BytesBefore),
		FormatBytes(snap.BytesAfter),
		FormatBytes(snap.BytesSaved),
		snap.SavedPercent,
		time.Duration(snap.DurationSeconds*float64(time.Second)).Round(time.Millisecond))
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			fmt.Fprintf(&b, "  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		fmt.Fprintf(&b, "  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.FilePath,
			err.Error)
	}
	return b.String()
}

// ErrorCount returns how many errors were recorded.
func (s *Statistics) ErrorCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.Errors)
}

// FormatBytes returns a human-readable string for a byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < 0 {
		return "-" + FormatBytes(-bytes)
	}
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
