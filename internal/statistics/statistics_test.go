package statistics

import (
	"strings"
	"testing"
)

func TestSavedPercent(t *testing.T) {
	tests := []struct {
		before, after int64
		want          float64
	}{
		{1000, 400, 60.00},
		{1000, 1000, 0},
		{3, 2, 33.33},
		{3, 1, 66.67},
		{0, 0, 0},
		{100, 150, -50},
	}
	for _, tt := range tests {
		if got := SavedPercent(tt.before, tt.after); got != tt.want {
			t.Errorf("SavedPercent(%d, %d) = %v, want %v", tt.before, tt.after, got, tt.want)
		}
	}
}

func TestSnapshotAndSummary(t *testing.T) {
	s := NewStatistics("run-1")
	s.IncrementFilesFound()
	s.IncrementFilesFound()
	s.IncrementFilesProcessed()
	s.IncrementFilesConverged()
	s.IncrementFilesFailed()
	s.AddRounds(3)
	s.AddRetries(2)
	s.AddSizes(1000, 400)
	s.AddError("b.png", "recompress", "remote down")
	s.Finalize()

	snap := s.Snapshot()
	if snap.FilesFound != 2 || snap.FilesConverged != 1 || snap.FilesFailed != 1 {
		t.Errorf("unexpected counters %+v", snap)
	}
	if snap.BytesSaved != 600 || snap.SavedPercent != 60 {
		t.Errorf("saved = %d (%.2f%%), want 600 (60%%)", snap.BytesSaved, snap.SavedPercent)
	}
	if snap.RoundsCompleted != 3 || snap.RetriedAttempts != 2 {
		t.Errorf("rounds/retries = %d/%d", snap.RoundsCompleted, snap.RetriedAttempts)
	}

	summary := s.GetSummary()
	for _, want := range []string{"run-1", "Converged: 1", "(60.00%)"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}

	if s.ErrorCount() != 1 {
		t.Errorf("ErrorCount = %d", s.ErrorCount())
	}
	if !strings.Contains(s.GetErrorSummary(), "b.png") {
		t.Error("error summary missing file")
	}
}

func TestGetErrorSummary_Truncates(t *testing.T) {
	s := NewStatistics("")
	if s.GetErrorSummary() != "No errors occurred during processing" {
		t.Error("empty summary text changed")
	}
	for i := 0; i < 12; i++ {
		s.AddError("f", "op", "e")
	}
	if !strings.Contains(s.GetErrorSummary(), "... and 2 more errors") {
		t.Errorf("summary not truncated:\n%s", s.GetErrorSummary())
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:     "512 B",
		2048:    "2.0 KB",
		5 << 20: "5.0 MB",
		-2048:   "-2.0 KB",
	}
	for in, want := range cases {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
