package compressor

import (
	"context"
	"fmt"
	"os"
	"time"

	"tinyloop/internal/convergence"
)

// State is where a Task sits in the recompression state machine.
type State int

const (
	StatePendingSubmit State = iota
	StateAwaitingResult
	StateSucceededRound
	StateRetry
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePendingSubmit:
		return "pending_submit"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateSucceededRound:
		return "succeeded_round"
	case StateRetry:
		return "retry"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Task tracks one file through the recompression loop. Only the Engine
// mutates it.
type Task struct {
	SourcePath         string
	RoundsRemaining    int
	PreviousRoundSize  int64
	PriorRoundSize     int64
	InitialSize        int64
	CurrentPayloadPath string
	State              State

	RoundsCompleted int
	Retries         int
}

// NewTask stats sourcePath and returns a task with a full round budget.
func NewTask(sourcePath string, maxRounds int) (*Task, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, &FileIOError{Op: "stat", Path: sourcePath, Err: err}
	}
	size := info.Size()
	return &Task{
		SourcePath:         sourcePath,
		RoundsRemaining:    maxRounds,
		PreviousRoundSize:  size,
		PriorRoundSize:     size,
		InitialSize:        size,
		CurrentPayloadPath: sourcePath,
		State:              StatePendingSubmit,
	}, nil
}

// CompressionResult describes how a single file's task ended.
type CompressionResult struct {
	InputPath       string
	OutputPath      string
	OriginalSize    int64
	CompressedSize  int64
	BytesSaved      int64
	PercentageSaved float64
	Rounds          int
	Retries         int
	Decision        convergence.Decision
	Success         bool
	StartedAt       time.Time
	FinishedAt      time.Time
	Error           error
}

// Compressor runs the recompression loop for one file.
type Compressor interface {
	CompressFile(ctx context.Context, sourcePath string) (CompressionResult, error)
}

// FileIOError is a local read or write failure. It aborts the task.
type FileIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileIOError) Unwrap() error {
	return e.Err
}

// RoundFailure means a round kept failing until the retry budget ran out.
type RoundFailure struct {
	Path     string
	Round    int
	Attempts int
	Err      error
}

func (e *RoundFailure) Error() string {
	return fmt.Sprintf("round %d of %s failed after %d attempts: %v", e.Round, e.Path, e.Attempts, e.Err)
}

func (e *RoundFailure) Unwrap() error {
	return e.Err
}

// ProgressEvent is emitted as a task moves through its rounds.
type ProgressEvent struct {
	Type            string `json:"type"`
	File            string `json:"file"`
	Round           int    `json:"round,omitempty"`
	RoundsRemaining int    `json:"rounds_remaining,omitempty"`
	InputSize       int64  `json:"input_size,omitempty"`
	OutputSize      int64  `json:"output_size,omitempty"`
	Decision        string `json:"decision,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ProgressHook receives progress events, e.g. to forward them to websocket clients.
type ProgressHook func(ProgressEvent)
