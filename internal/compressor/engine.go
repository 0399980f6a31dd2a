package compressor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"tinyloop/internal/config"
	"tinyloop/internal/convergence"
	"tinyloop/internal/inspect"
	"tinyloop/internal/logger"
	"tinyloop/internal/statistics"
	"tinyloop/internal/transport"
)

// Options configures an Engine.
type Options struct {
	OutputDir     string
	MaxRounds     int
	RequestDelay  time.Duration
	Retry         RetryPolicy
	VerboseRounds bool
}

// OptionsFromConfig maps the runtime configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OutputDir:    cfg.OutputDirectory,
		MaxRounds:    cfg.Processing.MaxRounds,
		RequestDelay: cfg.Processing.RequestDelay,
		Retry: RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		VerboseRounds: cfg.Processing.VerboseRounds,
	}
}

// Engine feeds each file's compressed output back into the remote service
// until the convergence policy says stop.
type Engine struct {
	opts     Options
	client   transport.Client
	policy   convergence.Policy
	verifier inspect.Verifier
	metadata inspect.MetadataCopier
	logger   logrus.FieldLogger
	hook     ProgressHook

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine returns an Engine that verifies nothing and copies no metadata;
// use SetVerifier and SetMetadataCopier to enable those steps.
func NewEngine(opts Options, client transport.Client, policy convergence.Policy, log logrus.FieldLogger) *Engine {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 1
	}
	return &Engine{
		opts:     opts,
		client:   client,
		policy:   policy,
		verifier: inspect.NopVerifier{},
		metadata: inspect.NopMetadataCopier{},
		logger:   log,
		sleep:    sleepContext,
	}
}

// NewEngineFromConfig wires an Engine the way the CLI and web server use it.
func NewEngineFromConfig(cfg *config.Config, client transport.Client, log logrus.FieldLogger) *Engine {
	e := NewEngine(OptionsFromConfig(cfg), client, convergence.NewPolicy(cfg.Processing.MinImprovementBytes), log)
	if cfg.Processing.VerifyArtifacts {
		e.SetVerifier(inspect.NewImageInspector(log))
	}
	if cfg.Processing.PreserveMetadata {
		e.SetMetadataCopier(inspect.ExiftoolCopier{})
	}
	return e
}

// SetVerifier sets the artifact check run before each write.
func (e *Engine) SetVerifier(v inspect.Verifier) {
	e.verifier = v
}

// SetMetadataCopier sets the step run on the final artifact.
func (e *Engine) SetMetadataCopier(m inspect.MetadataCopier) {
	e.metadata = m
}

// SetProgressHook registers a receiver for progress events.
func (e *Engine) SetProgressHook(h ProgressHook) {
	e.hook = h
}

// OutputPath returns the artifact path for sourcePath. Every round of a task
// writes here, so the file always holds the last successful round.
func (e *Engine) OutputPath(sourcePath string) string {
	return filepath.Join(e.opts.OutputDir, filepath.Base(sourcePath))
}

// CompressFile creates a task for sourcePath and runs it to completion.
func (e *Engine) CompressFile(ctx context.Context, sourcePath string) (CompressionResult, error) {
	task, err := NewTask(sourcePath, e.opts.MaxRounds)
	if err != nil {
		res := CompressionResult{InputPath: sourcePath, StartedAt: time.Now(), FinishedAt: time.Now(), Error: err}
		return res, err
	}
	return e.Run(ctx, task)
}

// round is the outcome of one successful submit and fetch.
type round struct {
	result   transport.Result
	artifact []byte
}

// Run drives task through its rounds. Malformed replies, transport failures
// and rejected artifacts retry the same round with backoff; they never
// consume the round budget.
func (e *Engine) Run(ctx context.Context, task *Task) (CompressionResult, error) {
	log := logger.WithFile(e.logger, task.SourcePath)
	outPath := e.OutputPath(task.SourcePath)
	res := CompressionResult{
		InputPath:    task.SourcePath,
		OutputPath:   outPath,
		OriginalSize: task.InitialSize,
		StartedAt:    time.Now(),
	}
	fail := func(err error) (CompressionResult, error) {
		task.State = StateDone
		res.Rounds = task.RoundsCompleted
		res.Retries = task.Retries
		res.Error = err
		res.FinishedAt = time.Now()
		e.emit(ProgressEvent{Type: "file_failed", File: task.SourcePath, Message: err.Error()})
		return res, err
	}

	retry := NewRetryState(e.opts.Retry)
	finalSize := task.InitialSize
	written := false

	for {
		task.State = StatePendingSubmit
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		payload, err := os.ReadFile(task.CurrentPayloadPath)
		if err != nil {
			return fail(&FileIOError{Op: "read", Path: task.CurrentPayloadPath, Err: err})
		}

		if err := e.sleep(ctx, e.opts.RequestDelay); err != nil {
			return fail(err)
		}

		task.State = StateAwaitingResult
		r, err := e.attempt(ctx, task.SourcePath, payload)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(ctxErr)
			}
			if !isRetryable(err) {
				return fail(err)
			}

			task.State = StateRetry
			task.Retries++
			wait, ok := retry.Advance()
			if !ok {
				return fail(&RoundFailure{
					Path:     task.SourcePath,
					Round:    task.RoundsCompleted + 1,
					Attempts: retry.Attempt,
					Err:      err,
				})
			}
			log.WithFields(logrus.Fields{"attempt": retry.Attempt, "wait": wait.String()}).
				Warnf("Retrying %s: %v", task.SourcePath, err)
			e.emit(ProgressEvent{Type: "retry", File: task.SourcePath, Round: task.RoundsCompleted + 1, Message: err.Error()})
			if err := e.sleep(ctx, wait); err != nil {
				return fail(err)
			}
			continue
		}
		retry.Reset()

		// A bigger output never replaces the source or an earlier, smaller artifact.
		grew := r.result.OutputSize > r.result.InputSize
		if !grew {
			if err := writeArtifact(outPath, r.artifact); err != nil {
				return fail(err)
			}
			finalSize = int64(len(r.artifact))
			written = true
		}

		task.State = StateSucceededRound
		task.PriorRoundSize = task.PreviousRoundSize
		task.PreviousRoundSize = r.result.OutputSize
		task.RoundsRemaining--
		task.RoundsCompleted++

		decision := e.policy.Decide(r.result.InputSize, r.result.OutputSize, task.InitialSize, task.RoundsRemaining)

		if e.opts.VerboseRounds {
			log.WithFields(logrus.Fields{
				"round":            task.RoundsCompleted,
				"rounds_remaining": task.RoundsRemaining,
				"old_size":         r.result.InputSize,
				"new_size":         r.result.OutputSize,
				"saved":            r.result.Saved(),
			}).Infof("complete: %s -> %d more times -> old size: %d bytes, new size: %d bytes, saved: %d bytes",
				filepath.Base(task.SourcePath), task.RoundsRemaining, r.result.InputSize, r.result.OutputSize, r.result.Saved())
		}
		e.emit(ProgressEvent{
			Type:            "round_complete",
			File:            task.SourcePath,
			Round:           task.RoundsCompleted,
			RoundsRemaining: task.RoundsRemaining,
			InputSize:       r.result.InputSize,
			OutputSize:      r.result.OutputSize,
			Decision:        decision.String(),
		})

		if decision.Terminal() {
			task.State = StateDone
			return e.finish(task, res, decision, finalSize, written), nil
		}

		task.CurrentPayloadPath = outPath
	}
}

// attempt submits payload, downloads the artifact and verifies it.
func (e *Engine) attempt(ctx context.Context, sourcePath string, payload []byte) (round, error) {
	result, err := e.client.Submit(ctx, payload)
	if err != nil {
		return round{}, err
	}
	artifact, err := e.client.Fetch(ctx, result.OutputURL)
	if err != nil {
		return round{}, err
	}
	if err := e.verifier.Verify(sourcePath, artifact); err != nil {
		return round{}, fmt.Errorf("verify artifact: %w", err)
	}
	return round{result: result, artifact: artifact}, nil
}

// finish reports the task. When no round produced a smaller file nothing was
// written, OutputPath is empty and the source size is reported unchanged.
func (e *Engine) finish(task *Task, res CompressionResult, decision convergence.Decision, finalSize int64, written bool) CompressionResult {
	if !written {
		res.OutputPath = ""
	}
	res.CompressedSize = finalSize
	res.BytesSaved = task.InitialSize - finalSize
	res.PercentageSaved = statistics.SavedPercent(task.InitialSize, finalSize)
	res.Rounds = task.RoundsCompleted
	res.Retries = task.Retries
	res.Decision = decision
	res.Success = true
	res.FinishedAt = time.Now()

	log := logger.WithFile(e.logger, task.SourcePath)
	if !written {
		log.Infof("No round shrank %s; nothing written", task.SourcePath)
	} else if err := e.metadata.CopyMetadata(task.SourcePath, res.OutputPath); err != nil {
		log.Warnf("Could not restore metadata on %s: %v", res.OutputPath, err)
	}

	log.WithFields(logrus.Fields{
		"initial_size": res.OriginalSize,
		"final_size":   res.CompressedSize,
		"saved":        res.BytesSaved,
		"rate":         res.PercentageSaved,
		"rounds":       res.Rounds,
		"decision":     decision.String(),
	}).Infof(" >>>> %s -> %d bytes -> %d bytes, saved: %d bytes, Rate: %.2f%%",
		task.SourcePath, res.OriginalSize, res.CompressedSize, res.BytesSaved, res.PercentageSaved)

	e.emit(ProgressEvent{
		Type:       "file_done",
		File:       task.SourcePath,
		Round:      res.Rounds,
		InputSize:  res.OriginalSize,
		OutputSize: res.CompressedSize,
		Decision:   decision.String(),
	})
	return res
}

func (e *Engine) emit(ev ProgressEvent) {
	if e.hook != nil {
		e.hook(ev)
	}
}

func isRetryable(err error) bool {
	return transport.IsRetryable(err) ||
		errors.Is(err, inspect.ErrUndecodable) ||
		errors.Is(err, inspect.ErrDimensionMismatch)
}

// writeArtifact replaces outPath with data via a temp file and rename, so a
// crash leaves either the previous artifact or the new one.
func writeArtifact(outPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return &FileIOError{Op: "mkdir", Path: filepath.Dir(outPath), Err: err}
	}
	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return &FileIOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return &FileIOError{Op: "rename", Path: outPath, Err: err}
	}
	return nil
}
