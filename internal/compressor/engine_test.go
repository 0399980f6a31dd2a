package compressor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tinyloop/internal/convergence"
	"tinyloop/internal/inspect"
	"tinyloop/internal/logger"
	"tinyloop/internal/transport"
)

// step is one scripted Submit reply.
type step struct {
	in, out int64
	err     error
}

// fakeClient replays scripted submissions and serves artifacts whose length
// equals the reported output size.
type fakeClient struct {
	steps     []step
	submitted [][]byte
	fetchErr  map[int]error
	fetches   int
}

func (f *fakeClient) Submit(ctx context.Context, data []byte) (transport.Result, error) {
	i := len(f.submitted)
	f.submitted = append(f.submitted, append([]byte(nil), data...))
	if i >= len(f.steps) {
		return transport.Result{}, fmt.Errorf("unexpected submission %d", i+1)
	}
	s := f.steps[i]
	if s.err != nil {
		return transport.Result{}, s.err
	}
	return transport.Result{InputSize: s.in, OutputSize: s.out, OutputURL: fmt.Sprintf("mem://%d", s.out)}, nil
}

func (f *fakeClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.fetches++
	if err := f.fetchErr[f.fetches]; err != nil {
		return nil, err
	}
	var n int
	fmt.Sscanf(url, "mem://%d", &n)
	return bytes.Repeat([]byte{'x'}, n), nil
}

type harness struct {
	engine *Engine
	client *fakeClient
	src    string
	outDir string
	sleeps []time.Duration
	events []ProgressEvent
}

func newHarness(t *testing.T, maxRounds int, initial int, steps ...step) *harness {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(src, bytes.Repeat([]byte{'s'}, initial), 0o644); err != nil {
		t.Fatal(err)
	}
	h := &harness{client: &fakeClient{steps: steps}, src: src, outDir: filepath.Join(dir, "output")}
	h.engine = NewEngine(Options{
		OutputDir:    h.outDir,
		MaxRounds:    maxRounds,
		RequestDelay: 10 * time.Millisecond,
		Retry:        RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second},
	}, h.client, convergence.NewPolicy(0), logger.Discard())
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.engine.SetProgressHook(func(ev ProgressEvent) { h.events = append(h.events, ev) })
	return h
}

func TestRun_Converges(t *testing.T) {
	h := newHarness(t, 3, 1000, step{in: 1000, out: 800}, step{in: 800, out: 800})

	res, err := h.engine.CompressFile(context.Background(), h.src)
	if err != nil {
		t.Fatalf("CompressFile: %v", err)
	}
	if res.Decision != convergence.StopConverged {
		t.Errorf("Decision = %v, want converged", res.Decision)
	}
	if res.Rounds != 2 || len(h.client.submitted) != 2 {
		t.Errorf("rounds = %d, submissions = %d, want 2/2", res.Rounds, len(h.client.submitted))
	}
	if res.CompressedSize != 800 || res.BytesSaved != 200 || res.PercentageSaved != 20 {
		t.Errorf("sizes = %d/%d/%.2f", res.CompressedSize, res.BytesSaved, res.PercentageSaved)
	}

	// round 2 must send round 1's artifact
	if len(h.client.submitted[1]) != 800 || h.client.submitted[1][0] != 'x' {
		t.Errorf("round 2 payload was not the round 1 artifact")
	}
}

func TestRun_Exhausts(t *testing.T) {
	h := newHarness(t, 2, 1000, step{in: 1000, out: 900}, step{in: 900, out: 850})

	res, err := h.engine.CompressFile(context.Background(), h.src)
	if err != nil {
		t.Fatalf("CompressFile: %v", err)
	}
	if res.Decision != convergence.StopExhausted {
		t.Errorf("Decision = %v, want exhausted", res.Decision)
	}
	if res.Rounds != 2 || res.CompressedSize != 850 {
		t.Errorf("rounds = %d, final = %d, want 2/850", res.Rounds, res.CompressedSize)
	}
}

func TestRun_ExactlyMaxRoundsWithoutConvergence(t *testing.T) {
	var steps []step
	size := int64(5000)
	for i := 0; i < 5; i++ {
		steps = append(steps, step{in: size, out: size - 100})
		size -= 100
	}
	h := newHarness(t, 5, 5000, steps...)

	res, err := h.engine.CompressFile(context.Background(), h.src)
	if err != nil {
		t.Fatalf("CompressFile: %v", err)
	}
	if len(h.client.submitted) != 5 || res.Rounds != 5 {
		t.Errorf("submissions = %d, rounds = %d, want 5", len(h.client.submitted), res.Rounds)
	}
}

func TestRun_MalformedResponseDoesNotConsumeRound(t *testing.T) {
	h := newHarness(t, 1, 1000,
		step{err: fmt.Errorf("%w: bad json", transport.ErrMalformedResponse)},
		step{in: 1000, out: 700},
	)

	task, err := NewTask(h.src, 1)
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rounds != 1 || res.Retries != 1 {
		t.Errorf("rounds = %d, retries = %d, want 1/1", res.Rounds, res.Retries)
	}
	if task.RoundsRemaining != 0 || task.State != StateDone {
		t.Errorf("task = %+v", task)
	}
	if res.CompressedSize != 700 {
		t.Errorf("final size = %d, want 700", res.CompressedSize)
	}
	// both attempts carried the original payload
	if !bytes.Equal(h.client.submitted[0], h.client.submitted[1]) {
		t.Error("retry changed the payload")
	}
	// pacing, backoff, pacing
	want := []time.Duration{10 * time.Millisecond, time.Second, 10 * time.Millisecond}
	if fmt.Sprint(h.sleeps) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", h.sleeps, want)
	}
}

func TestRun_FetchFailureRetriesRound(t *testing.T) {
	h := newHarness(t, 2, 1000, step{in: 1000, out: 600}, step{in: 1000, out: 600}, step{in: 600, out: 600})
	h.client.fetchErr = map[int]error{1: &transport.TransportError{Op: "fetch", URL: "mem://600", Err: errors.New("reset")}}

	res, err := h.engine.CompressFile(context.Background(), h.src)
	if err != nil {
		t.Fatalf("CompressFile: %v", err)
	}
	if res.Rounds != 2 || res.Retries != 1 || res.Decision != convergence.StopConverged {
		t.Errorf("res = %+v", res)
	}
}

func TestRun_RetriesExhaustedIsRoundFailure(t *testing.T) {
	netErr := &transport.TransportError{Op: "submit", URL: "x", Err: errors.New("refused")}
	h := newHarness(t, 3, 1000, step{err: netErr}, step{err: netErr}, step{err: netErr}, step{err: netErr})

	res, err := h.engine.CompressFile(context.Background(), h.src)
	var rf *RoundFailure
	if !errors.As(err, &rf) {
		t.Fatalf("err = %v, want *RoundFailure", err)
	}
	if rf.Attempts != 4 || rf.Round != 1 {
		t.Errorf("RoundFailure = %+v", rf)
	}
	if res.Success || res.Rounds != 0 {
		t.Errorf("res = %+v", res)
	}
	// backoff doubles: 1s, 2s, 4s between the four attempts
	var backoffs []time.Duration
	for _, d := range h.sleeps {
		if d >= time.Second {
			backoffs = append(backoffs, d)
		}
	}
	if fmt.Sprint(backoffs) != fmt.Sprint([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second}) {
		t.Errorf("backoffs = %v", backoffs)
	}
	if _, err := os.Stat(filepath.Join(h.outDir, "photo.png")); !os.IsNotExist(err) {
		t.Error("no artifact should be written when round 1 never succeeds")
	}
}

func TestRun_NonRetryableErrorAbortsTask(t *testing.T) {
	h := newHarness(t, 3, 1000, step{err: errors.New("boom")})
	_, err := h.engine.CompressFile(context.Background(), h.src)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v", err)
	}
	if len(h.client.submitted) != 1 {
		t.Errorf("submissions = %d, want 1", len(h.client.submitted))
	}
}

func TestRun_OutputUsesBaseNameAndOverwrites(t *testing.T) {
	h := newHarness(t, 3, 1000, step{in: 1000, out: 900}, step{in: 900, out: 700}, step{in: 700, out: 650})

	res, err := h.engine.CompressFile(context.Background(), h.src)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(h.outDir, "photo.png")
	if res.OutputPath != want {
		t.Errorf("OutputPath = %q, want %q", res.OutputPath, want)
	}
	entries, err := os.ReadDir(h.outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "photo.png" {
		t.Errorf("output dir holds %v", entries)
	}
	info, _ := os.Stat(want)
	if info.Size() != 650 {
		t.Errorf("artifact size = %d, want 650", info.Size())
	}
}

func TestRun_GrowthKeepsPreviousArtifact(t *testing.T) {
	h := newHarness(t, 5, 1000, step{in: 1000, out: 700}, step{in: 700, out: 720})

	res, err := h.engine.CompressFile(context.Background(), h.src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != convergence.StopConverged || res.CompressedSize != 700 {
		t.Errorf("res = %+v", res)
	}
	info, _ := os.Stat(res.OutputPath)
	if info.Size() != 700 {
		t.Errorf("artifact size = %d, want 700", info.Size())
	}
}

func TestRun_FirstRoundGrowthWritesNothing(t *testing.T) {
	h := newHarness(t, 5, 1000, step{in: 1000, out: 1200})

	res, err := h.engine.CompressFile(context.Background(), h.src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != convergence.StopConverged || res.Rounds != 1 {
		t.Errorf("res = %+v", res)
	}
	if res.CompressedSize != 1000 || res.BytesSaved != 0 || res.PercentageSaved != 0 {
		t.Errorf("sizes = %d/%d/%.2f, want source size and no saving", res.CompressedSize, res.BytesSaved, res.PercentageSaved)
	}
	if res.OutputPath != "" {
		t.Errorf("OutputPath = %q, want empty", res.OutputPath)
	}
	if _, err := os.Stat(filepath.Join(h.outDir, "photo.png")); !os.IsNotExist(err) {
		t.Errorf("artifact should not exist: %v", err)
	}
}

func TestRun_RoundsRemainingMonotonic(t *testing.T) {
	malformed := fmt.Errorf("%w", transport.ErrMalformedResponse)
	h := newHarness(t, 3, 1000,
		step{in: 1000, out: 900},
		step{err: malformed},
		step{in: 900, out: 800},
		step{err: malformed},
		step{in: 800, out: 700},
	)
	task, err := NewTask(h.src, 3)
	if err != nil {
		t.Fatal(err)
	}

	var seen []int
	h.engine.SetProgressHook(func(ev ProgressEvent) {
		seen = append(seen, task.RoundsRemaining)
	})
	if _, err := h.engine.Run(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] > seen[i-1] {
			t.Fatalf("RoundsRemaining increased: %v", seen)
		}
	}
	if task.RoundsCompleted != 3 || task.Retries != 2 {
		t.Errorf("completed = %d, retries = %d", task.RoundsCompleted, task.Retries)
	}
}

func TestRun_CancelledBeforeSubmit(t *testing.T) {
	h := newHarness(t, 3, 1000, step{in: 1000, out: 900})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.CompressFile(ctx, h.src)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(h.client.submitted) != 0 {
		t.Error("no submission should happen after cancellation")
	}
}

func TestRun_UnreadableSourceIsFileIOError(t *testing.T) {
	h := newHarness(t, 3, 10)
	_, err := h.engine.CompressFile(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	var fe *FileIOError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FileIOError", err)
	}
}

type rejectFirst struct{ calls int }

func (r *rejectFirst) Verify(string, []byte) error {
	r.calls++
	if r.calls == 1 {
		return inspect.ErrUndecodable
	}
	return nil
}

func TestRun_RejectedArtifactIsRetried(t *testing.T) {
	h := newHarness(t, 1, 1000, step{in: 1000, out: 500}, step{in: 1000, out: 500})
	v := &rejectFirst{}
	h.engine.SetVerifier(v)

	res, err := h.engine.CompressFile(context.Background(), h.src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Retries != 1 || v.calls != 2 {
		t.Errorf("retries = %d, verify calls = %d", res.Retries, v.calls)
	}
}

type recordingCopier struct{ src, dst string }

func (r *recordingCopier) CopyMetadata(src, dst string) error {
	r.src, r.dst = src, dst
	return errors.New("exiftool missing")
}

func TestRun_MetadataCopyFailureIsOnlyAWarning(t *testing.T) {
	h := newHarness(t, 1, 1000, step{in: 1000, out: 400})
	c := &recordingCopier{}
	h.engine.SetMetadataCopier(c)

	res, err := h.engine.CompressFile(context.Background(), h.src)
	if err != nil {
		t.Fatal(err)
	}
	if c.src != h.src || c.dst != res.OutputPath {
		t.Errorf("copier called with %q -> %q", c.src, c.dst)
	}
	if res.BytesSaved != 600 || res.PercentageSaved != 60 {
		t.Errorf("saved = %d (%.2f%%), want 600 (60.00%%)", res.BytesSaved, res.PercentageSaved)
	}
}

func TestRetryState_Advance(t *testing.T) {
	s := NewRetryState(RetryPolicy{MaxAttempts: 6, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second})
	var got []time.Duration
	for {
		d, ok := s.Advance()
		if !ok {
			break
		}
		got = append(got, d)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("waits = %v, want %v", got, want)
	}
	s.Reset()
	if s.Attempt != 0 {
		t.Error("Reset did not clear attempts")
	}
}

func TestStateString(t *testing.T) {
	if StateRetry.String() != "retry" || StateDone.String() != "done" || State(99).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
