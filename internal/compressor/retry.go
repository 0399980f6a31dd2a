package compressor

import (
	"context"
	"time"
)

// RetryPolicy bounds how often one round is resubmitted.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RetryState counts failed attempts of the current round and hands out
// exponentially growing waits. It is reset after every successful round.
type RetryState struct {
	Attempt int
	policy  RetryPolicy
}

// NewRetryState returns a fresh state for policy.
func NewRetryState(policy RetryPolicy) *RetryState {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &RetryState{policy: policy}
}

// Advance records a failed attempt. It returns the wait before the next
// attempt, or false once MaxAttempts attempts have failed.
func (s *RetryState) Advance() (time.Duration, bool) {
	s.Attempt++
	if s.Attempt >= s.policy.MaxAttempts {
		return 0, false
	}

	wait := s.policy.InitialBackoff
	for i := 1; i < s.Attempt; i++ {
		wait *= 2
		if s.policy.MaxBackoff > 0 && wait >= s.policy.MaxBackoff {
			return s.policy.MaxBackoff, true
		}
	}
	if s.policy.MaxBackoff > 0 && wait > s.policy.MaxBackoff {
		wait = s.policy.MaxBackoff
	}
	return wait, true
}

// Reset clears the attempt counter.
func (s *RetryState) Reset() {
	s.Attempt = 0
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
