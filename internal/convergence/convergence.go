package convergence

// Decision is the verdict reached after a completed round.
type Decision int

const (
	// Continue means another round should be submitted.
	Continue Decision = iota
	// StopConverged means the remote service could not shrink the payload further.
	StopConverged
	// StopExhausted means the round budget ran out before convergence.
	StopExhausted
)

// String returns the log-friendly name of the decision.
func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case StopConverged:
		return "converged"
	case StopExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the decision ends the task.
func (d Decision) Terminal() bool {
	return d == StopConverged || d == StopExhausted
}

// Policy decides whether iterating on a file is still worthwhile.
//
// With MinImprovement at zero a round is converged only when the remote
// service reports the same input and output size. A positive MinImprovement
// also treats any saving smaller than that many bytes as converged, which
// stops plateaus that creep down a few bytes per round.
type Policy struct {
	MinImprovement int64
}

// NewPolicy returns a Policy with the given minimum improvement in bytes.
// Negative values are treated as zero.
func NewPolicy(minImprovement int64) Policy {
	if minImprovement < 0 {
		minImprovement = 0
	}
	return Policy{MinImprovement: minImprovement}
}

// Decide returns the verdict for a finished round. priorSize is the input
// size reported for the round and currentSize its output size. initialSize is
// accepted for reporting symmetry and does not influence the decision.
// roundsRemaining is the budget left after this round.
func (p Policy) Decide(priorSize, currentSize, initialSize int64, roundsRemaining int) Decision {
	_ = initialSize

	if p.converged(priorSize, currentSize) {
		return StopConverged
	}
	if roundsRemaining <= 0 {
		return StopExhausted
	}
	return Continue
}

func (p Policy) converged(priorSize, currentSize int64) bool {
	if currentSize == priorSize {
		return true
	}
	// the remote made it bigger; nothing left to gain
	if currentSize > priorSize {
		return true
	}
	return p.MinImprovement > 0 && priorSize-currentSize < p.MinImprovement
}
