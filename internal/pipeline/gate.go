// File: internal/pipeline/gate.go
// Brief: Per-step skip/run decision and retry backoff.

package pipeline

import (
	"math/rand"
	"time"
)

// MaxAttempts bounds how often a retryable step runs.
const MaxAttempts = 2

// Attempt is the 1-based attempt number of a step.
type Attempt int

// Retrying reports whether this is a repeat attempt.
func (a Attempt) Retrying() bool { return a > 1 }

// Decision is the gate outcome for one step attempt.
type Decision string

const (
	DecisionSkip          Decision = "skip"
	DecisionRun           Decision = "run"
	DecisionRunAfterReset Decision = "run-after-reset"
)

// GateInput is everything the gate needs to decide.
type GateInput struct {
	Enabled bool
	// Cached steps consult the ledger and become no-ops once recorded.
	Cached    bool
	Succeeded bool
	Attempt   Attempt
}

// Decide returns what to do with a step attempt and, for skips, why.
func Decide(in GateInput) (Decision, string) {
	switch {
	case !in.Enabled:
		return DecisionSkip, "not applicable"
	case in.Cached && in.Succeeded:
		return DecisionSkip, "already succeeded"
	case in.Attempt.Retrying():
		return DecisionRunAfterReset, ""
	default:
		return DecisionRun, ""
	}
}

// DefaultBackoff waits about a second before a retry, with +/-20% jitter.
func DefaultBackoff(attempt int) time.Duration {
	base := 800 * time.Millisecond
	if attempt > 2 {
		base *= time.Duration(1 << uint(min(attempt-2, 4)))
	}
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * f)
}

// NoBackoff retries immediately.
func NoBackoff(int) time.Duration { return 0 }
