package evaluator

import (
	"context"
	"time"

	"github.com/cwbudde/simopt/internal/space"
)

// Result is the outcome of one evaluation.
//
// Lower scores are better. Error is set if and only if Success is false.
// Metrics is a flat mapping of scalar values; richer outputs (meshes, solver
// files, plots) are referenced by path in Artifacts rather than embedded.
type Result struct {
	RunID     string             `json:"runId"`
	Success   bool               `json:"success"`
	Score     float64            `json:"score"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Artifacts map[string]string  `json:"artifacts,omitempty"`
	Error     string             `json:"error,omitempty"`
	Duration  time.Duration      `json:"duration,omitempty"`
}

// Evaluator turns a candidate into a scored result, typically by generating
// a design, running a solver and extracting a scalar metric.
//
// Evaluate must be total: failures are reported as a Result with Success
// false, never by panicking. It must be safe to call again with the same
// runID; retries reuse it and expect that run's artifacts to be overwritten.
// Implementations should honour ctx for their own timeout.
type Evaluator interface {
	Evaluate(ctx context.Context, runID string, candidate space.Candidate) Result
}

// Func adapts an ordinary function to the Evaluator interface.
type Func func(ctx context.Context, runID string, candidate space.Candidate) Result

// Evaluate calls f.
func (f Func) Evaluate(ctx context.Context, runID string, candidate space.Candidate) Result {
	return f(ctx, runID, candidate)
}

// Objective wraps a score function that cannot fail for its inputs, such as
// an analytic test function.
func Objective(score func(space.Candidate) float64) Evaluator {
	return Func(func(_ context.Context, runID string, c space.Candidate) Result {
		return Result{RunID: runID, Success: true, Score: score(c)}
	})
}

// Failure builds an unsuccessful result.
func Failure(runID string, reason string) Result {
	if reason == "" {
		reason = "evaluation failed"
	}
	return Result{RunID: runID, Success: false, Error: reason}
}
