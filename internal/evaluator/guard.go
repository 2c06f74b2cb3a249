package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/simopt/internal/space"
)

// Guard enforces the Evaluator contract on top of next:
//   - a panic becomes a failed result
//   - a successful result with a NaN or infinite score becomes a failure
//   - a failed result always carries an error message
//   - RunID and Duration are always filled in
func Guard(next Evaluator) Evaluator {
	return &guard{next: next}
}

type guard struct {
	next Evaluator
}

func (g *guard) Evaluate(ctx context.Context, runID string, candidate space.Candidate) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Evaluator panicked", "run_id", runID, "panic", r)
			res = Failure(runID, fmt.Sprintf("evaluator panic: %v", r))
		}
		res.RunID = runID
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
	}()

	if err := ctx.Err(); err != nil {
		return Failure(runID, err.Error())
	}

	res = g.next.Evaluate(ctx, runID, candidate.Clone())

	if res.Success && (math.IsNaN(res.Score) || math.IsInf(res.Score, 0)) {
		return Failure(runID, fmt.Sprintf("evaluator returned non-finite score %v", res.Score))
	}
	if !res.Success && res.Error == "" {
		res.Error = "evaluation failed"
	}
	if res.Success {
		res.Error = ""
	}
	return res
}
