package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/cwbudde/simopt/internal/evaluator"
	"github.com/cwbudde/simopt/internal/space"
)

// Optimizer is a batch optimizer over the unit hypercube. Unlike a Kernel it
// owns its loop and calls eval synchronously until it is done.
type Optimizer interface {
	// Run minimizes eval over [0,1]^dim and returns the best point and cost.
	Run(eval func([]float64) float64, dim int) ([]float64, float64, error)
}

// BaselineResult is the outcome of a baseline search.
type BaselineResult struct {
	Best        space.Candidate `json:"best"`
	Score       float64         `json:"score"`
	Evaluations int             `json:"evaluations"`
	Failures    int             `json:"failures"`
}

// failurePenalty is the cost reported to the optimizer for failed or
// skipped evaluations.
const failurePenalty = math.MaxFloat64

// Baseline runs o against ev over s. Run ids are prefix-%06d, counting every
// evaluation. Once ctx is done the remaining evaluations are skipped.
func Baseline(ctx context.Context, o Optimizer, s space.Space, ev evaluator.Evaluator, prefix string) (BaselineResult, error) {
	if err := s.Validate(); err != nil {
		return BaselineResult{}, err
	}

	var (
		mu  sync.Mutex
		res = BaselineResult{Score: failurePenalty}
	)

	objective := func(u []float64) float64 {
		if ctx.Err() != nil {
			return failurePenalty
		}
		c, err := s.FromUnit(u)
		if err != nil {
			return failurePenalty
		}

		mu.Lock()
		res.Evaluations++
		runID := fmt.Sprintf("%s-%06d", prefix, res.Evaluations)
		mu.Unlock()

		r := ev.Evaluate(ctx, runID, c)

		mu.Lock()
		defer mu.Unlock()
		if !r.Success {
			res.Failures++
			slog.Debug("Baseline evaluation failed", "run_id", runID, "error", r.Error)
			return failurePenalty
		}
		if res.Best == nil || r.Score < res.Score {
			res.Best = c
			res.Score = r.Score
		}
		return r.Score
	}

	if _, _, err := o.Run(objective, len(s)); err != nil {
		return res, fmt.Errorf("baseline optimizer failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if res.Best == nil {
		return res, fmt.Errorf("baseline produced no successful evaluation in %d attempts", res.Evaluations)
	}
	return res, nil
}
