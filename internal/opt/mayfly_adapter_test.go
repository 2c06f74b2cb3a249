package opt

import (
	"context"
	"math"
	"testing"

	"github.com/cwbudde/simopt/internal/evaluator"
	"github.com/cwbudde/simopt/internal/space"
)

// Sphere function shifted to (0.3, ..., 0.3): minimum 0 inside the unit cube
func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += (v - 0.3) * (v - 0.3)
	}
	return sum
}

func TestMayflyAdapterOnSphere(t *testing.T) {
	optimizer, err := NewMayfly(100, 20, 42) // maxIters, popSize, seed
	if err != nil {
		t.Fatalf("NewMayfly failed: %v", err)
	}

	dim := 3
	best, cost, err := optimizer.Run(sphere, dim)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(best) != dim {
		t.Fatalf("Expected %d parameters, got %d", dim, len(best))
	}

	if cost > 0.01 {
		t.Errorf("Expected cost near 0, got %f", cost)
	}

	for i, v := range best {
		if v < 0 || v > 1 {
			t.Errorf("Parameter %d = %f outside the unit cube", i, v)
		}
	}
}

func TestMayflyAdapterDeterministic(t *testing.T) {
	// popSize must be >=20 for mayfly v0.1.0
	optimizer1, _ := NewMayfly(50, 20, 123)
	_, cost1, _ := optimizer1.Run(sphere, 2)

	optimizer2, _ := NewMayfly(50, 20, 123)
	_, cost2, _ := optimizer2.Run(sphere, 2)

	if cost1 != cost2 {
		t.Errorf("Non-deterministic: cost1=%f, cost2=%f", cost1, cost2)
	}
}

func TestNewMayflyValidation(t *testing.T) {
	if _, err := NewMayfly(10, 19, 1); err == nil {
		t.Error("Expected error for population below 20")
	}
	if _, err := NewMayfly(0, 20, 1); err == nil {
		t.Error("Expected error for zero iterations")
	}
}

func TestBaselineMapsOntoSpace(t *testing.T) {
	s := space.Space{
		{Name: "x", Lower: -10, Upper: 10},
		{Name: "y", Lower: 100, Upper: 200},
	}
	ev := evaluator.Guard(evaluator.Objective(func(c space.Candidate) float64 {
		return (c["x"]-3)*(c["x"]-3) + (c["y"]-150)*(c["y"]-150)/100
	}))

	optimizer, err := NewMayfly(50, 20, 7)
	if err != nil {
		t.Fatalf("NewMayfly failed: %v", err)
	}
	res, err := Baseline(context.Background(), optimizer, s, ev, "base")
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}

	if err := s.Contains(res.Best); err != nil {
		t.Fatalf("Best candidate invalid: %v", err)
	}
	if res.Score > 1.0 {
		t.Errorf("Expected score below 1, got %f (best %v)", res.Score, res.Best)
	}
	if res.Evaluations < 20 {
		t.Errorf("Expected at least one population of evaluations, got %d", res.Evaluations)
	}
}

func TestBaselineAllFailures(t *testing.T) {
	s := space.Space{{Name: "x", Lower: 0, Upper: 1}}
	ev := evaluator.Func(func(_ context.Context, runID string, _ space.Candidate) evaluator.Result {
		return evaluator.Failure(runID, "no license")
	})

	optimizer, _ := NewMayfly(2, 20, 1)
	res, err := Baseline(context.Background(), optimizer, s, ev, "base")
	if err == nil {
		t.Fatal("Expected error when every evaluation fails")
	}
	if res.Failures != res.Evaluations || res.Failures == 0 {
		t.Errorf("Expected all %d evaluations to fail, got %d failures", res.Evaluations, res.Failures)
	}
	if res.Score != math.MaxFloat64 {
		t.Errorf("Expected penalty score, got %f", res.Score)
	}
}
