package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minMayflyPopulation is the smallest population mayfly v0.1.0 accepts.
const minMayflyPopulation = 20

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter
func NewMayfly(maxIters, popSize int, seed int64) (*MayflyAdapter, error) {
	if maxIters <= 0 {
		return nil, fmt.Errorf("mayfly iterations must be positive, got %d", maxIters)
	}
	if popSize < minMayflyPopulation {
		return nil, fmt.Errorf("mayfly population must be at least %d, got %d", minMayflyPopulation, popSize)
	}
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}, nil
}

// Run executes the Mayfly optimization over the unit hypercube. Mayfly only
// supports scalar bounds, so per-dimension bounds are handled by the caller
// mapping unit coordinates onto its space.
func (m *MayflyAdapter) Run(eval func([]float64) float64, dim int) ([]float64, float64, error) {
	if dim <= 0 {
		return nil, 0, fmt.Errorf("dimension must be positive, got %d", dim)
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly optimization failed: %w", err)
	}
	return result.GlobalBest.Position, result.GlobalBest.Cost, nil
}
