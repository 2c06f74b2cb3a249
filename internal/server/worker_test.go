package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/simopt/internal/artifact"
	"github.com/cwbudde/simopt/internal/evaluator"
	"github.com/cwbudde/simopt/internal/session"
	"github.com/cwbudde/simopt/internal/space"
)

func newRunnerEngine(t *testing.T, ev evaluator.Evaluator) *session.Engine {
	t.Helper()
	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return session.NewEngine(store, ev)
}

func budgetConfig(id string, iterations int) session.Config {
	return session.Config{
		SessionID:      id,
		Algorithm:      "sa",
		ParameterSpace: space.Space{{Name: "x", Lower: 0, Upper: 10}},
		Seed:           7,
		Budget:         session.Budget{MaxIterations: iterations},
	}
}

func TestRunner_RespectsConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	ev := evaluator.Func(func(_ context.Context, runID string, c space.Candidate) evaluator.Result {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return evaluator.Result{RunID: runID, Success: true, Score: c["x"]}
	})

	engine := newRunnerEngine(t, ev)
	runner := NewRunner(engine, 1)
	ctx := context.Background()

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		_, err := engine.Create(ctx, budgetConfig(id, 5))
		require.NoError(t, err)
		require.NoError(t, runner.Start(id))
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if runner.Running(id) {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond)

	for _, id := range ids {
		st, err := engine.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, session.StatusConverged, st.Status, id)
		assert.Equal(t, session.StopBudgetIteration, st.StopReason, id)
		assert.Equal(t, 5, st.Iteration, id)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight)
}

func TestRunner_StartTwice(t *testing.T) {
	started := make(chan string, 4)
	engine := newRunnerEngine(t, blocking(started))
	runner := NewRunner(engine, 2)
	t.Cleanup(func() { _ = runner.Shutdown(context.Background()) })

	_, err := engine.Create(context.Background(), budgetConfig("dup", 3))
	require.NoError(t, err)

	require.NoError(t, runner.Start("dup"))
	assert.ErrorIs(t, runner.Start("dup"), ErrAlreadyRunning)
	assert.True(t, runner.Running("dup"))

	waitStarted(t, started)
	runner.Stop("dup")
	require.Eventually(t, func() bool { return !runner.Running("dup") }, 5*time.Second, 5*time.Millisecond)

	st, err := engine.GetState(context.Background(), "dup")
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingEvaluation, st.Status, "stopping a run does not cancel the session")

	// A stopped session can be started again and picks up the same run id.
	require.NoError(t, runner.Start("dup"))
	assert.Equal(t, "dup-000000", waitStarted(t, started))
}

func TestRunner_QueuedRunInterruptedByShutdown(t *testing.T) {
	started := make(chan string, 4)
	engine := newRunnerEngine(t, blocking(started))
	runner := NewRunner(engine, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := engine.Create(ctx, budgetConfig(fmt.Sprintf("q%d", i), 3))
		require.NoError(t, err)
	}
	require.NoError(t, runner.Start("q0"))
	waitStarted(t, started)
	require.NoError(t, runner.Start("q1"))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(shutdownCtx))

	st, err := engine.GetState(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCreated, st.Status, "queued session never stepped")
	assert.False(t, runner.Running("q0"))
	assert.False(t, runner.Running("q1"))
}
