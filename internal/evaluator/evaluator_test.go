package evaluator

import (
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cwbudde/simopt/internal/space"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSpace = space.Space{
	{Name: "x", Lower: 0, Upper: 10},
	{Name: "mat", Kind: space.KindCategorical, Choices: []string{"cu", "al"}},
}

func TestGuard_PassesThroughSuccess(t *testing.T) {
	ev := Guard(Objective(func(c space.Candidate) float64 { return (c["x"] - 7) * (c["x"] - 7) }))

	res := ev.Evaluate(context.Background(), "s-000001", space.Candidate{"x": 5, "mat": 0})
	assert.True(t, res.Success)
	assert.Equal(t, 4.0, res.Score)
	assert.Equal(t, "s-000001", res.RunID)
	assert.Empty(t, res.Error)
}

func TestGuard_RecoversPanic(t *testing.T) {
	ev := Guard(Func(func(context.Context, string, space.Candidate) Result {
		panic("solver exploded")
	}))

	res := ev.Evaluate(context.Background(), "r1", space.Candidate{"x": 1})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "solver exploded")
	assert.Equal(t, "r1", res.RunID)
}

func TestGuard_NonFiniteScoreIsFailure(t *testing.T) {
	for _, score := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		ev := Guard(Func(func(_ context.Context, runID string, _ space.Candidate) Result {
			return Result{RunID: runID, Success: true, Score: score}
		}))
		res := ev.Evaluate(context.Background(), "r", space.Candidate{"x": 1})
		assert.False(t, res.Success, "score %v", score)
		assert.Contains(t, res.Error, "non-finite")
	}
}

func TestGuard_FailureAlwaysHasError(t *testing.T) {
	ev := Guard(Func(func(_ context.Context, runID string, _ space.Candidate) Result {
		return Result{RunID: runID}
	}))
	res := ev.Evaluate(context.Background(), "r", nil)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestGuard_DoesNotLeakCandidateMutation(t *testing.T) {
	ev := Guard(Func(func(_ context.Context, runID string, c space.Candidate) Result {
		c["x"] = 99
		return Result{RunID: runID, Success: true, Score: 1}
	}))
	c := space.Candidate{"x": 1}
	ev.Evaluate(context.Background(), "r", c)
	assert.Equal(t, 1.0, c["x"])
}

func TestGuard_CancelledContext(t *testing.T) {
	called := false
	ev := Guard(Func(func(_ context.Context, runID string, _ space.Candidate) Result {
		called = true
		return Result{RunID: runID, Success: true}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := ev.Evaluate(ctx, "r", space.Candidate{"x": 1})
	assert.False(t, res.Success)
	assert.False(t, called)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("command evaluator tests need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommand_Success(t *testing.T) {
	requireShell(t)
	workDir := t.TempDir()

	script := `cat > seen.json; echo "solver log line"; echo '{"success":true,"score":1.5,"metrics":{"tmax_c":81.2},"artifacts":{"model":"model.mph"}}'`
	ev, err := NewCommand(CommandConfig{Argv: []string{"sh", "-c", script}, WorkDir: workDir}, testSpace)
	require.NoError(t, err)

	res := ev.Evaluate(context.Background(), "s-000003", space.Candidate{"x": 2, "mat": 1})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1.5, res.Score)
	assert.Equal(t, 81.2, res.Metrics["tmax_c"])

	runDir, _ := filepath.Abs(filepath.Join(workDir, "s-000003"))
	assert.Equal(t, filepath.Join(runDir, "model.mph"), res.Artifacts["model"])

	seen, err := os.ReadFile(filepath.Join(runDir, "seen.json"))
	require.NoError(t, err)
	assert.Contains(t, string(seen), `"mat":"al"`)
	assert.Contains(t, string(seen), `"run_id":"s-000003"`)
}

func TestCommand_RerunOverwritesRunDir(t *testing.T) {
	requireShell(t)
	workDir := t.TempDir()

	ev, err := NewCommand(CommandConfig{
		Argv:    []string{"sh", "-c", `touch "marker-$$"; echo '{"score":0}'`},
		WorkDir: workDir,
	}, testSpace)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res := ev.Evaluate(context.Background(), "same-run", space.Candidate{"x": 1, "mat": 0})
		require.True(t, res.Success, res.Error)
	}

	matches, err := filepath.Glob(filepath.Join(workDir, "same-run", "marker-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "previous attempt's files are removed")
}

func TestCommand_Failures(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"exit code", `echo "license server unavailable" >&2; exit 3`, "license server unavailable"},
		{"reported failure", `echo '{"success":false,"error":"mesh failed"}'`, "mesh failed"},
		{"no json", `echo done`, "no JSON result"},
		{"no score", `echo '{"success":true}'`, "no score"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := NewCommand(CommandConfig{Argv: []string{"sh", "-c", tt.script}, WorkDir: t.TempDir()}, testSpace)
			require.NoError(t, err)

			res := ev.Evaluate(context.Background(), "r", space.Candidate{"x": 1, "mat": 0})
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tt.want)
		})
	}
}

func TestCommand_Timeout(t *testing.T) {
	requireShell(t)

	ev, err := NewCommand(CommandConfig{
		Argv:    []string{"sh", "-c", "exec sleep 5"},
		WorkDir: t.TempDir(),
		Timeout: 100 * time.Millisecond,
	}, testSpace)
	require.NoError(t, err)

	start := time.Now()
	res := ev.Evaluate(context.Background(), "slow", space.Candidate{"x": 1, "mat": 0})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestNewCommand_Validation(t *testing.T) {
	_, err := NewCommand(CommandConfig{}, testSpace)
	assert.Error(t, err)

	_, err = NewCommand(CommandConfig{Argv: []string{"true"}, Timeout: -time.Second}, testSpace)
	assert.Error(t, err)

	ev, err := NewCommand(CommandConfig{Argv: []string{"true"}}, testSpace)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("data", "runs", "x"), ev.RunDir("x"))
}
