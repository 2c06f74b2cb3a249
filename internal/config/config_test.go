package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/simopt/internal/artifact"
	"github.com/cwbudde/simopt/internal/session"
	"github.com/cwbudde/simopt/internal/space"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
	assert.Equal(t, filepath.Join("data", "artifacts"), cfg.StorePath())
}

func TestLoad_MergesYAML(t *testing.T) {
	path := writeFile(t, "simopt.yaml", `
data_dir: /var/lib/simopt
store:
  backend: sqlite
evaluator:
  command: ["python", "pipeline.py"]
  timeout: 15m
server:
  max_concurrent: 2
log:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/simopt", cfg.DataDir)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, filepath.Join("/var/lib/simopt", "simopt.db"), cfg.StorePath())
	assert.Equal(t, []string{"python", "pipeline.py"}, cfg.Evaluator.Command)
	assert.Equal(t, session.Duration(15*time.Minute), cfg.Evaluator.Timeout)
	assert.Equal(t, 2, cfg.Server.MaxConcurrent)
	assert.Equal(t, ":8080", cfg.Server.Addr, "unset values keep their defaults")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "store:\n  backnd: fs\n"))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestOpenStore(t *testing.T) {
	for _, backend := range []string{BackendFS, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DataDir = t.TempDir()
			cfg.Store.Backend = backend

			store, err := cfg.OpenStore()
			require.NoError(t, err)
			defer store.Close()

			_, err = store.Put(t.Context(), "k", artifact.KindSession, []byte("v"), artifact.Overwrite)
			require.NoError(t, err)
		})
	}

	cfg := DefaultConfig()
	cfg.Store.Backend = "etcd"
	_, err := cfg.OpenStore()
	assert.Error(t, err)
}

func TestNewEvaluator(t *testing.T) {
	cfg := DefaultConfig()
	s := space.Space{{Name: "x", Lower: 0, Upper: 1}}

	_, err := cfg.NewEvaluator(s)
	assert.Error(t, err)

	cfg.Evaluator.Command = []string{"./pipeline"}
	ev, err := cfg.NewEvaluator(s)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("data", "runs", "r1"), ev.RunDir("r1"))
}

func TestParseSession(t *testing.T) {
	cfg, err := ParseSession([]byte(`
session_id: heatsink-01
algorithm: sa
seed: 42
parameter_space:
  - name: pitch
    lower: 2.5
    upper: 6
  - name: fins
    kind: INT
    lower: 4
    upper: 24
  - name: material
    kind: categorical
    choices: [cu, al]
algorithm_params:
  initial_temperature: 10
  x0.pitch: 3
budget:
  max_iterations: 50
  max_wall_clock: 2h
retry:
  max_retries: 0
`))
	require.NoError(t, err)

	assert.Equal(t, "heatsink-01", cfg.SessionID)
	assert.Equal(t, int64(42), cfg.Seed)
	require.Len(t, cfg.ParameterSpace, 3)
	assert.Equal(t, space.KindInt, cfg.ParameterSpace[1].Kind)
	assert.Equal(t, []string{"cu", "al"}, cfg.ParameterSpace[2].Choices)
	assert.Equal(t, 3.0, cfg.AlgorithmParams["x0.pitch"])
	assert.Equal(t, session.Duration(2*time.Hour), cfg.Budget.MaxWallClock)
	require.NotNil(t, cfg.Retry.MaxRetries)
	assert.Equal(t, 0, cfg.Retry.Retries())
	assert.Nil(t, cfg.Retry.FailureCeiling)
	require.NoError(t, cfg.Validate())

	_, err = ParseSession([]byte("sesion_id: typo\n"))
	assert.Error(t, err)
}

func TestLoadSession_JSON(t *testing.T) {
	path := writeFile(t, "session.json", `{"algorithm":"sa","seed":1,"parameter_space":[{"name":"x","lower":0,"upper":1}]}`)
	cfg, err := LoadSession(path)
	require.NoError(t, err)
	assert.Equal(t, "sa", cfg.Algorithm)
	assert.Equal(t, "", cfg.SessionID)
}
