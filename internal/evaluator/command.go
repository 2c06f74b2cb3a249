package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwbudde/simopt/internal/space"
)

// CommandConfig configures an external evaluation pipeline.
type CommandConfig struct {
	// Argv is the program and its arguments, e.g. ["python", "pipeline.py"].
	Argv []string `json:"argv"`
	// WorkDir holds one directory per run id. Defaults to ./data/runs.
	WorkDir string `json:"workDir,omitempty"`
	// Timeout bounds a single call; zero means no timeout beyond ctx.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Env is appended to the current environment.
	Env []string `json:"env,omitempty"`
}

// Request is written to the pipeline's stdin and to request.json in the run
// directory.
type Request struct {
	RunID     string          `json:"run_id"`
	RunDir    string          `json:"run_dir"`
	Params    map[string]any  `json:"params"`
	Candidate space.Candidate `json:"candidate"`
}

// response is what the pipeline prints on stdout.
type response struct {
	Success   *bool              `json:"success"`
	Score     *float64           `json:"score"`
	Metrics   map[string]float64 `json:"metrics"`
	Artifacts map[string]string  `json:"artifacts"`
	Error     string             `json:"error"`
}

// Command runs an external program for every evaluation. The program's run
// directory is recreated on each call so retries with the same run id
// overwrite the previous attempt's files.
type Command struct {
	cfg   CommandConfig
	space space.Space
}

// NewCommand validates cfg and returns a Command evaluator for the given
// parameter space.
func NewCommand(cfg CommandConfig, s space.Space) (*Command, error) {
	if len(cfg.Argv) == 0 || cfg.Argv[0] == "" {
		return nil, fmt.Errorf("evaluator command cannot be empty")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join("data", "runs")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("evaluator timeout cannot be negative")
	}
	return &Command{cfg: cfg, space: s}, nil
}

// RunDir returns the working directory used for runID.
func (c *Command) RunDir(runID string) string {
	return filepath.Join(c.cfg.WorkDir, runID)
}

// Evaluate runs the pipeline once.
func (c *Command) Evaluate(ctx context.Context, runID string, candidate space.Candidate) Result {
	runDir, err := filepath.Abs(c.RunDir(runID))
	if err != nil {
		return Failure(runID, fmt.Sprintf("failed to resolve run directory: %v", err))
	}
	if err := os.RemoveAll(runDir); err != nil {
		return Failure(runID, fmt.Sprintf("failed to clear run directory: %v", err))
	}
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return Failure(runID, fmt.Sprintf("failed to create run directory: %v", err))
	}

	req := Request{
		RunID:     runID,
		RunDir:    runDir,
		Params:    c.space.Resolve(candidate),
		Candidate: candidate,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Failure(runID, fmt.Sprintf("failed to encode request: %v", err))
	}
	if err := os.WriteFile(filepath.Join(runDir, "request.json"), payload, 0644); err != nil {
		return Failure(runID, fmt.Sprintf("failed to write request: %v", err))
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.cfg.Argv[0], c.cfg.Argv[1:]...)
	cmd.Dir = runDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second // stop waiting on pipes held by orphaned children
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env, "SIMOPT_RUN_ID="+runID, "SIMOPT_RUN_DIR="+runDir)

	slog.Debug("Starting evaluator command", "run_id", runID, "argv", c.cfg.Argv, "dir", runDir)
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if err := os.WriteFile(filepath.Join(runDir, "stderr.log"), stderr.Bytes(), 0644); err != nil {
		slog.Warn("Failed to save evaluator stderr", "run_id", runID, "error", err)
	}

	if runErr != nil {
		reason := fmt.Sprintf("evaluator command failed: %v", runErr)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("evaluator command timed out after %s", c.cfg.Timeout)
		}
		if tail := lastLines(stderr.String(), 5); tail != "" {
			reason += ": " + tail
		}
		res := Failure(runID, reason)
		res.Duration = elapsed
		return res
	}

	res := parseResponse(runID, stdout.Bytes(), runDir)
	res.Duration = elapsed
	return res
}

func parseResponse(runID string, out []byte, runDir string) Result {
	// The pipeline may log freely; the result is the last JSON line.
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var resp response
	var parsed bool
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if err := json.Unmarshal([]byte(line), &resp); err == nil {
			parsed = true
			break
		}
	}
	if !parsed {
		return Failure(runID, "evaluator produced no JSON result on stdout")
	}

	if resp.Success != nil && !*resp.Success {
		res := Failure(runID, resp.Error)
		res.Metrics = resp.Metrics
		return res
	}
	if resp.Score == nil {
		return Failure(runID, "evaluator result has no score")
	}

	artifacts := make(map[string]string, len(resp.Artifacts))
	for name, p := range resp.Artifacts {
		if !filepath.IsAbs(p) {
			p = filepath.Join(runDir, p)
		}
		artifacts[name] = p
	}

	return Result{
		RunID:     runID,
		Success:   true,
		Score:     *resp.Score,
		Metrics:   resp.Metrics,
		Artifacts: artifacts,
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}
