package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwbudde/simopt/internal/artifact"
	"github.com/cwbudde/simopt/internal/evaluator"
	"github.com/cwbudde/simopt/internal/session"
	"github.com/cwbudde/simopt/internal/space"
	"sigs.k8s.io/yaml"
)

// Store backends.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

const (
	defaultDataDir       = "data"
	defaultAddr          = ":8080"
	defaultMaxConcurrent = 4
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// Config is the application configuration, read from a YAML or JSON file
// and merged onto DefaultConfig.
type Config struct {
	DataDir   string          `json:"data_dir"`
	Store     StoreConfig     `json:"store"`
	Evaluator EvaluatorConfig `json:"evaluator"`
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
}

// StoreConfig selects the artifact store backing.
type StoreConfig struct {
	Backend string `json:"backend,omitempty"`
	// Path is the base directory (fs) or database file (sqlite). Defaults
	// to a location under DataDir.
	Path string `json:"path,omitempty"`
}

// EvaluatorConfig describes the external evaluation pipeline.
type EvaluatorConfig struct {
	Command []string         `json:"command,omitempty"`
	WorkDir string           `json:"work_dir,omitempty"`
	Timeout session.Duration `json:"timeout,omitempty"`
	Env     []string         `json:"env,omitempty"`
}

// ServerConfig configures `simopt serve`.
type ServerConfig struct {
	Addr string `json:"addr,omitempty"`
	// MaxConcurrent bounds the number of sessions running in the background.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// LogConfig configures the default slog logger.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir: defaultDataDir,
		Store:   StoreConfig{Backend: BackendFS},
		Server:  ServerConfig{Addr: defaultAddr, MaxConcurrent: defaultMaxConcurrent},
		Log:     LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.DataDir != "" {
		c.DataDir = source.DataDir
	}
	if source.Store.Backend != "" {
		c.Store.Backend = source.Store.Backend
	}
	if source.Store.Path != "" {
		c.Store.Path = source.Store.Path
	}
	if len(source.Evaluator.Command) > 0 {
		c.Evaluator.Command = source.Evaluator.Command
	}
	if source.Evaluator.WorkDir != "" {
		c.Evaluator.WorkDir = source.Evaluator.WorkDir
	}
	if source.Evaluator.Timeout > 0 {
		c.Evaluator.Timeout = source.Evaluator.Timeout
	}
	if len(source.Evaluator.Env) > 0 {
		c.Evaluator.Env = source.Evaluator.Env
	}
	if source.Server.Addr != "" {
		c.Server.Addr = source.Server.Addr
	}
	if source.Server.MaxConcurrent > 0 {
		c.Server.MaxConcurrent = source.Server.MaxConcurrent
	}
	if source.Log.Level != "" {
		c.Log.Level = source.Log.Level
	}
	if source.Log.Format != "" {
		c.Log.Format = source.Log.Format
	}
}

// Load reads a YAML or JSON config file and merges it with defaults. An
// empty filename returns the defaults.
func Load(filename string) (*Config, error) {
	cfg := DefaultConfig()
	if filename == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := yaml.UnmarshalStrict(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}

// StorePath returns the effective store location.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Backend == BackendSQLite {
		return filepath.Join(c.DataDir, "simopt.db")
	}
	return filepath.Join(c.DataDir, "artifacts")
}

// OpenStore opens the configured artifact store.
func (c *Config) OpenStore() (artifact.Store, error) {
	switch c.Store.Backend {
	case BackendFS, "":
		return artifact.NewFSStore(c.StorePath())
	case BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(c.StorePath()), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return artifact.NewSQLiteStore(c.StorePath())
	default:
		return nil, fmt.Errorf("unknown store backend %q (want %s or %s)", c.Store.Backend, BackendFS, BackendSQLite)
	}
}

// RunsDir is the parent of the per-run evaluator working directories.
func (c *Config) RunsDir() string {
	if c.Evaluator.WorkDir != "" {
		return c.Evaluator.WorkDir
	}
	return filepath.Join(c.DataDir, "runs")
}

// NewEvaluator builds the command evaluator for a parameter space.
func (c *Config) NewEvaluator(s space.Space) (*evaluator.Command, error) {
	if len(c.Evaluator.Command) == 0 {
		return nil, fmt.Errorf("no evaluator command configured (set evaluator.command in the config file)")
	}
	return evaluator.NewCommand(evaluator.CommandConfig{
		Argv:    c.Evaluator.Command,
		WorkDir: c.RunsDir(),
		Timeout: time.Duration(c.Evaluator.Timeout),
		Env:     c.Evaluator.Env,
	}, s)
}

// LoadSession reads a session configuration from a YAML or JSON file.
func LoadSession(filename string) (session.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return session.Config{}, fmt.Errorf("failed to read session config: %w", err)
	}
	return ParseSession(data)
}

// ParseSession decodes a YAML or JSON session configuration.
func ParseSession(data []byte) (session.Config, error) {
	var cfg session.Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return session.Config{}, fmt.Errorf("failed to parse session config: %w", err)
	}
	for i := range cfg.ParameterSpace {
		cfg.ParameterSpace[i].Kind = space.Kind(strings.ToLower(string(cfg.ParameterSpace[i].Kind)))
	}
	return cfg, nil
}
