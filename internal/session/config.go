package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cwbudde/simopt/internal/space"
)

// Retry policy defaults.
const (
	DefaultMaxRetries     = 2
	DefaultFailureCeiling = 5
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("90s", "2h") in JSON and YAML. Plain numbers are taken as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30m\" or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Budget bounds a session. Zero values mean unlimited.
type Budget struct {
	MaxIterations int `json:"max_iterations,omitempty"`
	// MaxWallClock is measured from the first Step.
	MaxWallClock Duration `json:"max_wall_clock,omitempty"`
}

// RetryPolicy controls how evaluator failures are handled. Nil fields take
// the defaults when the session is created.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts per candidate.
	MaxRetries *int `json:"max_retries,omitempty"`
	// FailureCeiling is the number of consecutive failed iterations after
	// which the session fails.
	FailureCeiling *int `json:"failure_ceiling,omitempty"`
}

// Retries returns the effective number of retries.
func (p RetryPolicy) Retries() int {
	if p.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *p.MaxRetries
}

// Ceiling returns the effective failure ceiling.
func (p RetryPolicy) Ceiling() int {
	if p.FailureCeiling == nil {
		return DefaultFailureCeiling
	}
	return *p.FailureCeiling
}

// Config is the immutable definition of a session.
type Config struct {
	SessionID       string             `json:"session_id"`
	Algorithm       string             `json:"algorithm"`
	ParameterSpace  space.Space        `json:"parameter_space"`
	AlgorithmParams map[string]float64 `json:"algorithm_params,omitempty"`
	// Seed drives every random draw of the session. There is no fallback to
	// ambient randomness: an omitted seed is seed 0.
	Seed   int64       `json:"seed"`
	Budget Budget      `json:"budget"`
	Retry  RetryPolicy `json:"retry"`
}

// withDefaults returns a copy with retry defaults made explicit so the
// persisted config is self-describing.
func (c Config) withDefaults() Config {
	out := c
	retries, ceiling := c.Retry.Retries(), c.Retry.Ceiling()
	out.Retry = RetryPolicy{MaxRetries: &retries, FailureCeiling: &ceiling}
	out.ParameterSpace = append(space.Space(nil), c.ParameterSpace...)
	if c.AlgorithmParams != nil {
		out.AlgorithmParams = make(map[string]float64, len(c.AlgorithmParams))
		for k, v := range c.AlgorithmParams {
			out.AlgorithmParams[k] = v
		}
	}
	return out
}

// Validate checks everything that does not depend on the kernel registry.
func (c Config) Validate() error {
	if !sessionIDPattern.MatchString(c.SessionID) {
		return &ConfigError{Field: "session_id", Reason: fmt.Sprintf("%q must match %s", c.SessionID, sessionIDPattern)}
	}
	if c.Algorithm == "" {
		return &ConfigError{Field: "algorithm", Reason: "cannot be empty"}
	}
	if err := c.ParameterSpace.Validate(); err != nil {
		var ve *space.ValidationError
		if errors.As(err, &ve) {
			return &ConfigError{Field: ve.Field, Reason: ve.Reason}
		}
		return &ConfigError{Field: "parameter_space", Reason: err.Error()}
	}
	if c.Budget.MaxIterations < 0 {
		return &ConfigError{Field: "budget.max_iterations", Reason: "cannot be negative"}
	}
	if c.Budget.MaxWallClock < 0 {
		return &ConfigError{Field: "budget.max_wall_clock", Reason: "cannot be negative"}
	}
	if c.Retry.Retries() < 0 {
		return &ConfigError{Field: "retry.max_retries", Reason: "cannot be negative"}
	}
	if c.Retry.Ceiling() < 1 {
		return &ConfigError{Field: "retry.failure_ceiling", Reason: "must be at least 1"}
	}
	return nil
}
