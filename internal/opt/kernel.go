package opt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cwbudde/simopt/internal/evaluator"
	"github.com/cwbudde/simopt/internal/space"
)

// State is a kernel's opaque, JSON-serializable search state. The engine
// stores it verbatim and hands it back on the next call.
type State = json.RawMessage

// Decision tells the engine what to do after a result has been absorbed.
type Decision string

const (
	// Continue proposes the next candidate.
	Continue Decision = "CONTINUE"
	// Converged ends the session.
	Converged Decision = "CONVERGED"
	// RejectAndRetry discards the candidate and proposes a new one.
	RejectAndRetry Decision = "REJECT_AND_RETRY"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case Continue, Converged, RejectAndRetry:
		return true
	}
	return false
}

// Kernel is a search algorithm driven one candidate at a time.
//
// Implementations must be pure functions of their inputs: all randomness is
// drawn from the supplied stream and all memory lives in State. This is what
// lets a session be persisted after every step and resumed bit-for-bit.
type Kernel interface {
	// Init returns the initial state.
	Init() (State, error)

	// Propose returns exactly one candidate to evaluate next, within the
	// kernel's parameter space.
	Propose(state State, stream *Stream) (space.Candidate, State, error)

	// Absorb incorporates the result of evaluating candidate.
	Absorb(state State, candidate space.Candidate, result evaluator.Result, stream *Stream) (State, Decision, error)

	// IsConverged reports whether state is terminal. It has no side effects.
	IsConverged(state State) (bool, error)
}

// StepInfo describes what a kernel did with the last absorbed result.
type StepInfo struct {
	Accepted bool               `json:"accepted"`
	Reason   string             `json:"reason,omitempty"`
	Values   map[string]float64 `json:"values,omitempty"`
}

// Tracer is implemented by kernels that can explain their last step. The
// engine copies the information into the session history.
type Tracer interface {
	LastStep(state State) (StepInfo, error)
}

// ConfigError reports an unknown algorithm or an invalid algorithm parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Constructor builds a kernel for a parameter space from its parameters.
// It returns a *ConfigError when params are invalid.
type Constructor func(s space.Space, params map[string]float64) (Kernel, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a kernel available under name. It panics on duplicates.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic("opt: kernel already registered: " + name)
	}
	registry[name] = ctor
}

// New constructs the kernel registered under name.
func New(name string, s space.Space, params map[string]float64) (Kernel, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, &ConfigError{Field: "algorithm", Reason: fmt.Sprintf("unknown algorithm %q (available: %v)", name, Algorithms())}
	}
	return ctor(s, params)
}

// Algorithms returns the registered kernel names, sorted.
func Algorithms() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
