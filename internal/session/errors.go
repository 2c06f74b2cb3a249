package session

import "fmt"

// ConfigError reports an invalid session configuration. Nothing is persisted
// when Create returns one.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid session config: %s %s", e.Field, e.Reason)
}

// ErrNotFound matches any *NotFoundError with errors.Is.
var ErrNotFound = &NotFoundError{}

// NotFoundError is returned for unknown session ids.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ErrContractViolation matches any *ContractViolation with errors.Is.
var ErrContractViolation = &ContractViolation{}

// ContractViolation is returned when a search kernel breaks its contract,
// for example by proposing an out-of-bounds candidate. The session is moved
// to FAILED.
type ContractViolation struct {
	SessionID string
	Reason    string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("kernel contract violation in session %s: %s", e.SessionID, e.Reason)
}

func (e *ContractViolation) Is(target error) bool {
	_, ok := target.(*ContractViolation)
	return ok
}

// EvaluationError describes one failed evaluation attempt. It is recovered
// by the retry policy and only ever recorded, never returned from Step.
type EvaluationError struct {
	RunID   string
	Attempt int
	Reason  string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation %s attempt %d failed: %s", e.RunID, e.Attempt, e.Reason)
}
