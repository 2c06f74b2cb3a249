package artifact

import "fmt"

// ErrNotFound is returned when a requested artifact does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing artifact.
type NotFoundError struct {
	Key  string
	Kind Kind
}

func (e *NotFoundError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("artifact not found: %s/%s", e.Kind, e.Key)
	}
	return "artifact not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ErrConflict matches any *ConflictError.
var ErrConflict = &ConflictError{}

// ConflictError reports a write the store could not linearize. Per-key
// locking makes this unreachable in a single process; it indicates another
// writer touched the same backing storage.
type ConflictError struct {
	Key      string
	Kind     Kind
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("artifact conflict: %s/%s expected version %d, found %d", e.Kind, e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	_, ok := target.(*ConflictError)
	return ok
}
