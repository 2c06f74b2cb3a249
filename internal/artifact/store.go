package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// Kind groups artifacts that share addressing rules.
type Kind string

const (
	// KindVersionedDesign is a per-design identifier whose canonical file is
	// overwritten on each new version.
	KindVersionedDesign Kind = "versioned-design"
	// KindSimulationCase is a per-run identifier whose primary artifact is
	// overwritten per run while a metrics log is appended.
	KindSimulationCase Kind = "simulation-case"
	// KindSession holds session snapshots (overwrite) and traces (append).
	KindSession Kind = "session"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindVersionedDesign, KindSimulationCase, KindSession:
		return true
	}
	return false
}

// WriteMode selects overwrite or append semantics for Put.
type WriteMode string

const (
	Overwrite WriteMode = "OVERWRITE"
	Append    WriteMode = "APPEND"
)

// Record describes one stored artifact.
//
// For Overwrite records Version increases by one on every Put under the same
// key and kind. For Append records Version is the 1-based position in the log.
type Record struct {
	Key       string    `json:"key"`
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path"`
	Mode      WriteMode `json:"writeMode"`
	Version   int64     `json:"version"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store maps stable identifiers to persisted artifacts.
// Implementations must be safe for concurrent use.
//
// Error handling conventions:
//   - Return an error matching ErrNotFound for unknown key/kind pairs
//   - Return *ConflictError if a write could not be linearized
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// Put writes payload under key. Overwrite replaces the current artifact
	// and increments its version; Append adds a new record to the ordered
	// log under key without touching prior records. Writes to the same key
	// never interleave.
	Put(ctx context.Context, key string, kind Kind, payload []byte, mode WriteMode) (Record, error)

	// Get returns the current overwrite record for key, or the most recently
	// appended record when key only has a log.
	Get(ctx context.Context, key string, kind Kind) (Record, error)

	// ListHistory returns appended records under key in call order.
	ListHistory(ctx context.Context, key string, kind Kind) ([]Record, error)

	// Read returns the payload of rec. Overwritten versions are no longer
	// retrievable.
	Read(ctx context.Context, rec Record) ([]byte, error)

	// List returns the current record of every key of the given kind.
	List(ctx context.Context, kind Kind) ([]Record, error)

	// Delete removes every artifact (current and log) under key.
	Delete(ctx context.Context, key string, kind Kind) error

	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validate(key string, kind Kind) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid artifact key %q", key)
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	return nil
}

func validateMode(mode WriteMode) error {
	if mode != Overwrite && mode != Append {
		return fmt.Errorf("unknown write mode %q", mode)
	}
	return nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
