package artifact

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "artifacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_AppendFailureIsNotConflict(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `CREATE TRIGGER reject_log BEFORE INSERT ON artifact_log
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = s.Put(ctx, "run-000001", KindSimulationCase, []byte("a"), Append)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConflict), "got %v", err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestSQLiteStore_IsKeyConflict(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "run-000001", KindSimulationCase, []byte("a"), Append)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifact_log (kind, key, seq, size, sha256, data, created_at) VALUES (?, ?, 1, 0, '', x'', CURRENT_TIMESTAMP)`,
		KindSimulationCase, "run-000001")
	require.Error(t, err)
	assert.True(t, isKeyConflict(err), "got %v", err)

	assert.False(t, isKeyConflict(errors.New("disk full")))
	assert.False(t, isKeyConflict(context.Canceled))
}
