package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a single SQLite database. Current
// overwrite payloads live in the artifacts table, appended payloads in
// artifact_log.
type SQLiteStore struct {
	db    *sql.DB
	dsn   string
	locks *keyLocker
	now   func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and migrates) the database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: in-memory databases are per connection, and it keeps
	// SQLite's writer lock uncontended.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:    db,
		dsn:   dsn,
		locks: newKeyLocker(),
		now:   time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			version INTEGER NOT NULL,
			size INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (kind, key)
		)`,
		`CREATE TABLE IF NOT EXISTS artifact_log (
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			size INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (kind, key, seq)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) path(key string, kind Kind, mode WriteMode, version int64) string {
	if mode == Append {
		return fmt.Sprintf("sqlite:%s/%s/log/%d", kind, key, version)
	}
	return fmt.Sprintf("sqlite:%s/%s@%d", kind, key, version)
}

// Put writes payload under key using the given mode.
func (s *SQLiteStore) Put(ctx context.Context, key string, kind Kind, payload []byte, mode WriteMode) (Record, error) {
	if err := validate(key, kind); err != nil {
		return Record{}, err
	}
	if err := validateMode(mode); err != nil {
		return Record{}, err
	}

	unlock := s.locks.lock(lockKey(kind, key))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec := Record{
		Key:       key,
		Kind:      kind,
		Mode:      mode,
		Size:      int64(len(payload)),
		SHA256:    checksum(payload),
		CreatedAt: s.now().UTC(),
	}

	if mode == Overwrite {
		var prev int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM artifacts WHERE kind = ? AND key = ?`, kind, key).Scan(&prev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rec.Version = 1
			_, err = tx.ExecContext(ctx,
				`INSERT INTO artifacts (kind, key, version, size, sha256, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				kind, key, rec.Version, rec.Size, rec.SHA256, payload, rec.CreatedAt)
			if err != nil {
				return Record{}, fmt.Errorf("failed to insert artifact: %w", err)
			}
		case err != nil:
			return Record{}, fmt.Errorf("failed to query artifact version: %w", err)
		default:
			rec.Version = prev + 1
			res, err := tx.ExecContext(ctx,
				`UPDATE artifacts SET version = ?, size = ?, sha256 = ?, data = ?, created_at = ?
				 WHERE kind = ? AND key = ? AND version = ?`,
				rec.Version, rec.Size, rec.SHA256, payload, rec.CreatedAt, kind, key, prev)
			if err != nil {
				return Record{}, fmt.Errorf("failed to update artifact: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return Record{}, &ConflictError{Key: key, Kind: kind, Expected: prev, Actual: -1}
			}
		}
	} else {
		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM artifact_log WHERE kind = ? AND key = ?`, kind, key).Scan(&last); err != nil {
			return Record{}, fmt.Errorf("failed to query log sequence: %w", err)
		}
		rec.Version = last.Int64 + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifact_log (kind, key, seq, size, sha256, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			kind, key, rec.Version, rec.Size, rec.SHA256, payload, rec.CreatedAt); err != nil {
			if isKeyConflict(err) {
				return Record{}, &ConflictError{Key: key, Kind: kind, Expected: last.Int64, Actual: rec.Version}
			}
			return Record{}, fmt.Errorf("failed to append artifact: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("failed to commit artifact: %w", err)
	}

	rec.Path = s.path(key, kind, mode, rec.Version)
	slog.Debug("Artifact stored", "kind", kind, "key", key, "mode", mode, "version", rec.Version)
	return rec, nil
}

// isKeyConflict reports whether err is a primary key or unique violation.
func isKeyConflict(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Get returns the current record for key.
func (s *SQLiteStore) Get(ctx context.Context, key string, kind Kind) (Record, error) {
	if err := validate(key, kind); err != nil {
		return Record{}, err
	}

	rec := Record{Key: key, Kind: kind, Mode: Overwrite}
	err := s.db.QueryRowContext(ctx,
		`SELECT version, size, sha256, created_at FROM artifacts WHERE kind = ? AND key = ?`, kind, key).
		Scan(&rec.Version, &rec.Size, &rec.SHA256, &rec.CreatedAt)
	if err == nil {
		rec.Path = s.path(key, kind, Overwrite, rec.Version)
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("failed to query artifact: %w", err)
	}

	rec.Mode = Append
	err = s.db.QueryRowContext(ctx,
		`SELECT seq, size, sha256, created_at FROM artifact_log WHERE kind = ? AND key = ? ORDER BY seq DESC LIMIT 1`, kind, key).
		Scan(&rec.Version, &rec.Size, &rec.SHA256, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, &NotFoundError{Key: key, Kind: kind}
	} else if err != nil {
		return Record{}, fmt.Errorf("failed to query artifact log: %w", err)
	}
	rec.Path = s.path(key, kind, Append, rec.Version)
	return rec, nil
}

// ListHistory returns appended records under key in call order.
func (s *SQLiteStore) ListHistory(ctx context.Context, key string, kind Kind) ([]Record, error) {
	if err := validate(key, kind); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, size, sha256, created_at FROM artifact_log WHERE kind = ? AND key = ? ORDER BY seq ASC`, kind, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact log: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec := Record{Key: key, Kind: kind, Mode: Append}
		if err := rows.Scan(&rec.Version, &rec.Size, &rec.SHA256, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact log: %w", err)
		}
		rec.Path = s.path(key, kind, Append, rec.Version)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM artifacts WHERE kind = ? AND key = ?`, kind, key).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Key: key, Kind: kind}
		} else if err != nil {
			return nil, fmt.Errorf("failed to query artifact: %w", err)
		}
	}
	return records, nil
}

// Read returns the payload of rec.
func (s *SQLiteStore) Read(ctx context.Context, rec Record) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if rec.Mode == Overwrite {
		err = s.db.QueryRowContext(ctx,
			`SELECT data FROM artifacts WHERE kind = ? AND key = ? AND version = ?`, rec.Kind, rec.Key, rec.Version).Scan(&data)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT data FROM artifact_log WHERE kind = ? AND key = ? AND seq = ?`, rec.Kind, rec.Key, rec.Version).Scan(&data)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Key: rec.Key, Kind: rec.Kind}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// List returns the current record of every key of kind, ordered by key.
func (s *SQLiteStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM artifacts WHERE kind = ?
		 UNION SELECT DISTINCT key FROM artifact_log WHERE kind = ?
		 ORDER BY key`, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan artifact key: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Get(ctx, key, kind)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes every artifact under key.
func (s *SQLiteStore) Delete(ctx context.Context, key string, kind Kind) error {
	if err := validate(key, kind); err != nil {
		return err
	}

	unlock := s.locks.lock(lockKey(kind, key))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var removed int64
	for _, q := range []string{
		`DELETE FROM artifacts WHERE kind = ? AND key = ?`,
		`DELETE FROM artifact_log WHERE kind = ? AND key = ?`,
	} {
		res, err := tx.ExecContext(ctx, q, kind, key)
		if err != nil {
			return fmt.Errorf("failed to delete artifact: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if removed == 0 {
		return &NotFoundError{Key: key, Kind: kind}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
