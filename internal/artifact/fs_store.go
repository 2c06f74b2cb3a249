package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FSStore implements the Store interface on the filesystem.
// Artifacts live in <baseDir>/<kind>/<key>/:
//
//	current      payload of the latest overwrite
//	record.json  Record describing current
//	log.jsonl    one Record per appended artifact
//	log/<seq>    appended payloads
//
// Files are written to a temp file and renamed into place. Writes to the same
// key are serialized with a per-key lock.
type FSStore struct {
	baseDir string
	locks   *keyLocker
	now     func() time.Time
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir: baseDir,
		locks:   newKeyLocker(),
		now:     time.Now,
	}, nil
}

func (fs *FSStore) keyDir(key string, kind Kind) string {
	return filepath.Join(fs.baseDir, string(kind), key)
}

func (fs *FSStore) currentPath(key string, kind Kind) string {
	return filepath.Join(fs.keyDir(key, kind), "current")
}

func (fs *FSStore) recordPath(key string, kind Kind) string {
	return filepath.Join(fs.keyDir(key, kind), "record.json")
}

func (fs *FSStore) logIndexPath(key string, kind Kind) string {
	return filepath.Join(fs.keyDir(key, kind), "log.jsonl")
}

func (fs *FSStore) logPayloadPath(key string, kind Kind, seq int64) string {
	return filepath.Join(fs.keyDir(key, kind), "log", fmt.Sprintf("%08d", seq))
}

// Put writes payload under key using the given mode.
func (fs *FSStore) Put(ctx context.Context, key string, kind Kind, payload []byte, mode WriteMode) (Record, error) {
	if err := validate(key, kind); err != nil {
		return Record{}, err
	}
	if err := validateMode(mode); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	unlock := fs.locks.lock(lockKey(kind, key))
	defer unlock()

	if err := os.MkdirAll(fs.keyDir(key, kind), 0755); err != nil {
		return Record{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	if mode == Overwrite {
		return fs.overwrite(key, kind, payload)
	}
	return fs.append(key, kind, payload)
}

func (fs *FSStore) overwrite(key string, kind Kind, payload []byte) (Record, error) {
	prev, err := fs.readRecord(key, kind)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	rec := Record{
		Key:       key,
		Kind:      kind,
		Path:      fs.currentPath(key, kind),
		Mode:      Overwrite,
		Version:   prev.Version + 1,
		Size:      int64(len(payload)),
		SHA256:    checksum(payload),
		CreatedAt: fs.now().UTC(),
	}

	// Nothing else may have moved the version while we held the key lock.
	latest, err := fs.readRecord(key, kind)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	if latest.Version != prev.Version {
		return Record{}, &ConflictError{Key: key, Kind: kind, Expected: prev.Version, Actual: latest.Version}
	}

	if err := writeAtomic(rec.Path, payload); err != nil {
		return Record{}, fmt.Errorf("failed to write artifact %s/%s: %w", kind, key, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("failed to serialize record: %w", err)
	}
	if err := writeAtomic(fs.recordPath(key, kind), data); err != nil {
		return Record{}, fmt.Errorf("failed to write record %s/%s: %w", kind, key, err)
	}

	slog.Debug("Artifact overwritten", "kind", kind, "key", key, "version", rec.Version)
	return rec, nil
}

func (fs *FSStore) append(key string, kind Kind, payload []byte) (Record, error) {
	history, err := readLog(fs.logIndexPath(key, kind))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Record{}, err
	}

	seq := int64(len(history)) + 1
	if n := len(history); n > 0 && history[n-1].Version != int64(n) {
		return Record{}, &ConflictError{Key: key, Kind: kind, Expected: int64(n), Actual: history[n-1].Version}
	}

	rec := Record{
		Key:       key,
		Kind:      kind,
		Path:      fs.logPayloadPath(key, kind, seq),
		Mode:      Append,
		Version:   seq,
		Size:      int64(len(payload)),
		SHA256:    checksum(payload),
		CreatedAt: fs.now().UTC(),
	}

	if err := os.MkdirAll(filepath.Dir(rec.Path), 0755); err != nil {
		return Record{}, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := writeAtomic(rec.Path, payload); err != nil {
		return Record{}, fmt.Errorf("failed to write log payload %s/%s: %w", kind, key, err)
	}
	if err := appendLog(fs.logIndexPath(key, kind), rec); err != nil {
		return Record{}, err
	}

	slog.Debug("Artifact appended", "kind", kind, "key", key, "seq", seq)
	return rec, nil
}

func (fs *FSStore) readRecord(key string, kind Kind) (Record, error) {
	data, err := os.ReadFile(fs.recordPath(key, kind))
	if os.IsNotExist(err) {
		return Record{}, &NotFoundError{Key: key, Kind: kind}
	} else if err != nil {
		return Record{}, fmt.Errorf("failed to read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to deserialize record: %w", err)
	}
	return rec, nil
}

// Get returns the current record for key.
func (fs *FSStore) Get(ctx context.Context, key string, kind Kind) (Record, error) {
	if err := validate(key, kind); err != nil {
		return Record{}, err
	}

	rec, err := fs.readRecord(key, kind)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rec, err
	}

	history, err := readLog(fs.logIndexPath(key, kind))
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(history) == 0) {
		return Record{}, &NotFoundError{Key: key, Kind: kind}
	} else if err != nil {
		return Record{}, err
	}
	return history[len(history)-1], nil
}

// ListHistory returns appended records under key in call order.
func (fs *FSStore) ListHistory(ctx context.Context, key string, kind Kind) ([]Record, error) {
	if err := validate(key, kind); err != nil {
		return nil, err
	}

	history, err := readLog(fs.logIndexPath(key, kind))
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(fs.keyDir(key, kind)); os.IsNotExist(statErr) {
			return nil, &NotFoundError{Key: key, Kind: kind}
		}
		return []Record{}, nil
	}
	return history, err
}

// Read returns the payload of rec.
func (fs *FSStore) Read(ctx context.Context, rec Record) ([]byte, error) {
	if err := validate(rec.Key, rec.Kind); err != nil {
		return nil, err
	}

	path := fs.logPayloadPath(rec.Key, rec.Kind, rec.Version)
	if rec.Mode == Overwrite {
		current, err := fs.readRecord(rec.Key, rec.Kind)
		if err != nil {
			return nil, err
		}
		if current.Version != rec.Version {
			return nil, &NotFoundError{Key: rec.Key, Kind: rec.Kind}
		}
		path = fs.currentPath(rec.Key, rec.Kind)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Key: rec.Key, Kind: rec.Kind}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// List returns the current record of every key of kind, ordered by key.
func (fs *FSStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}

	kindDir := filepath.Join(fs.baseDir, string(kind))
	entries, err := os.ReadDir(kindDir)
	if os.IsNotExist(err) {
		return []Record{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s directory: %w", kind, err)
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := fs.Get(ctx, entry.Name(), kind)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Failed to load artifact for listing", "kind", kind, "key", entry.Name(), "error", err)
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// Delete removes every artifact under key.
func (fs *FSStore) Delete(ctx context.Context, key string, kind Kind) error {
	if err := validate(key, kind); err != nil {
		return err
	}

	unlock := fs.locks.lock(lockKey(kind, key))
	defer unlock()

	dir := fs.keyDir(key, kind)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{Key: key, Kind: kind}
	} else if err != nil {
		return fmt.Errorf("failed to stat artifact directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove artifact directory: %w", err)
	}

	slog.Debug("Artifact deleted", "kind", kind, "key", key, "path", dir)
	return nil
}

// Close is a no-op for the filesystem store.
func (fs *FSStore) Close() error {
	return nil
}

// writeAtomic writes data to a temp file next to path and renames it.
func writeAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
