package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir() // Automatically cleaned up after test
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	return store, tempDir
}

func TestNewFSStore(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewFSStore(baseDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store == nil {
		t.Fatal("Expected non-nil store")
	}

	// Verify base directory was created
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestFSStorePut_Layout(t *testing.T) {
	store, tempDir := setupTestStore(t)
	ctx := context.Background()

	rec, err := store.Put(ctx, "module-a", KindVersionedDesign, []byte(`{"w":1}`), Overwrite)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	expectedPath := filepath.Join(tempDir, "versioned-design", "module-a", "current")
	if rec.Path != expectedPath {
		t.Errorf("Expected path %s, got %s", expectedPath, rec.Path)
	}
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Artifact file was not created at %s", expectedPath)
	}

	// Verify no temp file remains
	if _, err := os.Stat(expectedPath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temp file should not exist after put: %s", expectedPath+".tmp")
	}

	if _, err := store.Put(ctx, "run-1", KindSimulationCase, []byte("m1"), Append); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "simulation-case", "run-1", "log.jsonl")); err != nil {
		t.Errorf("Expected log index to exist: %v", err)
	}
}

func TestFSStorePut_InvalidKey(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := store.Put(ctx, key, KindSimulationCase, []byte("x"), Overwrite); err == nil {
			t.Errorf("Expected error for key %q", key)
		}
	}

	if _, err := store.Put(ctx, "ok", Kind("bogus"), []byte("x"), Overwrite); err == nil {
		t.Error("Expected error for unknown kind")
	}
	if _, err := store.Put(ctx, "ok", KindSession, []byte("x"), WriteMode("MERGE")); err == nil {
		t.Error("Expected error for unknown mode")
	}
}

func TestFSStoreRead_StaleVersion(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	first, err := store.Put(ctx, "design", KindVersionedDesign, []byte("v1"), Overwrite)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Put(ctx, "design", KindVersionedDesign, []byte("v2"), Overwrite); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err = store.Read(ctx, first)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for overwritten version, got %v", err)
	}
}

func TestFSStoreConflict_ExternalWriter(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "design", KindVersionedDesign, []byte("v1"), Overwrite); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Simulate a writer outside this process truncating the log.
	if _, err := store.Put(ctx, "run", KindSimulationCase, []byte("a"), Append); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := store.Put(ctx, "run", KindSimulationCase, []byte("b"), Append); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	index := store.logIndexPath("run", KindSimulationCase)
	records, err := readLog(index)
	if err != nil {
		t.Fatalf("readLog failed: %v", err)
	}
	if err := os.Remove(index); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := appendLog(index, records[1]); err != nil {
		t.Fatalf("appendLog failed: %v", err)
	}

	_, err = store.Put(ctx, "run", KindSimulationCase, []byte("c"), Append)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
}

func TestFSStoreOverwrite_ConflictKeepsCurrent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "design", KindVersionedDesign, []byte("v1"), Overwrite); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Another writer bumps the version after Put has read it.
	store.now = func() time.Time {
		rec, err := store.readRecord("design", KindVersionedDesign)
		if err != nil {
			t.Fatalf("readRecord failed: %v", err)
		}
		rec.Version++
		data, err := json.Marshal(rec)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if err := writeAtomic(store.recordPath("design", KindVersionedDesign), data); err != nil {
			t.Fatalf("writeAtomic failed: %v", err)
		}
		return time.Now()
	}

	_, err := store.Put(ctx, "design", KindVersionedDesign, []byte("v2"), Overwrite)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	data, err := os.ReadFile(store.currentPath("design", KindVersionedDesign))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "v1" {
		t.Errorf("Expected current payload v1 after conflict, got %q", data)
	}
}

func TestFSStoreDelete(t *testing.T) {
	store, tempDir := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "run-9", KindSimulationCase, []byte("x"), Overwrite); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Delete(ctx, "run-9", KindSimulationCase); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tempDir, "simulation-case", "run-9")); !os.IsNotExist(err) {
		t.Error("Artifact directory should be removed")
	}

	err := store.Delete(ctx, "run-9", KindSimulationCase)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDecodeLog_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := readLog(path); err == nil {
		t.Error("Expected error for corrupted log")
	}
}
