// Package db tests for database connection management and migrations.
package db

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	dbPath := filepath.Join(tmpDir, "planbook.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Verify connection is usable
	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil {
		t.Errorf("Database query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("Expected 1, got %d", result)
	}

	// Verify WAL mode is enabled
	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	// Verify foreign keys are enabled
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be used.
func TestOpen_invalidDataDir(t *testing.T) {
	invalidPath := "/dev/null/invalid_path/that/cannot/be/created"

	_, err := Open(invalidPath)
	if err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestWithTx verifies commit on success and rollback on error.
func TestWithTx(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE scratch (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	err = db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO scratch (name) VALUES ('kept')")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	failure := errors.New("second write failed")
	err = db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO scratch (name) VALUES ('dropped')"); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Expected fn error propagated, got %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM scratch").Scan(&count); err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected only the committed row, got %d rows", count)
	}
}
