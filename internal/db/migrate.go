// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/planbookhq/backend/internal/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration represents an applied database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies embedded schema migrations in order. The offline schema is
// versioned so future field additions never require destructive migration of
// existing offline data.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	if _, err := m.db.Exec(query); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to create schema_migrations table", err)
	}
	return nil
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "failed to read schema version", err)
	}
	return version, nil
}

// GetAppliedMigrations returns all applied migrations in version order.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to query applied migrations", err)
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to scan migration row", err)
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// migrationFile is a parsed embedded migration.
type migrationFile struct {
	version     int
	description string
	name        string
}

// listMigrationFiles parses the embedded migration filenames
// (V1__initial_schema.up.sql) into ordered migrations.
func listMigrationFiles() ([]migrationFile, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		parts := strings.SplitN(strings.TrimSuffix(name, ".up.sql"), "__", 2)
		if len(parts) < 2 {
			continue
		}

		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil {
			return nil, fmt.Errorf("invalid migration filename %q: %w", name, err)
		}

		files = append(files, migrationFile{
			version:     version,
			description: strings.ReplaceAll(parts[1], "_", " "),
			name:        name,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// Up applies all pending migrations. Already-applied migrations are verified
// against their recorded checksum; a mismatch aborts the run.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}
	appliedByVersion := make(map[int]Migration, len(applied))
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	files, err := listMigrationFiles()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to list migrations", err)
	}

	for _, file := range files {
		content, err := migrationFS.ReadFile("migrations/" + file.name)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "failed to read migration "+file.name, err)
		}

		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		if prev, ok := appliedByVersion[file.version]; ok {
			if prev.Checksum != checksum {
				return apperrors.New(apperrors.ErrMigration,
					fmt.Sprintf("checksum mismatch for migration V%d (%s)", file.version, file.description))
			}
			continue
		}

		if err := m.apply(file, string(content), checksum); err != nil {
			return err
		}
	}

	return nil
}

// apply runs one migration and records it, atomically.
func (m *Migrator) apply(file migrationFile, content, checksum string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to begin migration transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(content); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration,
			fmt.Sprintf("failed to apply migration V%d", file.version), err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		file.version, time.Now().Unix(), file.description, checksum,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration,
			fmt.Sprintf("failed to record migration V%d", file.version), err)
	}

	return tx.Commit()
}
