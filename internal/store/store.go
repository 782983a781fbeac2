// Package store provides the persistent local record store. Every write is
// atomic at the granularity of a single record, and storage failures always
// propagate to the caller: silent loss would break the offline-durability
// guarantee the sync core exists to provide.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/planbookhq/backend/internal/db"
	apperrors "github.com/planbookhq/backend/internal/errors"
	"github.com/planbookhq/backend/internal/models"
)

// Store provides versioned record storage over SQLite.
type Store struct {
	db *db.DB
}

// New creates a Store on an opened, migrated database.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// execer is satisfied by both *db.DB and *sql.Tx so writes can run
// standalone or inside a caller-owned transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

// Put writes a record. The write either fully succeeds and is immediately
// visible to subsequent reads, or fails and leaves prior state untouched.
// Concurrent writes to the same (collection, id) race at the application
// layer and the later Put wins.
func (s *Store) Put(rec *models.Record) error {
	return s.put(s.db, rec)
}

// PutTx is Put inside a caller-owned transaction.
func (s *Store) PutTx(tx *sql.Tx, rec *models.Record) error {
	return s.put(tx, rec)
}

func (s *Store) put(e execer, rec *models.Record) error {
	if rec == nil || rec.ID == "" || rec.Collection == "" {
		return apperrors.New(apperrors.ErrInvalid, "record requires collection and id")
	}

	payload, err := rec.Payload.Encode()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "record payload is not serializable", err)
	}

	var conflictData sql.NullString
	if rec.Conflict != nil {
		data, err := json.Marshal(rec.Conflict)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "conflict data is not serializable", err)
		}
		conflictData = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT INTO records (collection, id, payload, version, last_modified, is_deleted, needs_sync, conflict_data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, id) DO UPDATE SET
		payload = excluded.payload,
		version = excluded.version,
		last_modified = excluded.last_modified,
		is_deleted = excluded.is_deleted,
		needs_sync = excluded.needs_sync,
		conflict_data = excluded.conflict_data
	`
	_, err = e.Exec(query, rec.Collection, rec.ID, string(payload), rec.Version,
		rec.LastModified, rec.IsDeleted, rec.NeedsSync, conflictData)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to write record", err)
	}
	return nil
}

// Get retrieves a record by collection and id. Tombstoned records are
// returned: deleted records remain until the server acknowledges deletion.
func (s *Store) Get(collection models.Collection, id string) (*models.Record, error) {
	return s.get(s.db, collection, id)
}

// GetTx is Get inside a caller-owned transaction.
func (s *Store) GetTx(tx *sql.Tx, collection models.Collection, id string) (*models.Record, error) {
	return s.get(tx, collection, id)
}

func (s *Store) get(qr queryRower, collection models.Collection, id string) (*models.Record, error) {
	query := `
	SELECT collection, id, payload, version, last_modified, is_deleted, needs_sync, conflict_data
	FROM records WHERE collection = ? AND id = ?
	`
	rec, err := scanRecord(qr.QueryRow(query, collection, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("record %s/%s not found", collection, id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read record", err)
	}
	return rec, nil
}

// GetAll returns all live (non-tombstoned) records in a collection.
func (s *Store) GetAll(collection models.Collection) ([]*models.Record, error) {
	query := `
	SELECT collection, id, payload, version, last_modified, is_deleted, needs_sync, conflict_data
	FROM records WHERE collection = ? AND is_deleted = 0
	ORDER BY id
	`
	return s.queryRecords(query, collection)
}

// Delete physically removes a record row. Callers tombstone via Put first;
// physical removal happens once the server has acknowledged the deletion.
func (s *Store) Delete(collection models.Collection, id string) error {
	return s.delete(s.db, collection, id)
}

// DeleteTx is Delete inside a caller-owned transaction.
func (s *Store) DeleteTx(tx *sql.Tx, collection models.Collection, id string) error {
	return s.delete(tx, collection, id)
}

func (s *Store) delete(e execer, collection models.Collection, id string) error {
	res, err := e.Exec("DELETE FROM records WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete record", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("record %s/%s not found", collection, id))
	}
	return nil
}

// ListNeedsSync returns records with unacknowledged local changes, oldest
// modification first.
func (s *Store) ListNeedsSync() ([]*models.Record, error) {
	query := `
	SELECT collection, id, payload, version, last_modified, is_deleted, needs_sync, conflict_data
	FROM records WHERE needs_sync = 1
	ORDER BY last_modified, collection, id
	`
	return s.queryRecords(query)
}

// ListModifiedSince returns records modified at or after the given unix time.
func (s *Store) ListModifiedSince(since int64) ([]*models.Record, error) {
	query := `
	SELECT collection, id, payload, version, last_modified, is_deleted, needs_sync, conflict_data
	FROM records WHERE last_modified >= ?
	ORDER BY last_modified, collection, id
	`
	return s.queryRecords(query, since)
}

// ListConflicted returns records waiting on conflict resolution.
func (s *Store) ListConflicted() ([]*models.Record, error) {
	query := `
	SELECT collection, id, payload, version, last_modified, is_deleted, needs_sync, conflict_data
	FROM records WHERE conflict_data IS NOT NULL
	ORDER BY collection, id
	`
	return s.queryRecords(query)
}

func (s *Store) queryRecords(query string, args ...any) ([]*models.Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate records", err)
	}
	return records, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.Record, error) {
	var rec models.Record
	var payload string
	var conflictData sql.NullString

	err := row.Scan(&rec.Collection, &rec.ID, &payload, &rec.Version,
		&rec.LastModified, &rec.IsDeleted, &rec.NeedsSync, &conflictData)
	if err != nil {
		return nil, err
	}

	rec.Payload, err = models.DecodePayload([]byte(payload))
	if err != nil {
		return nil, err
	}

	if conflictData.Valid {
		var conflict models.ConflictRecord
		if err := json.Unmarshal([]byte(conflictData.String), &conflict); err != nil {
			return nil, err
		}
		rec.Conflict = &conflict
	}

	return &rec, nil
}
