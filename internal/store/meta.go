package store

import (
	"database/sql"
	"strconv"
	"time"

	apperrors "github.com/planbookhq/backend/internal/errors"
)

const metaLastSyncKey = "last_sync_time"

// LastSyncTime returns the recorded end time of the last completed sync
// cycle. ok is false when no cycle has completed yet.
func (s *Store) LastSyncTime() (t time.Time, ok bool, err error) {
	var value string
	err = s.db.QueryRow("SELECT value FROM sync_meta WHERE key = ?", metaLastSyncKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, apperrors.Wrap(apperrors.ErrStorage, "failed to read last sync time", err)
	}

	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, apperrors.Wrap(apperrors.ErrStorage, "corrupt last sync time", err)
	}
	return time.Unix(unix, 0), true, nil
}

// SetLastSyncTime records the end time of a completed sync cycle.
func (s *Store) SetLastSyncTime(t time.Time) error {
	query := `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.db.Exec(query, metaLastSyncKey, strconv.FormatInt(t.Unix(), 10)); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to record last sync time", err)
	}
	return nil
}
