package store

import (
	"testing"
	"time"

	"github.com/planbookhq/backend/internal/db"
	apperrors "github.com/planbookhq/backend/internal/errors"
	"github.com/planbookhq/backend/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	m := db.NewMigrator(database.DB)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	return New(database)
}

func testRecord(id string, payload models.Payload) *models.Record {
	return &models.Record{
		ID:           id,
		Collection:   models.CollectionLessonPlans,
		Payload:      payload,
		Version:      1,
		LastModified: time.Now().Unix(),
		NeedsSync:    true,
	}
}

// TestPutGet verifies a record round-trips through storage.
func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord("lesson-1", models.Payload{
		"title":    "Fractions",
		"duration": float64(45),
		"tags":     []interface{}{"math", "grade-5"},
	})

	if err := s.Put(rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := s.Get(models.CollectionLessonPlans, "lesson-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ID != "lesson-1" {
		t.Errorf("Expected id lesson-1, got %s", got.ID)
	}
	if got.Version != 1 {
		t.Errorf("Expected version 1, got %d", got.Version)
	}
	if !got.NeedsSync {
		t.Error("Expected needs_sync to survive the round trip")
	}
	if got.Payload["title"] != "Fractions" {
		t.Errorf("Expected title Fractions, got %v", got.Payload["title"])
	}
	if got.Payload["duration"] != float64(45) {
		t.Errorf("Expected duration 45, got %v", got.Payload["duration"])
	}
}

// TestPut_upsert verifies a second Put replaces the stored state.
func TestPut_upsert(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord("lesson-1", models.Payload{"title": "A"})
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	rec.Payload = models.Payload{"title": "B"}
	rec.Version = 2
	rec.NeedsSync = false
	if err := s.Put(rec); err != nil {
		t.Fatalf("Second Put() failed: %v", err)
	}

	got, err := s.Get(models.CollectionLessonPlans, "lesson-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Payload["title"] != "B" {
		t.Errorf("Expected title B, got %v", got.Payload["title"])
	}
	if got.Version != 2 {
		t.Errorf("Expected version 2, got %d", got.Version)
	}
	if got.NeedsSync {
		t.Error("Expected needs_sync cleared")
	}
}

// TestPut_invalid verifies validation of required fields.
func TestPut_invalid(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(&models.Record{Collection: models.CollectionResources})
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID_INPUT, got %v", err)
	}
}

// TestGet_notFound verifies the not-found error code.
func TestGet_notFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(models.CollectionLessonPlans, "missing")
	if !apperrors.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

// TestGet_returnsTombstone verifies deleted records stay readable until
// purged.
func TestGet_returnsTombstone(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord("lesson-1", models.Payload{"title": "A"})
	rec.IsDeleted = true
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := s.Get(models.CollectionLessonPlans, "lesson-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.IsDeleted {
		t.Error("Expected tombstone flag set")
	}
}

// TestGetAll_excludesTombstones verifies listing skips deleted records.
func TestGetAll_excludesTombstones(t *testing.T) {
	s := newTestStore(t)

	live := testRecord("lesson-1", models.Payload{"title": "A"})
	dead := testRecord("lesson-2", models.Payload{"title": "B"})
	dead.IsDeleted = true
	if err := s.Put(live); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Put(dead); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	records, err := s.GetAll(models.CollectionLessonPlans)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].ID != "lesson-1" {
		t.Errorf("Expected lesson-1, got %s", records[0].ID)
	}
}

// TestGetAll_collectionIsolation verifies collections do not bleed into each
// other.
func TestGetAll_collectionIsolation(t *testing.T) {
	s := newTestStore(t)

	lesson := testRecord("shared-id", models.Payload{"title": "A"})
	resource := testRecord("shared-id", models.Payload{"url": "https://example.com"})
	resource.Collection = models.CollectionResources
	if err := s.Put(lesson); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Put(resource); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	lessons, err := s.GetAll(models.CollectionLessonPlans)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(lessons) != 1 || lessons[0].Payload["title"] != "A" {
		t.Errorf("Expected only the lesson record, got %v", lessons)
	}
}

// TestDelete verifies physical removal.
func TestDelete(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(testRecord("lesson-1", models.Payload{"title": "A"})); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if err := s.Delete(models.CollectionLessonPlans, "lesson-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := s.Get(models.CollectionLessonPlans, "lesson-1"); !apperrors.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND after delete, got %v", err)
	}

	if err := s.Delete(models.CollectionLessonPlans, "lesson-1"); !apperrors.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND on repeated delete, got %v", err)
	}
}

// TestListNeedsSync verifies dirty record lookup ordering.
func TestListNeedsSync(t *testing.T) {
	s := newTestStore(t)

	older := testRecord("lesson-1", models.Payload{"title": "A"})
	older.LastModified = 100
	newer := testRecord("lesson-2", models.Payload{"title": "B"})
	newer.LastModified = 200
	clean := testRecord("lesson-3", models.Payload{"title": "C"})
	clean.NeedsSync = false

	for _, rec := range []*models.Record{newer, older, clean} {
		if err := s.Put(rec); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	dirty, err := s.ListNeedsSync()
	if err != nil {
		t.Fatalf("ListNeedsSync() failed: %v", err)
	}
	if len(dirty) != 2 {
		t.Fatalf("Expected 2 dirty records, got %d", len(dirty))
	}
	if dirty[0].ID != "lesson-1" || dirty[1].ID != "lesson-2" {
		t.Errorf("Expected oldest-first order, got %s then %s", dirty[0].ID, dirty[1].ID)
	}
}

// TestListModifiedSince verifies the incremental lookup boundary.
func TestListModifiedSince(t *testing.T) {
	s := newTestStore(t)

	old := testRecord("lesson-1", models.Payload{"title": "A"})
	old.LastModified = 100
	recent := testRecord("lesson-2", models.Payload{"title": "B"})
	recent.LastModified = 200

	if err := s.Put(old); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Put(recent); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	records, err := s.ListModifiedSince(200)
	if err != nil {
		t.Fatalf("ListModifiedSince() failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "lesson-2" {
		t.Errorf("Expected only lesson-2 at the boundary, got %v", records)
	}
}

// TestConflictRoundTrip verifies conflict data persists with the record and
// drives ListConflicted.
func TestConflictRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := testRecord("lesson-1", models.Payload{"title": "local"})
	rec.NeedsSync = false
	rec.Conflict = &models.ConflictRecord{
		ID:                "lesson-1",
		Collection:        models.CollectionLessonPlans,
		LocalPayload:      models.Payload{"title": "local"},
		ServerPayload:     models.Payload{"title": "server"},
		LocalTimestamp:    100,
		ServerTimestamp:   200,
		ServerVersion:     7,
		ConflictingFields: []string{"title"},
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := s.Get(models.CollectionLessonPlans, "lesson-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.InConflict() {
		t.Fatal("Expected stored conflict")
	}
	if got.Conflict.ServerVersion != 7 {
		t.Errorf("Expected server version 7, got %d", got.Conflict.ServerVersion)
	}
	if got.Conflict.ServerPayload["title"] != "server" {
		t.Errorf("Expected server payload to round-trip, got %v", got.Conflict.ServerPayload)
	}

	conflicted, err := s.ListConflicted()
	if err != nil {
		t.Fatalf("ListConflicted() failed: %v", err)
	}
	if len(conflicted) != 1 || conflicted[0].ID != "lesson-1" {
		t.Errorf("Expected lesson-1 in conflicted list, got %v", conflicted)
	}

	// Clearing the conflict removes it from the list
	got.Conflict = nil
	if err := s.Put(got); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	conflicted, err = s.ListConflicted()
	if err != nil {
		t.Fatalf("ListConflicted() failed: %v", err)
	}
	if len(conflicted) != 0 {
		t.Errorf("Expected empty conflicted list, got %d", len(conflicted))
	}
}

// TestLastSyncTime verifies the sync_meta round trip.
func TestLastSyncTime(t *testing.T) {
	s := newTestStore(t)

	if _, ok, err := s.LastSyncTime(); err != nil || ok {
		t.Fatalf("Expected no last sync time initially, got ok=%v err=%v", ok, err)
	}

	want := time.Unix(1700000000, 0)
	if err := s.SetLastSyncTime(want); err != nil {
		t.Fatalf("SetLastSyncTime() failed: %v", err)
	}

	got, ok, err := s.LastSyncTime()
	if err != nil {
		t.Fatalf("LastSyncTime() failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected recorded last sync time")
	}
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
