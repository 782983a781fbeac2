package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/planbookhq/backend/internal/db"
	"github.com/planbookhq/backend/internal/models"
	"github.com/planbookhq/backend/internal/network"
	"github.com/planbookhq/backend/internal/remote"
	"github.com/planbookhq/backend/internal/store"
	"github.com/planbookhq/backend/internal/sync"
	"github.com/planbookhq/backend/internal/sync/queue"
)

// scriptedRemote returns a fixed response for every delivery.
type scriptedRemote struct {
	result *remote.Result
}

func (s *scriptedRemote) Apply(ctx context.Context, entry *models.MutationEntry) (*remote.Result, error) {
	if s.result != nil {
		return s.result, nil
	}
	return &remote.Result{Status: remote.StatusAck, Version: entry.BaseVersion + 1, Timestamp: time.Now().Unix()}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *scriptedRemote, *network.ManualMonitor) {
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

	api := &scriptedRemote{}
	monitor := network.NewManualMonitor(true)
	engine := sync.New(database, store.New(database), queue.New(database, nil, nil), api, monitor, nil)

	mux := http.NewServeMux()
	NewRecordsHandler(engine).Register(mux)
	NewSyncHandler(engine, monitor).Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, api, monitor
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// TestRecordsCRUD exercises the record lifecycle over the REST surface.
func TestRecordsCRUD(t *testing.T) {
	server, _, _ := newTestServer(t)

	// Create
	resp, created := doJSON(t, http.MethodPost,
		server.URL+"/api/records/lesson_plans?id=lesson-1",
		models.Payload{"title": "Fractions"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	if created["id"] != "lesson-1" || created["needs_sync"] != true {
		t.Errorf("Unexpected create response: %v", created)
	}

	// Read
	resp, got := doJSON(t, http.MethodGet, server.URL+"/api/records/lesson_plans/lesson-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	payload, _ := got["payload"].(map[string]interface{})
	if payload["title"] != "Fractions" {
		t.Errorf("Unexpected payload: %v", got["payload"])
	}

	// Update
	resp, _ = doJSON(t, http.MethodPut,
		server.URL+"/api/records/lesson_plans/lesson-1",
		models.Payload{"title": "Decimals"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	// List
	resp, list := doJSON(t, http.MethodGet, server.URL+"/api/records/lesson_plans", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	records, _ := list["records"].([]interface{})
	if len(records) != 1 {
		t.Errorf("Expected 1 record, got %d", len(records))
	}

	// Delete
	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/api/records/lesson_plans/lesson-1", nil)
	deleteResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", deleteResp.StatusCode)
	}

	// Gone
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/records/lesson_plans/lesson-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}

// TestSyncStatusAndTrigger verifies the status and trigger endpoints.
func TestSyncStatusAndTrigger(t *testing.T) {
	server, _, _ := newTestServer(t)

	if resp, _ := doJSON(t, http.MethodPost,
		server.URL+"/api/records/lesson_plans?id=lesson-1",
		models.Payload{"title": "A"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("Create failed: %d", resp.StatusCode)
	}

	resp, status := doJSON(t, http.MethodGet, server.URL+"/api/sync/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	queueStats, _ := status["queue"].(map[string]interface{})
	if queueStats["total"] != float64(1) {
		t.Errorf("Expected 1 queued entry, got %v", status["queue"])
	}

	resp, trigger := doJSON(t, http.MethodPost, server.URL+"/api/sync/trigger", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if trigger["triggered"] != true {
		t.Errorf("Expected triggered cycle, got %v", trigger)
	}
	result, _ := trigger["result"].(map[string]interface{})
	if result["applied"] != float64(1) {
		t.Errorf("Expected 1 applied, got %v", trigger["result"])
	}
}

// TestConflictEndpoints verifies listing and resolving conflicts over REST.
func TestConflictEndpoints(t *testing.T) {
	server, api, _ := newTestServer(t)

	api.result = &remote.Result{
		Status:          remote.StatusConflict,
		ServerPayload:   models.Payload{"title": "Server"},
		ServerVersion:   9,
		ServerTimestamp: time.Now().Unix() + 100,
	}

	if resp, _ := doJSON(t, http.MethodPost,
		server.URL+"/api/records/lesson_plans?id=lesson-1",
		models.Payload{"title": "Local"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("Create failed: %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/sync/trigger", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("Trigger failed: %d", resp.StatusCode)
	}

	resp, conflicts := doJSON(t, http.MethodGet, server.URL+"/api/sync/conflicts", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	list, _ := conflicts["conflicts"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("Expected 1 conflict, got %d", len(list))
	}

	// Blocked edit surfaces as 409
	if resp, _ := doJSON(t, http.MethodPut,
		server.URL+"/api/records/lesson_plans/lesson-1",
		models.Payload{"title": "Blocked"}); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for conflicted record, got %d", resp.StatusCode)
	}

	api.result = nil // back to acks
	resp, resolved := doJSON(t, http.MethodPost,
		server.URL+"/api/sync/conflicts/lesson_plans/lesson-1/resolve",
		map[string]interface{}{"strategy": "server"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	payload, _ := resolved["payload"].(map[string]interface{})
	if payload["title"] != "Server" {
		t.Errorf("Expected server payload adopted, got %v", resolved["payload"])
	}
	if resolved["needs_sync"] != false {
		t.Errorf("Expected needs_sync false, got %v", resolved["needs_sync"])
	}
}

// TestNetworkEndpoint verifies manual connectivity reporting.
func TestNetworkEndpoint(t *testing.T) {
	server, _, monitor := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/network",
		map[string]interface{}{"online": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if monitor.Online() {
		t.Error("Expected monitor offline")
	}

	// Offline trigger is skipped, not an error
	resp, trigger := doJSON(t, http.MethodPost, server.URL+"/api/sync/trigger", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if trigger["triggered"] != false {
		t.Errorf("Expected skipped cycle while offline, got %v", trigger)
	}
}
