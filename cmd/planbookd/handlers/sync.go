package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/planbookhq/backend/internal/models"
	"github.com/planbookhq/backend/internal/network"
	"github.com/planbookhq/backend/internal/sync"
	"github.com/planbookhq/backend/internal/sync/conflict"
)

// SyncHandler exposes sync status, manual triggering, conflict inspection
// and resolution.
type SyncHandler struct {
	engine  *sync.Engine
	monitor *network.ManualMonitor
}

// NewSyncHandler creates a SyncHandler. monitor may be nil when connectivity
// is probe-driven only.
func NewSyncHandler(engine *sync.Engine, monitor *network.ManualMonitor) *SyncHandler {
	return &SyncHandler{engine: engine, monitor: monitor}
}

// Register mounts the sync routes on the mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/status", h.Status)
	mux.HandleFunc("POST /api/sync/trigger", h.Trigger)
	mux.HandleFunc("GET /api/sync/conflicts", h.Conflicts)
	mux.HandleFunc("POST /api/sync/conflicts/{collection}/{id}/resolve", h.Resolve)
	mux.HandleFunc("POST /api/sync/retry-exhausted", h.RetryExhausted)
	mux.HandleFunc("POST /api/network", h.SetNetwork)
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.QueueStats()
	if err != nil {
		writeError(w, err)
		return
	}
	conflicted, err := h.engine.Conflicts()
	if err != nil {
		writeError(w, err)
		return
	}

	status := map[string]interface{}{
		"online":    h.engine.Online(),
		"syncing":   h.engine.Syncing(),
		"queue":     stats,
		"conflicts": len(conflicted),
	}
	if t, ok, err := h.engine.LastSyncTime(); err == nil && ok {
		status["last_sync_time"] = t.UTC().Format(time.RFC3339)
	}
	if res := h.engine.LastResult(); res != nil {
		status["last_result"] = res
	}
	writeJSON(w, http.StatusOK, status)
}

// Trigger handles POST /api/sync/trigger. The cycle runs synchronously; the
// response carries its result, or null when it was skipped.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Sync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"triggered": res != nil,
		"result":    res,
	})
}

// Conflicts handles GET /api/sync/conflicts.
func (h *SyncHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.Conflicts()
	if err != nil {
		writeError(w, err)
		return
	}
	conflicts := make([]*models.ConflictRecord, 0, len(records))
	for _, rec := range records {
		conflicts = append(conflicts, rec.Conflict)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

// Resolve handles POST /api/sync/conflicts/{collection}/{id}/resolve.
func (h *SyncHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Strategy  string         `json:"strategy"`
		Overrides models.Payload `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.engine.ResolveConflict(
		models.Collection(r.PathValue("collection")),
		r.PathValue("id"),
		conflict.Strategy(request.Strategy),
		request.Overrides,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RetryExhausted handles POST /api/sync/retry-exhausted.
func (h *SyncHandler) RetryExhausted(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RetryExhausted()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rearmed": n})
}

// SetNetwork handles POST /api/network. The platform shell reports
// connectivity changes here.
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		http.Error(w, "network state is probe-managed", http.StatusConflict)
		return
	}
	var request struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.monitor.SetOnline(request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": request.Online})
}
