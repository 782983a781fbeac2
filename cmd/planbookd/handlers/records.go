// Package handlers provides the localhost REST API for records and sync
// operations.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/planbookhq/backend/internal/errors"
	"github.com/planbookhq/backend/internal/models"
	"github.com/planbookhq/backend/internal/sync"
)

// RecordsHandler exposes CRUD over the sync engine's mutation surface.
type RecordsHandler struct {
	engine *sync.Engine
}

// NewRecordsHandler creates a RecordsHandler.
func NewRecordsHandler(engine *sync.Engine) *RecordsHandler {
	return &RecordsHandler{engine: engine}
}

// Register mounts the record routes on the mux.
func (h *RecordsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/records/{collection}", h.List)
	mux.HandleFunc("POST /api/records/{collection}", h.Create)
	mux.HandleFunc("GET /api/records/{collection}/{id}", h.Get)
	mux.HandleFunc("PUT /api/records/{collection}/{id}", h.Update)
	mux.HandleFunc("DELETE /api/records/{collection}/{id}", h.Delete)
}

// List handles GET /api/records/{collection}.
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	collection := models.Collection(r.PathValue("collection"))
	records, err := h.engine.List(collection)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// Get handles GET /api/records/{collection}/{id}.
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Get(models.Collection(r.PathValue("collection")), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Create handles POST /api/records/{collection}. The body is the record
// payload; an optional "id" query parameter fixes the record id.
func (h *RecordsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload models.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := h.engine.Create(models.Collection(r.PathValue("collection")), r.URL.Query().Get("id"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Update handles PUT /api/records/{collection}/{id}.
func (h *RecordsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var payload models.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := h.engine.Update(models.Collection(r.PathValue("collection")), r.PathValue("id"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/records/{collection}/{id}.
func (h *RecordsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(models.Collection(r.PathValue("collection")), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrSyncUnresolved:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}
