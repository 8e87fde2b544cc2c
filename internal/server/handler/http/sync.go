package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/atinyakov/GophPass/internal/gitsync"
	"github.com/atinyakov/GophPass/internal/models"
)

// SyncService defines the sync engine operations required by the
// SyncHandler.
type SyncService interface {
	// Trigger requests a cycle without waiting for it.
	Trigger()
	Status() models.SyncState
	// Resolve leaves the conflict state with the given strategy.
	Resolve(ctx context.Context, strategy string) (models.SyncState, error)
}

// SyncHandler handles HTTP requests for store synchronization.
type SyncHandler struct {
	SyncService SyncService
}

// ResolveRequest names the conflict resolution strategy.
type ResolveRequest struct {
	Strategy string `json:"strategy"`
}

// Sync handles POST /api/sync. It returns immediately with the current
// status; the cycle runs in the background.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	h.SyncService.Trigger()
	st := h.SyncService.Status()
	writeJSON(w, http.StatusAccepted, map[string]models.SyncStatus{"status": st.Status})
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.SyncService.Status())
}

// Resolve handles POST /api/sync/resolve. A resolution that is itself
// blocked by conflicting changes answers 409 with the state.
func (h *SyncHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Strategy == "" {
		badRequest(w, "invalid body")
		return
	}
	st, err := h.SyncService.Resolve(r.Context(), req.Strategy)
	if errors.Is(err, gitsync.ErrMergeConflict) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": gitsync.ErrMergeConflict.Error(), "state": st})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
