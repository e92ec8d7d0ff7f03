package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrkvm/sould/pkg/transfers"
)

// TransfersHandler serves the transfer endpoints.
type TransfersHandler struct {
	orch *transfers.Orchestrator
}

// NewTransfersHandler creates a transfers handler.
func NewTransfersHandler(orch *transfers.Orchestrator) *TransfersHandler {
	return &TransfersHandler{orch: orch}
}

// direction parses the {direction} route segment.
func direction(r *http.Request) (transfers.Direction, error) {
	switch chi.URLParam(r, "direction") {
	case "downloads":
		return transfers.DirectionDownload, nil
	case "uploads":
		return transfers.DirectionUpload, nil
	default:
		return "", fmt.Errorf("%w: direction must be downloads or uploads", errBadRequest)
	}
}

// List handles GET /api/v0/transfers/{direction}.
func (h *TransfersHandler) List(w http.ResponseWriter, r *http.Request) {
	dir, err := direction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := h.orch.Store().List(dir, false)
	if err != nil {
		writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(list))
}

// ListByUser handles GET /api/v0/transfers/{direction}/{username}.
func (h *TransfersHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	dir, err := direction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := h.orch.Store().ListByUser(dir, chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(list))
}

// Get handles GET /api/v0/transfers/{direction}/{username}/{id}.
func (h *TransfersHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, err := direction(r); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.orch.Store().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(t))
}

// Position handles GET .../{id}/position: the 1-based place of a
// queued upload, or the last place the remote reported for a download.
func (h *TransfersHandler) Position(w http.ResponseWriter, r *http.Request) {
	dir, err := direction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	t, err := h.orch.Store().Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	place := t.PlaceInQueue
	if dir == transfers.DirectionUpload {
		place = h.orch.PlaceInQueue(id)
	}
	WriteJSON(w, http.StatusOK, okResponse(map[string]int{"place_in_queue": place}))
}

// Cancel handles DELETE .../{id}. With ?remove=true the record is
// deleted as well. Cancellation succeeds with 204 even for transfers
// already finished or unknown.
func (h *TransfersHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if _, err := direction(r); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")

	var err error
	if r.URL.Query().Get("remove") == "true" {
		err = h.orch.Remove(id)
	} else {
		err = h.orch.Cancel(id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCompleted handles DELETE /api/v0/transfers/{direction}/all/completed.
func (h *TransfersHandler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	dir, err := direction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.orch.ClearCompleted(dir)
	if err != nil {
		writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(map[string]int64{"removed": n}))
}

// EnqueueRequest is the body of POST /api/v0/transfers/downloads/{username}.
type EnqueueRequest struct {
	Files []transfers.DownloadRequest `json:"files"`
}

// Enqueue handles POST /api/v0/transfers/downloads/{username}: request
// one or more files from a peer. A concurrent enqueue returns 429.
func (h *TransfersHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	dir, err := direction(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if dir != transfers.DirectionDownload {
		writeError(w, fmt.Errorf("%w: only downloads can be requested", errBadRequest))
		return
	}
	username := chi.URLParam(r, "username")

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}
	if len(req.Files) == 0 {
		writeError(w, fmt.Errorf("%w: no files requested", errBadRequest))
		return
	}

	queued, err := h.orch.EnqueueDownloads(r.Context(), username, req.Files)
	if err != nil {
		writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, okResponse(queued))
}
