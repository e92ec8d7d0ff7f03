package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrkvm/sould/pkg/shares"
)

// SharesHandler serves the share index endpoints. rescan triggers an
// asynchronous refill of the local slice; it may be nil when the
// daemon has no local shares.
type SharesHandler struct {
	index  *shares.Index
	rescan func()
}

// NewSharesHandler creates a shares handler.
func NewSharesHandler(index *shares.Index, rescan func()) *SharesHandler {
	return &SharesHandler{index: index, rescan: rescan}
}

// HostSummary is one host's slice in the summary response.
type HostSummary struct {
	Host        string `json:"host"`
	Directories int    `json:"directories"`
	Files       int    `json:"files"`
	Excluded    int    `json:"excluded"`
}

// Summary handles GET /api/v0/shares.
func (h *SharesHandler) Summary(w http.ResponseWriter, r *http.Request) {
	hosts := h.index.Hosts()
	summaries := make([]HostSummary, 0, len(hosts))
	for _, host := range hosts {
		c, err := h.index.CountsForHost(host)
		if err != nil {
			continue
		}
		summaries = append(summaries, HostSummary{
			Host:        host,
			Directories: c.Directories,
			Files:       c.Files,
			Excluded:    c.Excluded,
		})
	}
	WriteJSON(w, http.StatusOK, okResponse(map[string]any{
		"filled": h.index.Filled(),
		"hosts":  summaries,
	}))
}

// Browse handles GET /api/v0/shares/browse: the full directory listing
// across all hosts, local first.
func (h *SharesHandler) Browse(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, okResponse(h.index.Browse()))
}

// BrowseHost handles GET /api/v0/shares/browse/{host}.
func (h *SharesHandler) BrowseHost(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	if _, err := h.index.CountsForHost(host); err != nil {
		writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(h.index.BrowseHost(host)))
}

// Contents handles GET /api/v0/shares/contents?directory=...
func (h *SharesHandler) Contents(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("directory")
	if dir == "" {
		writeError(w, fmt.Errorf("%w: directory parameter required", errBadRequest))
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(h.index.Contents(dir)))
}

// Search handles GET /api/v0/shares/search?query=...
func (h *SharesHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, fmt.Errorf("%w: query parameter required", errBadRequest))
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(h.index.Search(query)))
}

// Rescan handles POST /api/v0/shares/rescan: kicks off an asynchronous
// refill of the local slice.
func (h *SharesHandler) Rescan(w http.ResponseWriter, r *http.Request) {
	if h.rescan == nil {
		writeError(w, fmt.Errorf("%w: no local shares configured", errBadRequest))
		return
	}
	h.rescan()
	WriteJSON(w, http.StatusAccepted, okResponse(map[string]string{"scan": "started"}))
}
