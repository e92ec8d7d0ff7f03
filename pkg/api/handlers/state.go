package handlers

import (
	"net/http"

	"github.com/mrkvm/sould/pkg/config"
	"github.com/mrkvm/sould/pkg/state"
)

// StateHandler serves the daemon state and options endpoints.
type StateHandler struct {
	states  *state.Store
	options *config.Store
}

// NewStateHandler creates a state handler.
func NewStateHandler(states *state.Store, options *config.Store) *StateHandler {
	return &StateHandler{states: states, options: options}
}

// Get handles GET /api/v0/state: the current state snapshot.
func (h *StateHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, okResponse(h.states.Get()))
}

// Options handles GET /api/v0/options: the effective configuration as
// a flat key/value map. Secret values are redacted.
func (h *StateHandler) Options(w http.ResponseWriter, r *http.Request) {
	cfg := h.options.Get()
	view := make(map[string]any)
	for _, d := range config.Registry() {
		if d.Secret {
			view[d.Key] = "<redacted>"
			continue
		}
		view[d.Key] = d.Get(cfg)
	}
	WriteJSON(w, http.StatusOK, okResponse(view))
}
