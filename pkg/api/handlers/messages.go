package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mrkvm/sould/pkg/messages"
)

// MessagesHandler serves conversation and room history endpoints.
type MessagesHandler struct {
	store *messages.Store
}

// NewMessagesHandler creates a messages handler.
func NewMessagesHandler(store *messages.Store) *MessagesHandler {
	return &MessagesHandler{store: store}
}

func historyLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// Conversations handles GET /api/v0/conversations.
func (h *MessagesHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.Conversations()
	if err != nil {
		writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(list))
}

// History handles GET /api/v0/conversations/{username}.
func (h *MessagesHandler) History(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.History(chi.URLParam(r, "username"), historyLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(list))
}

// MarkRead handles PUT /api/v0/conversations/{username}/read.
func (h *MessagesHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.store.MarkRead(chi.URLParam(r, "username")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RoomHistory handles GET /api/v0/rooms/{room}/messages.
func (h *MessagesHandler) RoomHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.RoomHistory(chi.URLParam(r, "room"), historyLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, okResponse(list))
}
