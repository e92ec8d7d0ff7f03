package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/pkg/api/auth"
)

// SessionHandler exchanges the local API key for a JWT session token.
type SessionHandler struct {
	apiKey string
	tokens *auth.Service
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(apiKey string, tokens *auth.Service) *SessionHandler {
	return &SessionHandler{apiKey: apiKey, tokens: tokens}
}

type sessionRequest struct {
	Key string `json:"key"`
}

// Create handles POST /api/v0/session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	if h.apiKey == "" ||
		subtle.ConstantTimeCompare([]byte(h.apiKey), []byte(req.Key)) != 1 {
		WriteJSON(w, http.StatusUnauthorized, errorResponse("invalid API key"))
		return
	}

	pair, err := h.tokens.GenerateToken("api")
	if err != nil {
		logger.Error("failed to issue session token", logger.Err(err))
		WriteJSON(w, http.StatusInternalServerError, errorResponse("failed to issue token"))
		return
	}
	WriteJSON(w, http.StatusCreated, okResponse(pair))
}
