// Package handlers implements the sould HTTP API endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/pkg/messages"
	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/transfers"
)

// Response is the standard API response wrapper.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("failed to encode response", logger.Err(err))
	}
}

func okResponse(data any) Response {
	return Response{Status: "ok", Timestamp: time.Now().UTC(), Data: data}
}

func errorResponse(msg string) Response {
	return Response{Status: "error", Timestamp: time.Now().UTC(), Error: msg}
}

// writeError maps a domain error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, transfers.ErrTransferNotFound),
		errors.Is(err, shares.ErrNotShared),
		errors.Is(err, shares.ErrUnknownHost),
		errors.Is(err, messages.ErrConversationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transfers.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, errBadRequest), isRejection(err):
		status = http.StatusBadRequest
	}
	WriteJSON(w, status, errorResponse(err.Error()))
}

// errBadRequest marks client-side input errors.
var errBadRequest = errors.New("bad request")

func isRejection(err error) bool {
	var rej *transfers.RejectionError
	return errors.As(err, &rej)
}
