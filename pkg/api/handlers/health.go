package handlers

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/mrkvm/sould/pkg/shares"
)

// HealthCheckTimeout bounds the database ping so a wedged disk cannot
// hang health probes.
const HealthCheckTimeout = 5 * time.Second

// HealthHandler serves the liveness and readiness probes. Both are
// unauthenticated.
type HealthHandler struct {
	db        *gorm.DB
	index     *shares.Index
	startTime time.Time
}

// NewHealthHandler creates a health handler. db and index may be nil,
// in which case readiness reports unhealthy.
func NewHealthHandler(db *gorm.DB, index *shares.Index) *HealthHandler {
	return &HealthHandler{db: db, index: index, startTime: time.Now()}
}

func healthyResponse(data any) Response {
	return Response{Status: "healthy", Timestamp: time.Now().UTC(), Data: data}
}

func unhealthyResponse(errMsg string) Response {
	return Response{Status: "unhealthy", Timestamp: time.Now().UTC(), Error: errMsg}
}

// Liveness handles GET /health.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	WriteJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"service":    "sould",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	}))
}

// Readiness handles GET /health/ready: the control database answers
// and the share index is open.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.db == nil || h.index == nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse("not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
	defer cancel()

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse(err.Error()))
		return
	}

	counts := h.index.Counts()
	WriteJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"filled":      h.index.Filled(),
		"directories": counts.Directories,
		"files":       counts.Files,
	}))
}
