// Package api provides the sould HTTP surface: the JWT-authenticated
// management API, unauthenticated health probes, and the relay upload
// endpoints guarded by HMAC credentials.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/pkg/api/auth"
	"github.com/mrkvm/sould/pkg/api/handlers"
	apiMiddleware "github.com/mrkvm/sould/pkg/api/middleware"
	"github.com/mrkvm/sould/pkg/config"
	"github.com/mrkvm/sould/pkg/messages"
	"github.com/mrkvm/sould/pkg/relay"
	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/state"
	"github.com/mrkvm/sould/pkg/transfers"
)

// Deps carries the daemon components the API serves. Relay is nil
// outside controller mode; Rescan is nil without local shares;
// Messages may be nil when chat persistence is disabled.
type Deps struct {
	DB           *gorm.DB
	Index        *shares.Index
	Orchestrator *transfers.Orchestrator
	States       *state.Store
	Options      *config.Store
	Messages     *messages.Store
	Relay        *relay.Controller
	Rescan       func()
}

// NewRouter builds the chi router with the full middleware stack and
// all routes.
//
// Routes:
//   - GET  /health, /health/ready - probes, unauthenticated
//   - POST /api/v0/session - API key to JWT exchange
//   - GET  /api/v0/network/agents/{agent} - relay channel upgrade
//   - POST /api/v0/network/files/{agent}/{id} - relay file response
//   - POST /api/v0/network/shares/{agent}/{id} - relay share upload
//   - /api/v0/transfers/*, /api/v0/shares/*, /api/v0/state,
//     /api/v0/options, /api/v0/conversations/*, /api/v0/rooms/* - JWT
func NewRouter(cfg config.APIConfig, tokens *auth.Service, deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack, order matters.
	// The relay file upload blocks for the lifetime of a transfer, so
	// the request timeout applies per group rather than globally.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Index)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	sessionHandler := handlers.NewSessionHandler(cfg.Key, tokens)
	transfersHandler := handlers.NewTransfersHandler(deps.Orchestrator)
	sharesHandler := handlers.NewSharesHandler(deps.Index, deps.Rescan)
	stateHandler := handlers.NewStateHandler(deps.States, deps.Options)

	r.Route("/api/v0", func(r chi.Router) {
		r.Post("/session", sessionHandler.Create)

		// Relay endpoints authenticate with per-agent secrets and HMAC
		// credentials, not sessions, and run without a request timeout.
		if deps.Relay != nil {
			r.Get("/network/agents/{agent}", deps.Relay.HandleAgentSocket)
			r.Post("/network/files/{agent}/{id}", deps.Relay.HandleFileUpload)
			r.Post("/network/shares/{agent}/{id}", deps.Relay.HandleShareUpload)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(apiMiddleware.JWTAuth(tokens))

			r.Route("/transfers/{direction}", func(r chi.Router) {
				r.Get("/", transfersHandler.List)
				r.Delete("/all/completed", transfersHandler.ClearCompleted)
				r.Get("/{username}", transfersHandler.ListByUser)
				r.Post("/{username}", transfersHandler.Enqueue)
				r.Get("/{username}/{id}", transfersHandler.Get)
				r.Delete("/{username}/{id}", transfersHandler.Cancel)
				r.Get("/{username}/{id}/position", transfersHandler.Position)
			})

			r.Route("/shares", func(r chi.Router) {
				r.Get("/", sharesHandler.Summary)
				r.Get("/browse", sharesHandler.Browse)
				r.Get("/browse/{host}", sharesHandler.BrowseHost)
				r.Get("/contents", sharesHandler.Contents)
				r.Get("/search", sharesHandler.Search)
				r.Post("/rescan", sharesHandler.Rescan)
			})

			r.Get("/state", stateHandler.Get)
			r.Get("/options", stateHandler.Options)

			if deps.Messages != nil {
				messagesHandler := handlers.NewMessagesHandler(deps.Messages)
				r.Route("/conversations", func(r chi.Router) {
					r.Get("/", messagesHandler.Conversations)
					r.Get("/{username}", messagesHandler.History)
					r.Put("/{username}/read", messagesHandler.MarkRead)
				})
				r.Get("/rooms/{room}/messages", messagesHandler.RoomHistory)
			}
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		args := []any{
			logger.KeyRequestID, requestID,
			logger.KeyMethod, r.Method,
			"path", r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeyBytes, ww.BytesWritten(),
			logger.KeyClientIP, r.RemoteAddr,
			logger.KeyDurationMs, float64(time.Since(start).Microseconds()) / 1000,
		}
		// Probes at debug to keep the logs quiet.
		if r.URL.Path == "/health" || r.URL.Path == "/health/ready" {
			logger.Debug("request completed", args...)
		} else {
			logger.Info("request completed", args...)
		}
	})
}
