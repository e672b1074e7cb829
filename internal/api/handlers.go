// Package api exposes the HTTP surface: session lifecycle calls from the
// platform controllers, roster sync, the ingest-authorization callback, and
// the WebSocket upgrade endpoint.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"driftcast-live/internal/auth"
	"driftcast-live/internal/gateway"
	"driftcast-live/internal/ingestauth"
	"driftcast-live/internal/registry"
	"driftcast-live/internal/store"
)

// Handler wires the HTTP surface to the live-state components.
type Handler struct {
	Registry *registry.Registry
	Gateway  *gateway.Gateway
	Ingest   *ingestauth.Controller
	Store    store.Repository
	Tickets  *auth.TicketManager
	Logger   *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(reg *registry.Registry, gw *gateway.Gateway, ingest *ingestauth.Controller, repo store.Repository, tickets *auth.TicketManager, logger *slog.Logger) *Handler {
	if tickets == nil {
		tickets = auth.NewTicketManager(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Registry: reg,
		Gateway:  gw,
		Ingest:   ingest,
		Store:    repo,
		Tickets:  tickets,
		Logger:   logger,
	}
}

// Routes builds the router for the service.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sessions", h.CreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", h.PatchSession).Methods(http.MethodPatch)
	v1.HandleFunc("/sessions/{id}", h.EndSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/history", h.SessionHistory).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/chat", h.ChatHistory).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/bans", h.BannedUsers).Methods(http.MethodGet)

	v1.HandleFunc("/streamers/{id}", h.StreamerProfile).Methods(http.MethodGet)
	v1.HandleFunc("/streamers/{id}/followers/{userID}", h.AddFollower).Methods(http.MethodPut)
	v1.HandleFunc("/streamers/{id}/followers/{userID}", h.RemoveFollower).Methods(http.MethodDelete)
	v1.HandleFunc("/streamers/{id}/subscribers/{userID}", h.AddSubscriber).Methods(http.MethodPut)
	v1.HandleFunc("/streamers/{id}/subscribers/{userID}", h.RemoveSubscriber).Methods(http.MethodDelete)

	v1.HandleFunc("/ingest/authorize", h.AuthorizeIngest).Methods(http.MethodPost)
	v1.HandleFunc("/tickets", h.IssueTicket).Methods(http.MethodPost)

	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
	return r
}

// Health reports process liveness. The registry is in-memory authority, so a
// responding process is a healthy one; the durable store is probed separately
// by its own infrastructure.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"liveSessions": len(h.Registry.LiveSessions()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
