package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"driftcast-live/internal/models"
	"driftcast-live/internal/registry"
)

type createSessionRequest struct {
	SessionID    string   `json:"sessionId"`
	StreamerID   string   `json:"streamerId"`
	StreamerName string   `json:"streamerName"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	Tags         []string `json:"tags,omitempty"`
	IsPublic     bool     `json:"isPublic"`
}

// CreateSession registers a session the stream-start controller has already
// committed durably. Subscribers get a durable notification row in addition to
// the live broadcast, so offline users catch up on next load.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.Registry.CreateSession(r.Context(), registry.CreateSessionParams{
		SessionID:    req.SessionID,
		StreamerID:   req.StreamerID,
		StreamerName: req.StreamerName,
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		Tags:         req.Tags,
		IsPublic:     req.IsPublic,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	note := models.StreamNotification{
		Kind:       "streamStarted",
		SessionID:  session.ID,
		StreamerID: session.StreamerID,
		Title:      session.Title,
		CreatedAt:  session.StartedAt,
	}
	for _, userID := range h.Registry.SubscriberIDs(session.StreamerID) {
		if err := h.Store.InsertNotification(r.Context(), userID, note); err != nil {
			h.Logger.Warn("persist stream notification failed", "user", userID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, session)
}

type patchSessionRequest struct {
	Title        *string   `json:"title,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Category     *string   `json:"category,omitempty"`
	Tags         *[]string `json:"tags,omitempty"`
	IsPublic     *bool     `json:"isPublic,omitempty"`
	ThumbnailURL *string   `json:"thumbnailUrl,omitempty"`
}

// PatchSession applies a metadata-only update.
func (h *Handler) PatchSession(w http.ResponseWriter, r *http.Request) {
	var req patchSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, ok := h.Registry.PatchSession(mux.Vars(r)["id"], registry.SessionUpdate{
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		Tags:         req.Tags,
		IsPublic:     req.IsPublic,
		ThumbnailURL: req.ThumbnailURL,
	})
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// EndSession marks the session over. With ?purge=true the retained chat and
// history are dropped as well; otherwise they stay readable until an explicit
// purge.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	session, changed := h.Registry.EndSession(sessionID)
	if !changed && session.ID == "" {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	purged := false
	if r.URL.Query().Get("purge") == "true" {
		purged = h.Registry.Purge(sessionID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": session,
		"ended":   changed,
		"purged":  purged,
	})
}

// GetSession returns the current snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.Registry.GetSession(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ListSessions returns all live sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.LiveSessions())
}

// SessionHistory returns the three bounded counter series.
func (h *Handler) SessionHistory(w http.ResponseWriter, r *http.Request) {
	history, ok := h.Registry.SessionHistory(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// ChatHistory returns the bounded transcript.
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	messages, ok := h.Registry.ChatHistory(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// BannedUsers lists the session's ban records.
func (h *Handler) BannedUsers(w http.ResponseWriter, r *http.Request) {
	bans, ok := h.Registry.BannedUsers(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, bans)
}
