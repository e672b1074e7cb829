package api

import (
	"errors"
	"net/http"

	"driftcast-live/internal/models"
)

type issueTicketRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// IssueTicket mints a single-use WebSocket ticket for an identity the calling
// backend has already authenticated. The endpoint is internal; the listener is
// expected to sit behind the platform's service boundary.
func (h *Handler) IssueTicket(w http.ResponseWriter, r *http.Request) {
	var req issueTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, expiresAt, err := h.Tickets.Issue(models.Identity{ID: req.UserID, DisplayName: req.DisplayName})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ticket":    token,
		"expiresAt": expiresAt,
	})
}

// ServeWS upgrades the connection. A valid ticket binds the socket to its
// identity; no ticket joins the anonymous scope; a bad ticket is rejected
// outright rather than silently downgraded.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	var identity *models.Identity
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		resolved, ok, err := h.Tickets.Redeem(ticket)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("invalid or expired ticket"))
			return
		}
		identity = &resolved
	}
	h.Gateway.HandleConnection(w, r, identity)
}
