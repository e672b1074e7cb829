package api

import (
	"net/http"
)

type authorizeIngestRequest struct {
	SessionID string `json:"sessionId"`
	StreamKey string `json:"streamKey"`
}

// AuthorizeIngest is the callback media edges invoke before accepting inbound
// video. Rejections are 403 with a reason; an unreachable durable store is a
// 502 so the edge retries rather than treating the key as bad.
func (h *Handler) AuthorizeIngest(w http.ResponseWriter, r *http.Request) {
	var req authorizeIngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := h.Ingest.Authorize(r.Context(), req.SessionID, req.StreamKey)
	if err != nil {
		h.Logger.Error("ingest authorization failed", "session", req.SessionID, "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}
