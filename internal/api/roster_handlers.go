package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

type rosterResponse struct {
	StreamerID string `json:"streamerId"`
	UserID     string `json:"userId"`
	Count      int    `json:"count"`
	// Applied is false when the registry has never seen the streamer; the
	// durable store already holds the change and the next session creation
	// snapshots it.
	Applied bool `json:"applied"`
}

func (h *Handler) AddFollower(w http.ResponseWriter, r *http.Request) {
	h.mutateRoster(w, r, h.Registry.AddFollower)
}

func (h *Handler) RemoveFollower(w http.ResponseWriter, r *http.Request) {
	h.mutateRoster(w, r, h.Registry.RemoveFollower)
}

func (h *Handler) AddSubscriber(w http.ResponseWriter, r *http.Request) {
	h.mutateRoster(w, r, h.Registry.AddSubscriber)
}

func (h *Handler) RemoveSubscriber(w http.ResponseWriter, r *http.Request) {
	h.mutateRoster(w, r, h.Registry.RemoveSubscriber)
}

func (h *Handler) mutateRoster(w http.ResponseWriter, r *http.Request, mutate func(string, string) (int, bool)) {
	vars := mux.Vars(r)
	streamerID := vars["id"]
	userID := vars["userID"]
	if streamerID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("streamer and user ids are required"))
		return
	}
	count, applied := mutate(streamerID, userID)
	writeJSON(w, http.StatusOK, rosterResponse{
		StreamerID: streamerID,
		UserID:     userID,
		Count:      count,
		Applied:    applied,
	})
}

// StreamerProfile returns the streamer's roster counts and active session.
func (h *Handler) StreamerProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.Registry.Profile(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("streamer not found"))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
