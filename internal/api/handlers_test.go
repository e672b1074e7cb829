package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"driftcast-live/internal/auth"
	"driftcast-live/internal/ingestauth"
	"driftcast-live/internal/models"
	"driftcast-live/internal/registry"
	"driftcast-live/internal/store"
)

type apiFixture struct {
	handler *Handler
	repo    *store.Memory
	reg     *registry.Registry
	server  *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	repo := store.NewMemory()
	reg := registry.New(registry.Config{Store: repo})
	ingest := ingestauth.NewController(ingestauth.Config{Source: repo})
	tickets := auth.NewTicketManager(0)
	handler := NewHandler(reg, nil, ingest, repo, tickets, nil)
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)
	return &apiFixture{handler: handler, repo: repo, reg: reg, server: server}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dest interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createSessionPayload(sessionID, streamerID string) map[string]interface{} {
	return map[string]interface{}{
		"sessionId":  sessionID,
		"streamerId": streamerID,
		"title":      "Test Stream",
		"isPublic":   true,
	}
}

func TestCreateSessionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.repo.SetRoster("streamer-1", nil, []string{"sub-1", "sub-2"})

	resp := f.do(t, http.MethodPost, "/v1/sessions", createSessionPayload("sess-1", "streamer-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var session models.StreamSession
	decodeBody(t, resp, &session)
	if session.ID != "sess-1" || !session.IsLive || session.SubscriberCount != 2 {
		t.Fatalf("unexpected session %+v", session)
	}

	// Each subscriber gets a durable notification row.
	for _, userID := range []string{"sub-1", "sub-2"} {
		notes := f.repo.Notifications(userID)
		if len(notes) != 1 || notes[0].SessionID != "sess-1" {
			t.Fatalf("subscriber %s should have one notification, got %+v", userID, notes)
		}
	}
}

func TestCreateSessionEndpointRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/sessions", map[string]interface{}{"title": "no ids"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing ids should 400, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/v1/sessions", bytes.NewReader([]byte("{not json")))
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed JSON should 400, got %d", raw.StatusCode)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/sessions", createSessionPayload("sess-1", "streamer-1"))

	resp := f.do(t, http.MethodGet, "/v1/sessions/sess-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session: %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/sessions/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session should 404, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPatch, "/v1/sessions/sess-1", map[string]interface{}{"title": "Renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d", resp.StatusCode)
	}
	var patched models.StreamSession
	decodeBody(t, resp, &patched)
	if patched.Title != "Renamed" {
		t.Fatalf("patch not applied: %+v", patched)
	}

	resp = f.do(t, http.MethodPatch, "/v1/sessions/missing", map[string]interface{}{"title": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("patching unknown session should 404, got %d", resp.StatusCode)
	}

	var list []models.StreamSession
	resp = f.do(t, http.MethodGet, "/v1/sessions", nil)
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Fatalf("expected one live session, got %d", len(list))
	}

	resp = f.do(t, http.MethodDelete, "/v1/sessions/sess-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: %d", resp.StatusCode)
	}
	var ended struct {
		Ended  bool `json:"ended"`
		Purged bool `json:"purged"`
	}
	decodeBody(t, resp, &ended)
	if !ended.Ended || ended.Purged {
		t.Fatalf("plain end should not purge: %+v", ended)
	}

	// Chat and history stay readable until the explicit purge.
	resp = f.do(t, http.MethodGet, "/v1/sessions/sess-1/chat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat after end: %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodDelete, "/v1/sessions/sess-1?purge=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end with purge: %d", resp.StatusCode)
	}
	decodeBody(t, resp, &ended)
	if ended.Ended || !ended.Purged {
		t.Fatalf("second delete should only purge: %+v", ended)
	}

	resp = f.do(t, http.MethodGet, "/v1/sessions/sess-1/chat", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("chat after purge should 404, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodDelete, "/v1/sessions/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ending unknown session should 404, got %d", resp.StatusCode)
	}
}

func TestHistoryAndBanEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/sessions", createSessionPayload("sess-1", "streamer-1"))

	resp := f.do(t, http.MethodGet, "/v1/sessions/sess-1/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d", resp.StatusCode)
	}
	var history models.SessionHistory
	decodeBody(t, resp, &history)
	if len(history.Subscribers) != 1 {
		t.Fatalf("expected the subscriber seed point, got %+v", history)
	}

	if _, err := f.reg.Ban("sess-1", "troll-1", registry.BanOptions{Reason: "spam"}); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	resp = f.do(t, http.MethodGet, "/v1/sessions/sess-1/bans", nil)
	var bans []models.ChatBan
	decodeBody(t, resp, &bans)
	if len(bans) != 1 || bans[0].UserID != "troll-1" {
		t.Fatalf("unexpected bans %+v", bans)
	}

	for _, path := range []string{"/v1/sessions/missing/history", "/v1/sessions/missing/bans"} {
		resp = f.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s should 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestRosterEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/sessions", createSessionPayload("sess-1", "streamer-1"))

	resp := f.do(t, http.MethodPut, "/v1/streamers/streamer-1/followers/fan-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add follower: %d", resp.StatusCode)
	}
	var roster rosterResponse
	decodeBody(t, resp, &roster)
	if !roster.Applied || roster.Count != 1 {
		t.Fatalf("unexpected roster response %+v", roster)
	}

	resp = f.do(t, http.MethodPut, "/v1/streamers/streamer-1/subscribers/fan-1", nil)
	decodeBody(t, resp, &roster)
	if !roster.Applied || roster.Count != 1 {
		t.Fatalf("unexpected subscriber response %+v", roster)
	}

	resp = f.do(t, http.MethodDelete, "/v1/streamers/streamer-1/followers/fan-1", nil)
	decodeBody(t, resp, &roster)
	if !roster.Applied || roster.Count != 0 {
		t.Fatalf("unexpected removal response %+v", roster)
	}

	// Unseen streamers are acknowledged but not applied.
	resp = f.do(t, http.MethodPut, "/v1/streamers/streamer-unknown/followers/fan-1", nil)
	decodeBody(t, resp, &roster)
	if roster.Applied {
		t.Fatalf("unseen streamer should not apply, got %+v", roster)
	}

	resp = f.do(t, http.MethodGet, "/v1/streamers/streamer-1", nil)
	var profile models.StreamerProfile
	decodeBody(t, resp, &profile)
	if profile.SubscriberCount != 1 || profile.FollowerCount != 0 {
		t.Fatalf("unexpected profile %+v", profile)
	}

	resp = f.do(t, http.MethodGet, "/v1/streamers/streamer-unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown streamer should 404, got %d", resp.StatusCode)
	}
}

func TestAuthorizeIngestEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	hash, err := ingestauth.HashStreamKey("good-key")
	if err != nil {
		t.Fatalf("HashStreamKey: %v", err)
	}
	f.repo.SetStreamTokenHash("sess-1", hash)

	resp := f.do(t, http.MethodPost, "/v1/ingest/authorize", map[string]string{
		"sessionId": "sess-1",
		"streamKey": "good-key",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid key should 200, got %d", resp.StatusCode)
	}
	var decision ingestauth.Decision
	decodeBody(t, resp, &decision)
	if !decision.Allowed {
		t.Fatalf("expected allowed, got %+v", decision)
	}

	resp = f.do(t, http.MethodPost, "/v1/ingest/authorize", map[string]string{
		"sessionId": "sess-1",
		"streamKey": "bad-key",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad key should 403, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &decision)
	if decision.Allowed || decision.Reason == "" {
		t.Fatalf("rejection needs a reason, got %+v", decision)
	}
}

func TestIssueTicketEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/tickets", map[string]string{
		"userId":      "user-1",
		"displayName": "Alice",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue ticket: %d", resp.StatusCode)
	}
	var ticket struct {
		Ticket string `json:"ticket"`
	}
	decodeBody(t, resp, &ticket)
	if ticket.Ticket == "" {
		t.Fatal("ticket must not be empty")
	}

	resp = f.do(t, http.MethodPost, "/v1/tickets", map[string]string{"displayName": "NoID"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing user id should 400, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 2; i++ {
		f.do(t, http.MethodPost, "/v1/sessions", createSessionPayload(
			fmt.Sprintf("sess-%d", i), fmt.Sprintf("streamer-%d", i)))
	}

	resp := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	var health struct {
		Status       string `json:"status"`
		LiveSessions int    `json:"liveSessions"`
	}
	decodeBody(t, resp, &health)
	if health.Status != "ok" || health.LiveSessions != 2 {
		t.Fatalf("unexpected health %+v", health)
	}
}
