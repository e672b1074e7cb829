package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"driftcast-live/internal/api"
	"driftcast-live/internal/auth"
	"driftcast-live/internal/ingestauth"
	"driftcast-live/internal/registry"
	"driftcast-live/internal/store"
	"driftcast-live/internal/testsupport/redisstub"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	repo := store.NewMemory()
	reg := registry.New(registry.Config{Store: repo})
	ingest := ingestauth.NewController(ingestauth.Config{Source: repo})
	handler := api.NewHandler(reg, nil, ingest, repo, auth.NewTicketManager(0), nil)

	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("nil handler must be rejected")
	}
}

func TestRequestIDHeaderRoundTrip(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("a request id should be generated when none is supplied")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", "req-supplied")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with request id: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-supplied" {
		t.Fatalf("supplied request id should round-trip, got %q", got)
	}
}

func TestCORSHeadersForAllowedOrigins(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allowed origin should be echoed, got %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin must not be allowed, got %q", got)
	}

	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/v1/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight should 204, got %d", resp.StatusCode)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 1, GlobalBurst: 2}})

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst beyond the global limit should be rejected")
	}
}

func TestIngestAuthRateLimitPerIP(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: RateLimitConfig{
		IngestLimit:  2,
		IngestWindow: time.Minute,
	}})

	body := []byte(`{"sessionId":"sess-1","streamKey":"key"}`)
	var last *http.Response
	for i := 0; i < 3; i++ {
		resp, err := http.Post(ts.URL+"/v1/ingest/authorize", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		resp.Body.Close()
		last = resp
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third authorization attempt should be limited, got %d", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Fatal("limited responses should carry Retry-After")
	}

	// Other routes are unaffected by the ingest window.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should pass, got %d", resp.StatusCode)
	}
}

func TestRedisWindowStoreSharedCounting(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	defer stub.Close()

	storeA := newRedisWindowStore(stub.Addr(), "", time.Second)
	storeB := newRedisWindowStore(stub.Addr(), "", time.Second)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		allowed, _, err := storeA.Allow(ctx, "driftcast:ingestauth:10.0.0.1", 3, time.Minute)
		if err != nil || !allowed {
			t.Fatalf("attempt %d on store A: allowed=%v err=%v", i, allowed, err)
		}
	}
	// Replica B shares the same fixed window.
	allowed, _, err := storeB.Allow(ctx, "driftcast:ingestauth:10.0.0.1", 3, time.Minute)
	if err != nil || !allowed {
		t.Fatalf("third attempt should pass, allowed=%v err=%v", allowed, err)
	}
	allowed, retryAfter, err := storeB.Allow(ctx, "driftcast:ingestauth:10.0.0.1", 3, time.Minute)
	if err != nil {
		t.Fatalf("fourth attempt: %v", err)
	}
	if allowed {
		t.Fatal("fourth attempt should be limited across replicas")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retry-after should fall inside the window, got %v", retryAfter)
	}

	// A different client IP has its own counter.
	allowed, _, err = storeA.Allow(ctx, "driftcast:ingestauth:10.0.0.2", 3, time.Minute)
	if err != nil || !allowed {
		t.Fatalf("fresh key should pass, allowed=%v err=%v", allowed, err)
	}
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4567"
	if got := extractClientIP(req); got != "192.0.2.10" {
		t.Fatalf("remote addr host expected, got %q", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := extractClientIP(req); got != "198.51.100.7" {
		t.Fatalf("X-Real-IP expected, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")
	if got := extractClientIP(req); got != "203.0.113.9" {
		t.Fatalf("first forwarded hop expected, got %q", got)
	}
}

func TestTokenBucketRefills(t *testing.T) {
	bucket := newTokenBucket(100, 1)
	if !bucket.Allow() {
		t.Fatal("first request should pass")
	}
	if bucket.Allow() {
		t.Fatal("burst of one should reject the immediate second request")
	}
	time.Sleep(30 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("bucket should refill at the configured rate")
	}
}
