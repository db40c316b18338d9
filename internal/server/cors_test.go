package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddlewareAllowsConfiguredOrigins(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{ManagementOrigins: []string{"https://Dashboard.example.com/"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/collections/c1", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil)(next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to be called")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.example.com" {
		t.Fatalf("unexpected allow origin header: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("unexpected allow credentials header: %q", got)
	}
}

func TestCORSMiddlewareBlocksUnknownOriginOnManagementRoutes(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/collections", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil)(http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCORSMiddlewareAllowsSameOrigin(t *testing.T) {
	policy, _ := newCORSPolicy(CORSConfig{})
	req := httptest.NewRequest(http.MethodGet, "/v1/collections/c1", nil)
	req.Header.Set("Origin", "http://api.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected same-origin request to pass, got %d", rec.Code)
	}
}

func TestCORSMiddlewareOpensPlaybackRoutes(t *testing.T) {
	policy, _ := newCORSPolicy(CORSConfig{})
	paths := []string{
		"/v1/collections/c1/assets/a1/playback",
		"/v1/collections/c1/assets/a1/playback/refresh",
		"/v1/collections/c1/assets/a1/stream",
		"/media/c1/hls/a1/master.m3u8",
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "https://embed.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Authorization")
		rec := httptest.NewRecorder()

		corsMiddleware(policy, nil)(http.NotFoundHandler()).ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s: expected 204 preflight, got %d", path, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://embed.example" {
			t.Fatalf("%s: unexpected allow origin %q", path, got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Authorization" {
			t.Fatalf("%s: unexpected allow headers %q", path, got)
		}
	}
}

func TestNewCORSPolicyRejectsInvalidOrigin(t *testing.T) {
	if _, err := newCORSPolicy(CORSConfig{ManagementOrigins: []string{"dashboard.example.com"}}); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}
