package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"opticast/internal/bootstrap"
	"opticast/internal/config"
	"opticast/internal/observability/logging"
	"opticast/internal/observability/metrics"
	"opticast/internal/storage"
)

func TestRunRequiresRedis(t *testing.T) {
	t.Setenv("OPTICAST_REDIS_ADDR", "")
	t.Setenv("OPTICAST_REDIS_ADDRS", "")
	err := run(context.Background(), []string{"-media-root", t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "OPTICAST_REDIS_ADDR") {
		t.Fatalf("expected redis requirement, got %v", err)
	}
}

func TestOpsServerHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.RedisAddr = mr.Addr()
	queue, err := bootstrap.OpenQueue(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenQueue: %v", err)
	}
	defer queue.Close()

	srv := newOpsServer(":0", storage.NewMemoryRepository(), queue, metrics.New(), logging.Discard())

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d: %s", rec.Code, rec.Body.String())
	}

	mr.Close()
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded health after redis stops, got %d", rec.Code)
	}
	var body struct {
		Status     string `json:"status"`
		Components []struct {
			Component string `json:"component"`
			Status    string `json:"status"`
		} `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "degraded" || len(body.Components) != 2 || body.Components[1].Status != "degraded" {
		t.Fatalf("unexpected health body %+v", body)
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}
