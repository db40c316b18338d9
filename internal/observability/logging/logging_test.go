package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsCustomWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Writer: &buf})
	logger.Info("custom writer")

	if buf.Len() == 0 {
		t.Fatalf("expected output in custom writer, got none")
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "TEXT"})
	logger.Info("hello", "key", "value")
	if !strings.Contains(buf.String(), "key=value") {
		t.Fatalf("expected text handler output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range testCases {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestWithContextAddsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithJobID(ctx, "job-7")
	ctx = ContextWithAssetID(ctx, "  ")
	WithContext(ctx, base).Info("annotated")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["request_id"] != "req-1" || entry["job_id"] != "job-7" {
		t.Fatalf("expected identifiers in entry, got %v", entry)
	}
	if _, ok := entry["asset_id"]; ok {
		t.Fatalf("expected blank asset id to be skipped, got %v", entry)
	}
}

func TestFromContextPrefersAttachedLogger(t *testing.T) {
	var attached, fallback bytes.Buffer
	ctx := ContextWithLogger(context.Background(), New(Config{Writer: &attached}))

	FromContext(ctx, New(Config{Writer: &fallback})).Info("routed")
	if attached.Len() == 0 || fallback.Len() != 0 {
		t.Fatalf("expected attached logger to be used")
	}
}

func TestRequestLoggerSkipsQuietPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "info"})
	handler := RequestLogger(RequestLoggerConfig{Logger: logger, SkipPaths: []string{"/healthz"}})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
	)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected health probe to stay below info, got %q", buf.String())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/collections", nil))
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["status"] != float64(http.StatusAccepted) || entry["method"] != http.MethodPost {
		t.Fatalf("unexpected request log entry: %v", entry)
	}
}
