package contentgate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClassifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "image/png" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "pixels" {
			t.Errorf("unexpected body %q", body)
		}
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]Prediction{{ClassName: "Porn", Probability: 0.8}})
	}))
	defer srv.Close()

	classifier, err := NewHTTPClassifier(HTTPClassifierConfig{
		Endpoint:   srv.URL,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPClassifier: %v", err)
	}
	predictions, err := classifier.Classify(context.Background(), []byte("pixels"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if len(predictions) != 1 || predictions[0].ClassName != "Porn" {
		t.Fatalf("unexpected predictions %+v", predictions)
	}
}

func TestHTTPClassifierDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer srv.Close()

	classifier, err := NewHTTPClassifier(HTTPClassifierConfig{Endpoint: srv.URL, MaxRetries: 3, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPClassifier: %v", err)
	}
	if _, err := classifier.Classify(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestNewHTTPClassifierRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPClassifier(HTTPClassifierConfig{}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}
