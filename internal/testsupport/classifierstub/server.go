package classifierstub

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Options describes how the fake classifier should behave.
type Options struct {
	// Scores maps an exact request body to the probability reported for the
	// Porn class. Bodies that are not listed use DefaultScore.
	Scores       map[string]float64
	DefaultScore float64

	// FailFirst causes the first N requests to return HTTP 503.
	FailFirst int

	// Token is the expected bearer token. The check is skipped when empty.
	Token string
}

// Request is a recorded classification call.
type Request struct {
	ContentType string
	Body        string
	Status      int
	Attempt     int
	Timestamp   time.Time
}

// Server wraps an httptest.Server answering classification requests.
type Server struct {
	server *httptest.Server
	opts   Options

	mu       sync.Mutex
	requests []Request
	failed   int
}

// Start spins up a classifier stub using the provided options.
func Start(opts Options) *Server {
	s := &Server{opts: opts}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Server) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// URL returns the classification endpoint.
func (s *Server) URL() string {
	return s.server.URL + "/classify"
}

// Requests returns a copy of the recorded calls in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/classify" {
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)
	rec := Request{ContentType: r.Header.Get("Content-Type"), Body: string(body), Timestamp: time.Now()}

	s.mu.Lock()
	rec.Attempt = len(s.requests) + 1
	status := http.StatusOK
	switch {
	case s.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.Token:
		status = http.StatusUnauthorized
	case s.failed < s.opts.FailFirst:
		s.failed++
		status = http.StatusServiceUnavailable
	}
	rec.Status = status
	s.requests = append(s.requests, rec)
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	score, ok := s.opts.Scores[rec.Body]
	if !ok {
		score = s.opts.DefaultScore
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode([]map[string]any{
		{"className": "Porn", "probability": score},
		{"className": "Neutral", "probability": 1 - score},
	})
}
