package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"opticast/internal/api"
	"opticast/internal/observability/logging"
	"opticast/internal/observability/metrics"
	"opticast/internal/playback"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	// WriteTimeout stays zero by default: uploads are screened before the
	// response is written and large files take minutes.
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	tlsCertFile string
	tlsKeyFile  string
}

func New(apiHandler *api.Handler, playbackHandler *playback.Handler, cfg Config) (*Server, error) {
	if apiHandler == nil {
		return nil, errors.New("server: api handler is required")
	}
	if playbackHandler == nil {
		return nil, errors.New("server: playback handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}
	limiters := newRateLimiters(cfg.RateLimit, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(logger))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(metrics.HTTPMiddleware(recorder))
	r.Use(securityHeadersMiddleware(cfg.Security))
	r.Use(corsMiddleware(policy, logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	r.Get("/healthz", apiHandler.Health)
	r.Handle("/metrics", recorder.Handler())
	r.Group(func(r chi.Router) {
		if limiters.general != nil {
			r.Use(limiters.general)
		}
		apiHandler.Mount(r, limiters.strict)
		playbackHandler.Mount(r)
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		handler:     r,
		logger:      logger,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the assembled middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer returns the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// TLS reports the certificate pair configured for the listener.
func (s *Server) TLS() TLSConfig {
	return TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile}
}
