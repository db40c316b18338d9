package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"opticast/internal/auth"
)

// CORSConfig declares the origins allowed to call the management API across
// domains. Playback and media routes accept any origin at this layer; each
// collection's allow-list is enforced by the playback handler.
type CORSConfig struct {
	ManagementOrigins []string
}

type corsPolicy struct {
	allowed map[string]struct{}
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{allowed: make(map[string]struct{})}
	origins, err := auth.NormalizeOrigins(cfg.ManagementOrigins)
	if err != nil {
		return corsPolicy{}, err
	}
	for _, origin := range origins {
		policy.allowed[origin] = struct{}{}
	}
	return policy, nil
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !policy.allows(origin, r) {
				if logger != nil {
					logger.Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
				}
				writeMiddlewareError(w, http.StatusForbidden, "origin not allowed")
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id, Retry-After")

			if r.Method == http.MethodOptions {
				if r.Header.Get("Access-Control-Request-Method") == "" {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
					w.Header().Set("Access-Control-Allow-Headers", requested)
				} else {
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (p corsPolicy) allows(origin string, r *http.Request) bool {
	normalized, err := auth.NormalizeOrigin(origin)
	if err != nil {
		return false
	}
	if isPlaybackPath(r.URL.Path) {
		return true
	}
	if _, ok := p.allowed[normalized]; ok {
		return true
	}
	return normalized == originForRequest(r)
}

// isPlaybackPath reports routes called by embedded players.
func isPlaybackPath(p string) bool {
	if isMediaPath(p) {
		return true
	}
	if !strings.HasPrefix(p, "/v1/collections/") {
		return false
	}
	return strings.HasSuffix(p, "/playback") ||
		strings.HasSuffix(p, "/playback/refresh") ||
		strings.HasSuffix(p, "/stream")
}

func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}
