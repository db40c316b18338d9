package server

import (
	"net/http"
	"strings"
)

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultContentTypeOptions    = "nosniff"
	defaultHSTS                  = "max-age=31536000; includeSubDomains"
	// Segments and keys are fetched by players on other origins.
	mediaResourcePolicy = "cross-origin"
	apiResourcePolicy   = "same-origin"
)

// SecurityConfig controls the hardening headers. Zero-valued fields fall back
// to defaults suited to a JSON and media API that is never framed.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	// StrictTransportSecurity is only sent on TLS or forwarded-https requests.
	StrictTransportSecurity string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.StrictTransportSecurity == "" {
		cfg.StrictTransportSecurity = defaultHSTS
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig) func(http.Handler) http.Handler {
	effective := cfg.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			header.Set("X-Frame-Options", effective.FrameOptions)
			header.Set("X-Content-Type-Options", defaultContentTypeOptions)
			header.Set("Referrer-Policy", effective.ReferrerPolicy)
			if isMediaPath(r.URL.Path) {
				header.Set("Cross-Origin-Resource-Policy", mediaResourcePolicy)
			} else {
				header.Set("Cross-Origin-Resource-Policy", apiResourcePolicy)
			}
			if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
				header.Set("Strict-Transport-Security", effective.StrictTransportSecurity)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isMediaPath(p string) bool {
	return strings.HasPrefix(p, "/media/")
}
