package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRequestLimit  = 300
	DefaultRequestWindow = 15 * time.Minute
	DefaultStrictLimit   = 20
	DefaultStrictWindow  = 10 * time.Minute
)

// RateLimitConfig bounds requests per client IP. The strict limit applies on
// top of the general one to collection creation, uploads and credential
// rotation. Counters are shared through Redis when a client is supplied and
// kept in process otherwise.
type RateLimitConfig struct {
	RequestLimit  int
	RequestWindow time.Duration
	StrictLimit   int
	StrictWindow  time.Duration
	// TrustProxy keys clients by X-Forwarded-For/X-Real-IP instead of the
	// socket address.
	TrustProxy   bool
	Redis        redis.UniversalClient
	RedisTimeout time.Duration
	// Disabled turns both limiters off.
	Disabled bool
}

func (cfg RateLimitConfig) withDefaults() RateLimitConfig {
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = DefaultRequestLimit
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = DefaultRequestWindow
	}
	if cfg.StrictLimit <= 0 {
		cfg.StrictLimit = DefaultStrictLimit
	}
	if cfg.StrictWindow <= 0 {
		cfg.StrictWindow = DefaultStrictWindow
	}
	return cfg
}

type rateLimiters struct {
	general func(http.Handler) http.Handler
	strict  func(http.Handler) http.Handler
}

func newRateLimiters(cfg RateLimitConfig, logger *slog.Logger) rateLimiters {
	if cfg.Disabled {
		return rateLimiters{}
	}
	cfg = cfg.withDefaults()
	return rateLimiters{
		general: newLimiter(cfg, "api", cfg.RequestLimit, cfg.RequestWindow, logger),
		strict:  newLimiter(cfg, "strict", cfg.StrictLimit, cfg.StrictWindow, logger),
	}
}

func newLimiter(cfg RateLimitConfig, name string, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	keyFunc := httprate.KeyByIP
	if cfg.TrustProxy {
		keyFunc = httprate.KeyByRealIP
	}
	opts := []httprate.Option{
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if logger != nil {
				logger.Warn("rate limit exceeded", "limiter", name, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
		httprate.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			if logger != nil {
				logger.Error("rate limiter failure", "limiter", name, "error", err)
			}
			writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
		}),
	}
	if cfg.Redis != nil {
		counter := newRedisCounter(cfg.Redis, defaultRateLimitPrefix+":"+name, cfg.RedisTimeout)
		opts = append(opts, httprate.WithLimitCounter(counter))
	}
	return httprate.Limit(limit, window, opts...)
}
