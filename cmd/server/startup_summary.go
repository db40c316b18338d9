package main

import (
	"net/url"
	"strings"

	"opticast/internal/config"
)

// startupSummary is the single structured line logged before serving. It
// never carries secrets.
type startupSummary struct {
	datastore map[string]any
	queue     map[string]any
	workers   map[string]any
	gate      map[string]any
	rateLimit map[string]any
	playback  map[string]any
}

func newStartupSummary(cfg config.Config, inlineWorkers bool) startupSummary {
	datastore := map[string]any{"driver": cfg.StorageDriver}
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		datastore["dsn"] = redactDSN(cfg.PostgresDSN)
		if cfg.PostgresMaxConns > 0 {
			datastore["max_conns"] = cfg.PostgresMaxConns
		}
	default:
		datastore["path"] = cfg.DataPath
	}

	queue := map[string]any{"driver": "memory"}
	if cfg.RedisEnabled() {
		queue["driver"] = "redis"
		addrs := append([]string(nil), cfg.RedisAddrs...)
		if cfg.RedisAddr != "" {
			addrs = append(addrs, cfg.RedisAddr)
		}
		queue["addrs"] = strings.Join(addrs, ",")
		if cfg.RedisMasterName != "" {
			queue["master_name"] = cfg.RedisMasterName
		}
	}
	queue["attempts"] = cfg.JobAttempts
	queue["lease"] = cfg.JobLease.String()

	workers := map[string]any{"inline": inlineWorkers}
	if inlineWorkers {
		workers["transcode"] = cfg.TranscodeWorkers
		workers["deletion"] = cfg.DeletionWorkers
	}

	gate := map[string]any{
		"classifier":      redactURL(cfg.ClassifierURL),
		"sample_interval": cfg.SampleInterval.String(),
		"max_frames":      cfg.MaxFrames,
		"flag_threshold":  cfg.FlagThreshold,
		"reject_ratio":    cfg.RejectRatio,
		"cache_size":      cfg.GateCacheSize,
	}

	rateLimit := map[string]any{"enabled": !cfg.RateLimitDisabled}
	if !cfg.RateLimitDisabled {
		rateLimit["requests"] = cfg.RequestLimit
		rateLimit["window"] = cfg.RequestWindow.String()
		rateLimit["strict_requests"] = cfg.StrictLimit
		rateLimit["strict_window"] = cfg.StrictWindow.String()
		rateLimit["shared"] = cfg.RedisEnabled()
	}

	playback := map[string]any{
		"media_root":    cfg.MediaRoot,
		"token_ttl":     cfg.TokenTTL.String(),
		"cookie_secure": cfg.CookieSecure,
	}

	return startupSummary{
		datastore: datastore,
		queue:     queue,
		workers:   workers,
		gate:      gate,
		rateLimit: rateLimit,
		playback:  playback,
	}
}

func (s startupSummary) LogArgs() []any {
	return []any{
		"datastore", s.datastore,
		"queue", s.queue,
		"workers", s.workers,
		"content_gate", s.gate,
		"rate_limit", s.rateLimit,
		"playback", s.playback,
	}
}

// redactDSN masks credentials in URL-form DSNs. Keyword/value DSNs are
// hidden entirely since their password field has no fixed position.
func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "[redacted]"
	}
	return parsed.Redacted()
}

func redactURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host + parsed.Path
}
