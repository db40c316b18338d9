// Package config resolves process settings for the opticast binaries.
// Values come from defaults, then OPTICAST_* environment variables (with an
// optional .env file), then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageDriverJSON     = "json"
	StorageDriverPostgres = "postgres"
)

// Config stores every setting shared by cmd/server, cmd/worker and the
// tools. Each binary validates the subset it needs.
type Config struct {
	Addr            string
	MetricsAddr     string
	TLSCertFile     string
	TLSKeyFile      string
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string

	StorageDriver          string
	DataPath               string
	PostgresDSN            string
	PostgresMaxConns       int
	PostgresMinConns       int
	PostgresAcquireTimeout time.Duration
	PostgresAppName        string

	RedisAddr       string
	RedisAddrs      []string
	RedisUsername   string
	RedisPassword   string
	RedisDB         int
	RedisMasterName string
	RedisTimeout    time.Duration

	MediaRoot      string
	UploadDir      string
	MaxUploadBytes int64

	TokenSecret  string
	CookieSecret string
	TokenTTL     time.Duration
	CookieSecure string

	ClassifierURL     string
	ClassifierToken   string
	ClassifierTimeout time.Duration
	ClassifierRetries int
	SampleInterval    time.Duration
	MaxFrames         int
	FlagThreshold     float64
	RejectRatio       float64
	GateWorkers       int
	GateCacheSize     int

	FFmpegBinary        string
	FFprobeBinary       string
	LadderPath          string
	TranscodeWorkers    int
	DeletionWorkers     int
	JobAttempts         int
	JobBackoff          time.Duration
	JobLease            time.Duration
	ReconcileInterval   time.Duration
	ManagementOrigins   []string
	TrustProxy          bool
	RateLimitDisabled   bool
	RequestLimit        int
	RequestWindow       time.Duration
	StrictLimit         int
	StrictWindow        time.Duration
	ProgressInterval    time.Duration
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Addr:              ":8080",
		MetricsAddr:       ":9090",
		ShutdownTimeout:   10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
		StorageDriver:     StorageDriverJSON,
		DataPath:          "data/opticast.json",
		RedisTimeout:      time.Second,
		MediaRoot:         "media",
		UploadDir:         "uploads",
		MaxUploadBytes:    4 << 30,
		TokenTTL:          time.Hour,
		CookieSecure:      "auto",
		ClassifierTimeout: 10 * time.Second,
		ClassifierRetries: 2,
		SampleInterval:    2 * time.Second,
		MaxFrames:         300,
		FlagThreshold:     0.7,
		RejectRatio:       0.3,
		GateWorkers:       4,
		GateCacheSize:     10000,
		FFmpegBinary:      "ffmpeg",
		FFprobeBinary:     "ffprobe",
		TranscodeWorkers:  2,
		DeletionWorkers:   5,
		JobAttempts:       3,
		JobBackoff:        time.Second,
		JobLease:          30 * time.Second,
		ReconcileInterval: 15 * time.Minute,
		RequestLimit:      300,
		RequestWindow:     15 * time.Minute,
		StrictLimit:       20,
		StrictWindow:      10 * time.Minute,
		ProgressInterval:  2 * time.Second,
	}
}

// LoadEnvFiles merges the given dotenv files into the process environment
// without overriding variables that are already set. Missing files are
// skipped.
func LoadEnvFiles(logger *slog.Logger, files ...string) []string {
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if strings.TrimSpace(file) == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			if logger != nil {
				logger.Warn("failed to load env file", "file", file, "error", err)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

// LoadFromEnv applies OPTICAST_* variables on top of Default.
func LoadFromEnv() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	env := envReader{getenv: getenv}

	env.str("OPTICAST_ADDR", &cfg.Addr)
	env.str("OPTICAST_METRICS_ADDR", &cfg.MetricsAddr)
	env.str("OPTICAST_TLS_CERT", &cfg.TLSCertFile)
	env.str("OPTICAST_TLS_KEY", &cfg.TLSKeyFile)
	env.duration("OPTICAST_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	env.str("OPTICAST_LOG_LEVEL", &cfg.LogLevel)
	env.str("OPTICAST_LOG_FORMAT", &cfg.LogFormat)

	env.str("OPTICAST_STORAGE_DRIVER", &cfg.StorageDriver)
	env.str("OPTICAST_DATA", &cfg.DataPath)
	env.str("OPTICAST_POSTGRES_DSN", &cfg.PostgresDSN)
	env.integer("OPTICAST_POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns)
	env.integer("OPTICAST_POSTGRES_MIN_CONNS", &cfg.PostgresMinConns)
	env.duration("OPTICAST_POSTGRES_ACQUIRE_TIMEOUT", &cfg.PostgresAcquireTimeout)
	env.str("OPTICAST_POSTGRES_APP_NAME", &cfg.PostgresAppName)

	env.str("OPTICAST_REDIS_ADDR", &cfg.RedisAddr)
	env.list("OPTICAST_REDIS_ADDRS", &cfg.RedisAddrs)
	env.str("OPTICAST_REDIS_USERNAME", &cfg.RedisUsername)
	env.str("OPTICAST_REDIS_PASSWORD", &cfg.RedisPassword)
	env.integer("OPTICAST_REDIS_DB", &cfg.RedisDB)
	env.str("OPTICAST_REDIS_SENTINEL_MASTER", &cfg.RedisMasterName)
	env.duration("OPTICAST_REDIS_TIMEOUT", &cfg.RedisTimeout)

	env.str("OPTICAST_MEDIA_ROOT", &cfg.MediaRoot)
	env.str("OPTICAST_UPLOAD_DIR", &cfg.UploadDir)
	env.int64("OPTICAST_MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes)

	env.str("OPTICAST_TOKEN_SECRET", &cfg.TokenSecret)
	env.str("OPTICAST_COOKIE_SECRET", &cfg.CookieSecret)
	env.duration("OPTICAST_TOKEN_TTL", &cfg.TokenTTL)
	env.str("OPTICAST_COOKIE_SECURE", &cfg.CookieSecure)

	env.str("OPTICAST_CLASSIFIER_URL", &cfg.ClassifierURL)
	env.str("OPTICAST_CLASSIFIER_TOKEN", &cfg.ClassifierToken)
	env.duration("OPTICAST_CLASSIFIER_TIMEOUT", &cfg.ClassifierTimeout)
	env.integer("OPTICAST_CLASSIFIER_RETRIES", &cfg.ClassifierRetries)
	env.duration("OPTICAST_GATE_SAMPLE_INTERVAL", &cfg.SampleInterval)
	env.integer("OPTICAST_GATE_MAX_FRAMES", &cfg.MaxFrames)
	env.float("OPTICAST_GATE_FLAG_THRESHOLD", &cfg.FlagThreshold)
	env.float("OPTICAST_GATE_REJECT_RATIO", &cfg.RejectRatio)
	env.integer("OPTICAST_GATE_WORKERS", &cfg.GateWorkers)
	env.integer("OPTICAST_GATE_CACHE_SIZE", &cfg.GateCacheSize)

	env.str("OPTICAST_FFMPEG", &cfg.FFmpegBinary)
	env.str("OPTICAST_FFPROBE", &cfg.FFprobeBinary)
	env.str("OPTICAST_LADDER_POLICY", &cfg.LadderPath)
	env.integer("OPTICAST_TRANSCODE_WORKERS", &cfg.TranscodeWorkers)
	env.integer("OPTICAST_DELETION_WORKERS", &cfg.DeletionWorkers)
	env.integer("OPTICAST_JOB_ATTEMPTS", &cfg.JobAttempts)
	env.duration("OPTICAST_JOB_BACKOFF", &cfg.JobBackoff)
	env.duration("OPTICAST_JOB_LEASE", &cfg.JobLease)
	env.duration("OPTICAST_RECONCILE_INTERVAL", &cfg.ReconcileInterval)
	env.duration("OPTICAST_PROGRESS_INTERVAL", &cfg.ProgressInterval)

	env.list("OPTICAST_MANAGEMENT_ORIGINS", &cfg.ManagementOrigins)
	env.boolean("OPTICAST_TRUST_PROXY", &cfg.TrustProxy)
	env.boolean("OPTICAST_RATE_LIMIT_DISABLED", &cfg.RateLimitDisabled)
	env.integer("OPTICAST_RATE_LIMIT_REQUESTS", &cfg.RequestLimit)
	env.duration("OPTICAST_RATE_LIMIT_WINDOW", &cfg.RequestWindow)
	env.integer("OPTICAST_RATE_LIMIT_STRICT_REQUESTS", &cfg.StrictLimit)
	env.duration("OPTICAST_RATE_LIMIT_STRICT_WINDOW", &cfg.StrictWindow)

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RegisterFlags binds command-line flags to cfg. Defaults are the values
// already resolved from the environment, so flags win when both are set.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "worker metrics and health listen address")
	fs.StringVar(&c.TLSCertFile, "tls-cert", c.TLSCertFile, "path to TLS certificate")
	fs.StringVar(&c.TLSKeyFile, "tls-key", c.TLSKeyFile, "path to TLS private key")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (json, text)")
	fs.StringVar(&c.StorageDriver, "storage-driver", c.StorageDriver, "datastore driver (json, postgres)")
	fs.StringVar(&c.DataPath, "data", c.DataPath, "path to JSON datastore")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "Postgres connection string")
	fs.IntVar(&c.PostgresMaxConns, "postgres-max-conns", c.PostgresMaxConns, "maximum Postgres pool connections")
	fs.IntVar(&c.PostgresMinConns, "postgres-min-conns", c.PostgresMinConns, "minimum Postgres pool connections")
	fs.DurationVar(&c.PostgresAcquireTimeout, "postgres-acquire-timeout", c.PostgresAcquireTimeout, "Postgres connection acquire timeout")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for the job queue (empty keeps jobs in memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.StringVar(&c.MediaRoot, "media-root", c.MediaRoot, "directory holding delivered HLS trees")
	fs.StringVar(&c.UploadDir, "upload-dir", c.UploadDir, "directory for uploads awaiting transcode")
	fs.StringVar(&c.ClassifierURL, "classifier-url", c.ClassifierURL, "content classifier endpoint")
	fs.StringVar(&c.LadderPath, "ladder-policy", c.LadderPath, "path to YAML ladder policy")
	fs.IntVar(&c.TranscodeWorkers, "transcode-workers", c.TranscodeWorkers, "concurrent transcode jobs")
	fs.IntVar(&c.DeletionWorkers, "deletion-workers", c.DeletionWorkers, "concurrent deletion jobs")
	fs.DurationVar(&c.ReconcileInterval, "reconcile-interval", c.ReconcileInterval, "delivery path reconcile interval (0 disables)")
}

// RedisEnabled reports whether jobs go through Redis.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != "" || len(c.RedisAddrs) > 0
}

// Validate checks settings every binary relies on.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverJSON:
		if strings.TrimSpace(c.DataPath) == "" {
			return errors.New("json storage requires OPTICAST_DATA")
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return errors.New("postgres storage requires OPTICAST_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if strings.TrimSpace(c.MediaRoot) == "" {
		return errors.New("OPTICAST_MEDIA_ROOT is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("both TLS cert and key must be provided")
	}
	if c.TranscodeWorkers <= 0 || c.DeletionWorkers <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	if c.JobAttempts <= 0 {
		return errors.New("job attempts must be positive")
	}
	if c.ReconcileInterval < 0 {
		return errors.New("reconcile interval cannot be negative")
	}
	return nil
}

// ValidateServer additionally checks what the HTTP process needs.
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if missing := c.missingServerFields(); len(missing) > 0 {
		return fmt.Errorf("missing server configuration: %s", strings.Join(missing, ", "))
	}
	if c.TokenSecret == c.CookieSecret {
		return errors.New("OPTICAST_TOKEN_SECRET and OPTICAST_COOKIE_SECRET must differ")
	}
	switch c.CookieSecure {
	case "auto", "always":
	default:
		return fmt.Errorf("OPTICAST_COOKIE_SECURE must be auto or always, got %q", c.CookieSecure)
	}
	if c.FlagThreshold <= 0 || c.FlagThreshold > 1 {
		return errors.New("flag threshold must be in (0, 1]")
	}
	if c.RejectRatio <= 0 || c.RejectRatio > 1 {
		return errors.New("reject ratio must be in (0, 1]")
	}
	if c.MaxFrames <= 0 {
		return errors.New("max frames must be positive")
	}
	return nil
}

func (c Config) missingServerFields() []string {
	missing := make([]string, 0, 3)
	if strings.TrimSpace(c.TokenSecret) == "" {
		missing = append(missing, "OPTICAST_TOKEN_SECRET")
	}
	if strings.TrimSpace(c.CookieSecret) == "" {
		missing = append(missing, "OPTICAST_COOKIE_SECRET")
	}
	if strings.TrimSpace(c.ClassifierURL) == "" {
		missing = append(missing, "OPTICAST_CLASSIFIER_URL")
	}
	return missing
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(key string) (string, bool) {
	value := strings.TrimSpace(e.getenv(key))
	return value, value != ""
}

func (e *envReader) str(key string, dest *string) {
	if value, ok := e.lookup(key); ok {
		*dest = value
	}
}

func (e *envReader) list(key string, dest *[]string) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dest = out
}

func (e *envReader) integer(key string, dest *int) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dest = parsed
}

func (e *envReader) int64(key string, dest *int64) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dest = parsed
}

func (e *envReader) float(key string, dest *float64) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dest = parsed
}

func (e *envReader) duration(key string, dest *time.Duration) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dest = parsed
}

func (e *envReader) boolean(key string, dest *bool) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dest = parsed
}
