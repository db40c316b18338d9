package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadDefaultsWhenEnvEmpty(t *testing.T) {
	cfg, err := load(envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.RedisEnabled() {
		t.Fatal("redis should be disabled by default")
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	cfg, err := load(envMap(map[string]string{
		"OPTICAST_ADDR":                 " :9000 ",
		"OPTICAST_STORAGE_DRIVER":       "postgres",
		"OPTICAST_POSTGRES_DSN":         "postgres://localhost/opticast",
		"OPTICAST_REDIS_ADDRS":          "r1:6379, ,r2:6379",
		"OPTICAST_TRANSCODE_WORKERS":    "4",
		"OPTICAST_GATE_REJECT_RATIO":    "0.25",
		"OPTICAST_JOB_LEASE":            "45s",
		"OPTICAST_TRUST_PROXY":          "true",
		"OPTICAST_MAX_UPLOAD_BYTES":     "1048576",
		"OPTICAST_MANAGEMENT_ORIGINS":   "https://admin.example.com",
		"OPTICAST_RECONCILE_INTERVAL":   "0s",
		"OPTICAST_RATE_LIMIT_DISABLED":  "1",
		"OPTICAST_CLASSIFIER_RETRIES":   "0",
		"OPTICAST_GATE_SAMPLE_INTERVAL": "500ms",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("expected trimmed addr, got %q", cfg.Addr)
	}
	if diff := cmp.Diff([]string{"r1:6379", "r2:6379"}, cfg.RedisAddrs); diff != "" {
		t.Fatalf("redis addrs (-want +got):\n%s", diff)
	}
	if !cfg.RedisEnabled() {
		t.Fatal("expected redis enabled")
	}
	if cfg.TranscodeWorkers != 4 || cfg.RejectRatio != 0.25 || cfg.JobLease != 45*time.Second {
		t.Fatalf("unexpected numeric overrides: %+v", cfg)
	}
	if !cfg.TrustProxy || !cfg.RateLimitDisabled {
		t.Fatal("expected boolean overrides")
	}
	if cfg.MaxUploadBytes != 1<<20 || cfg.ReconcileInterval != 0 || cfg.ClassifierRetries != 0 {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.SampleInterval != 500*time.Millisecond {
		t.Fatalf("sample interval = %s", cfg.SampleInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadReportsEveryParseError(t *testing.T) {
	_, err := load(envMap(map[string]string{
		"OPTICAST_TRANSCODE_WORKERS": "two",
		"OPTICAST_JOB_LEASE":         "soon",
	}))
	if err == nil {
		t.Fatal("expected parse errors")
	}
	for _, key := range []string{"parse OPTICAST_TRANSCODE_WORKERS", "parse OPTICAST_JOB_LEASE"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %q in %v", key, err)
		}
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	cfg, err := load(envMap(map[string]string{"OPTICAST_ADDR": ":9000", "OPTICAST_MEDIA_ROOT": "/srv/env"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse([]string{"-addr", ":7000", "-deletion-workers", "9"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("flag should win, got %q", cfg.Addr)
	}
	if cfg.MediaRoot != "/srv/env" {
		t.Fatalf("env value should survive when flag unset, got %q", cfg.MediaRoot)
	}
	if cfg.DeletionWorkers != 9 {
		t.Fatalf("deletion workers = %d", cfg.DeletionWorkers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "unknown driver", mutate: func(c *Config) { c.StorageDriver = "sqlite" }, want: "unsupported storage driver"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.StorageDriver = StorageDriverPostgres }, want: "OPTICAST_POSTGRES_DSN"},
		{name: "half tls", mutate: func(c *Config) { c.TLSCertFile = "cert.pem" }, want: "TLS"},
		{name: "zero workers", mutate: func(c *Config) { c.DeletionWorkers = 0 }, want: "concurrency"},
		{name: "negative reconcile", mutate: func(c *Config) { c.ReconcileInterval = -time.Second }, want: "reconcile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateServerRequiresSecretsAndClassifier(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateServer()
	if err == nil {
		t.Fatal("expected missing fields")
	}
	for _, key := range []string{"OPTICAST_TOKEN_SECRET", "OPTICAST_COOKIE_SECRET", "OPTICAST_CLASSIFIER_URL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %v", key, err)
		}
	}

	cfg.TokenSecret = "same"
	cfg.CookieSecret = "same"
	cfg.ClassifierURL = "http://classifier:8000/classify"
	if err := cfg.ValidateServer(); err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Fatalf("expected distinct secret error, got %v", err)
	}

	cfg.CookieSecret = "other"
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("ValidateServer: %v", err)
	}
	cfg.CookieSecure = "sometimes"
	if err := cfg.ValidateServer(); err == nil {
		t.Fatal("expected cookie mode error")
	}
}

func TestLoadEnvFilesKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("OPTICAST_TEST_FROM_FILE=file\nOPTICAST_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("OPTICAST_TEST_PRESET", "process")
	t.Setenv("OPTICAST_TEST_FROM_FILE", "")
	os.Unsetenv("OPTICAST_TEST_FROM_FILE")

	loaded := LoadEnvFiles(nil, filepath.Join(dir, "missing.env"), path)
	if diff := cmp.Diff([]string{path}, loaded); diff != "" {
		t.Fatalf("loaded files (-want +got):\n%s", diff)
	}
	if got := os.Getenv("OPTICAST_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("OPTICAST_TEST_PRESET"); got != "process" {
		t.Fatalf("process env should win, got %q", got)
	}
}
