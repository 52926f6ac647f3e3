package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"BCMSYNC_CONFIG_PATH",
		"BCMSYNC_HOST",
		"BCMSYNC_PORT",
		"BCMSYNC_READ_TIMEOUT",
		"BCMSYNC_WRITE_TIMEOUT",
		"BCMSYNC_SHUTDOWN_TIMEOUT",
		"BCMSYNC_API_KEY",
		"BCMSYNC_STORAGE_BACKEND",
		"BCMSYNC_STORAGE_PATH",
		"BCMSYNC_REDIS_URL",
		"BCMSYNC_QUEUE_KEY",
		"BCMSYNC_MAX_ATTEMPTS",
		"BCMSYNC_SYNC_INTERVAL",
		"BCMSYNC_PROBE_INTERVAL",
		"BCMSYNC_DRAIN_TIMEOUT",
		"BCMSYNC_GRAPH_BASE_URL",
		"BCMSYNC_GRAPH_TOKEN",
		"BCMSYNC_GRAPH_TIMEOUT",
		"BCMSYNC_GRAPH_RATE_LIMIT",
		"BCMSYNC_DEADLETTER_PATH",
		"BCMSYNC_S3_BUCKET",
		"BCMSYNC_S3_ENDPOINT",
		"BCMSYNC_S3_REGION",
		"BCMSYNC_S3_USE_SSL",
		"BCMSYNC_S3_ACCESS_KEY",
		"BCMSYNC_S3_SECRET_KEY",
		"BCMSYNC_LOG_LEVEL",
		"BCMSYNC_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
	t.Cleanup(func() {
		for _, v := range envVars {
			os.Unsetenv(v)
		}
	})
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

// Test: Default values when no config file and no env vars
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Server defaults
	if cfg.Server.Addr() != "127.0.0.1:8787" {
		t.Errorf("Server.Addr() = %q, want 127.0.0.1:8787", cfg.Server.Addr())
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}

	// Storage defaults
	if cfg.Storage.Backend != BackendBolt {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendBolt)
	}
	if cfg.Storage.Path != "data/bcmsync-queue.db" {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}

	// Queue defaults
	if cfg.Queue.Key != "bcm.offline-queue" {
		t.Errorf("Queue.Key = %q, want bcm.offline-queue", cfg.Queue.Key)
	}
	if cfg.Queue.MaxAttempts != 10 {
		t.Errorf("Queue.MaxAttempts = %d, want 10", cfg.Queue.MaxAttempts)
	}

	// Sync defaults
	if dur(cfg.Sync.Interval) != 30*time.Second {
		t.Errorf("Sync.Interval = %v, want 30s", cfg.Sync.Interval)
	}
	if dur(cfg.Sync.ProbeInterval) != 15*time.Second {
		t.Errorf("Sync.ProbeInterval = %v, want 15s", cfg.Sync.ProbeInterval)
	}

	// Data service defaults
	if dur(cfg.DataService.Timeout) != 30*time.Second {
		t.Errorf("DataService.Timeout = %v, want 30s", cfg.DataService.Timeout)
	}
	if cfg.DataService.RateLimit != 4 || cfg.DataService.Burst != 4 {
		t.Errorf("DataService rate = %v/%d, want 4/4", cfg.DataService.RateLimit, cfg.DataService.Burst)
	}

	// Dead letter defaults
	if cfg.DeadLetter.Path != "data/bcmsync.db" {
		t.Errorf("DeadLetter.Path = %q", cfg.DeadLetter.Path)
	}
	if cfg.DeadLetter.Bucket != "" {
		t.Errorf("DeadLetter.Bucket = %q, want empty (S3 disabled)", cfg.DeadLetter.Bucket)
	}

	// Log defaults
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeConfig(t, `
server:
  port: 9999
  read_timeout: 60s
storage:
  backend: sqlite
  path: /yaml/queue.db
queue:
  key: tenant.queue
  max_attempts: 3
sync:
  interval: 1m
dataservice:
  base_url: https://graph.microsoft.com/v1.0/me/drive/items/ITEM/workbook
log:
  level: warn
`)

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if dur(cfg.Server.ReadTimeout) != 60*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 60s", cfg.Server.ReadTimeout)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.Path != "/yaml/queue.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Queue.Key != "tenant.queue" || cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if dur(cfg.Sync.Interval) != time.Minute {
		t.Errorf("Sync.Interval = %v, want 1m", cfg.Sync.Interval)
	}
	if !strings.HasSuffix(cfg.DataService.BaseURL, "/workbook") {
		t.Errorf("DataService.BaseURL = %q", cfg.DataService.BaseURL)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	// Unset values keep defaults
	if dur(cfg.Sync.ProbeInterval) != 15*time.Second {
		t.Errorf("Sync.ProbeInterval = %v, want default 15s", cfg.Sync.ProbeInterval)
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeConfig(t, `
server:
  port: 9000
log:
  level: warn
`)
	os.Setenv("BCMSYNC_CONFIG_PATH", configPath)
	os.Setenv("BCMSYNC_PORT", "8888")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want 8888 (env override)", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q (from YAML)", cfg.Log.Level, "warn")
	}
}

func TestLoad_AllEnvVarMappings(t *testing.T) {
	clearEnv(t)

	env := map[string]string{
		"BCMSYNC_HOST":             "0.0.0.0",
		"BCMSYNC_PORT":             "9100",
		"BCMSYNC_SHUTDOWN_TIMEOUT": "3s",
		"BCMSYNC_API_KEY":          "local-key",
		"BCMSYNC_STORAGE_BACKEND":  "redis",
		"BCMSYNC_REDIS_URL":        "redis://localhost:6379/2",
		"BCMSYNC_QUEUE_KEY":        "other.queue",
		"BCMSYNC_MAX_ATTEMPTS":     "0",
		"BCMSYNC_SYNC_INTERVAL":    "5s",
		"BCMSYNC_PROBE_INTERVAL":   "2s",
		"BCMSYNC_DRAIN_TIMEOUT":    "10s",
		"BCMSYNC_GRAPH_BASE_URL":   "http://localhost:9090/workbook",
		"BCMSYNC_GRAPH_TOKEN":      "graph-token",
		"BCMSYNC_GRAPH_TIMEOUT":    "7s",
		"BCMSYNC_GRAPH_RATE_LIMIT": "0.5",
		"BCMSYNC_DEADLETTER_PATH":  "/tmp/dl.db",
		"BCMSYNC_S3_BUCKET":        "dl-bucket",
		"BCMSYNC_S3_ENDPOINT":      "localhost:9000",
		"BCMSYNC_S3_REGION":        "eu-west-1",
		"BCMSYNC_S3_USE_SSL":       "false",
		"BCMSYNC_S3_ACCESS_KEY":    "ak",
		"BCMSYNC_S3_SECRET_KEY":    "sk",
		"BCMSYNC_LOG_LEVEL":        "debug",
		"BCMSYNC_LOG_FORMAT":       "text",
	}
	for k, v := range env {
		os.Setenv(k, v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Server.Host", cfg.Server.Host, "0.0.0.0"},
		{"Server.Port", cfg.Server.Port, 9100},
		{"Server.ShutdownTimeout", dur(cfg.Server.ShutdownTimeout), 3 * time.Second},
		{"Auth.APIKey", cfg.Auth.APIKey, "local-key"},
		{"Storage.Backend", cfg.Storage.Backend, BackendRedis},
		{"Storage.RedisURL", cfg.Storage.RedisURL, "redis://localhost:6379/2"},
		{"Queue.Key", cfg.Queue.Key, "other.queue"},
		{"Queue.MaxAttempts", cfg.Queue.MaxAttempts, 0},
		{"Sync.Interval", dur(cfg.Sync.Interval), 5 * time.Second},
		{"Sync.ProbeInterval", dur(cfg.Sync.ProbeInterval), 2 * time.Second},
		{"Sync.DrainTimeout", dur(cfg.Sync.DrainTimeout), 10 * time.Second},
		{"DataService.BaseURL", cfg.DataService.BaseURL, "http://localhost:9090/workbook"},
		{"DataService.Token", cfg.DataService.Token, "graph-token"},
		{"DataService.Timeout", dur(cfg.DataService.Timeout), 7 * time.Second},
		{"DataService.RateLimit", cfg.DataService.RateLimit, 0.5},
		{"DeadLetter.Path", cfg.DeadLetter.Path, "/tmp/dl.db"},
		{"DeadLetter.Bucket", cfg.DeadLetter.Bucket, "dl-bucket"},
		{"DeadLetter.Endpoint", cfg.DeadLetter.Endpoint, "localhost:9000"},
		{"DeadLetter.Region", cfg.DeadLetter.Region, "eu-west-1"},
		{"DeadLetter.AccessKey", cfg.DeadLetter.AccessKey, "ak"},
		{"DeadLetter.SecretKey", cfg.DeadLetter.SecretKey, "sk"},
		{"Log.Level", cfg.Log.Level, "debug"},
		{"Log.Format", cfg.Log.Format, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.DeadLetter.UseSSL == nil || *cfg.DeadLetter.UseSSL {
		t.Errorf("DeadLetter.UseSSL = %v, want false", cfg.DeadLetter.UseSSL)
	}
}

func TestLoad_EmptyEnvVarDoesNotOverride(t *testing.T) {
	clearEnv(t)
	os.Setenv("BCMSYNC_PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("Server.Port = %d, want 8787", cfg.Server.Port)
	}
}

// Test: Invalid YAML returns error
func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeConfig(t, `
server:
  port: not_a_number
  this is invalid yaml [
`)

	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

func TestLoadFromFile_MissingFileIsError(t *testing.T) {
	clearEnv(t)
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFromFile() expected error for missing file")
	}
}

// Test: Missing config file is NOT an error (uses defaults)
func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("BCMSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "nonexistent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("Server.Port = %d, want default 8787", cfg.Server.Port)
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
sync:
  interval: soon
`)

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error = %v, want invalid duration", err)
	}
}

func TestLoadFromFile_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"port out of range", "server:\n  port: 70000\n", "server.port"},
		{"unknown backend", "storage:\n  backend: floppy\n", "storage.backend"},
		{"redis without url", "storage:\n  backend: redis\n", "redis_url"},
		{"empty path", "storage:\n  path: \"\"\n", "storage.path"},
		{"empty key", "queue:\n  key: \"\"\n", "queue.key"},
		{"negative attempts", "queue:\n  max_attempts: -1\n", "max_attempts"},
		{"zero interval", "sync:\n  interval: 0s\n", "sync.interval"},
		{"zero probe", "sync:\n  probe_interval: 0s\n", "probe_interval"},
		{"bad base url", "dataservice:\n  base_url: ftp://example.com\n", "base_url"},
		{"negative rate", "dataservice:\n  rate_limit: -1\n", "rate_limit"},
		{"bucket without endpoint", "deadletter:\n  bucket: b\n", "deadletter.endpoint"},
		{"unknown log level", "log:\n  level: loud\n", "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadFromFile(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile_MemoryBackendNeedsNoPath(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFromFile(writeConfig(t, "storage:\n  backend: memory\n  path: \"\"\n"))
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q", cfg.Storage.Backend)
	}
}

// Test: Secrets in YAML are ignored
func TestConfig_SecretsNotInYAML(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
auth:
  api_key: yaml-key
dataservice:
  token: yaml-token
deadletter:
  access_key: yaml-ak
  secret_key: yaml-sk
`)

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Auth.APIKey != "" || cfg.DataService.Token != "" ||
		cfg.DeadLetter.AccessKey != "" || cfg.DeadLetter.SecretKey != "" {
		t.Errorf("secrets were read from YAML: %+v %+v %+v", cfg.Auth, cfg.DataService, cfg.DeadLetter)
	}

	// And: marshalling never writes them back out
	cfg.Auth.APIKey = "secret"
	cfg.DataService.Token = "secret"
	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	if strings.Contains(string(out), "secret") {
		t.Errorf("marshalled config contains secrets:\n%s", out)
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(90 * time.Second)})
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	if strings.TrimSpace(string(out)) != "d: 1m30s" {
		t.Errorf("marshalled = %q", out)
	}
}
