package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends for the queue slot.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       QueueConfig       `yaml:"queue"`
	Sync        SyncConfig        `yaml:"sync"`
	DataService DataServiceConfig `yaml:"dataservice"`
	DeadLetter  DeadLetterConfig  `yaml:"deadletter"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig contains local HTTP API settings.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig contains authentication settings for the local API.
// An empty APIKey disables authentication.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// StorageConfig selects and configures the durable slot backend.
type StorageConfig struct {
	Backend      string   `yaml:"backend"`
	Path         string   `yaml:"path"`
	RedisURL     string   `yaml:"redis_url"`
	RedisPrefix  string   `yaml:"redis_prefix"`
	RedisTimeout Duration `yaml:"redis_timeout"`
}

// QueueConfig contains offline queue settings.
type QueueConfig struct {
	Key         string `yaml:"key"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// SyncConfig contains background sync trigger settings.
type SyncConfig struct {
	Interval      Duration `yaml:"interval"`
	ProbeInterval Duration `yaml:"probe_interval"`
	DrainTimeout  Duration `yaml:"drain_timeout"`
}

// DataServiceConfig contains Microsoft Graph workbook settings.
type DataServiceConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Token     string   `yaml:"-"` // env-only, never in YAML
	Timeout   Duration `yaml:"timeout"`
	RateLimit float64  `yaml:"rate_limit"`
	Burst     int      `yaml:"burst"`
}

// DeadLetterConfig contains dead-letter storage settings. The SQLite
// database at Path is always used; S3 archival is enabled by Bucket.
type DeadLetterConfig struct {
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("BCMSYNC_CONFIG_PATH", "config/bcmsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and the --config flag.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Storage: StorageConfig{
			Backend:      BackendBolt,
			Path:         "data/bcmsync-queue.db",
			RedisPrefix:  "bcmsync",
			RedisTimeout: Duration(5 * time.Second),
		},
		Queue: QueueConfig{
			Key:         "bcm.offline-queue",
			MaxAttempts: 10,
		},
		Sync: SyncConfig{
			Interval:      Duration(30 * time.Second),
			ProbeInterval: Duration(15 * time.Second),
			DrainTimeout:  Duration(2 * time.Minute),
		},
		DataService: DataServiceConfig{
			Timeout:   Duration(30 * time.Second),
			RateLimit: 4,
			Burst:     4,
		},
		DeadLetter: DeadLetterConfig{
			Path:   "data/bcmsync.db",
			Region: "us-east-1",
			Prefix: "dead-letters",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("BCMSYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BCMSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("BCMSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("BCMSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("BCMSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Auth
	if v := os.Getenv("BCMSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Storage
	if v := os.Getenv("BCMSYNC_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("BCMSYNC_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("BCMSYNC_REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}

	// Queue
	if v := os.Getenv("BCMSYNC_QUEUE_KEY"); v != "" {
		cfg.Queue.Key = v
	}
	if v := os.Getenv("BCMSYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxAttempts = n
		}
	}

	// Sync
	envDuration("BCMSYNC_SYNC_INTERVAL", &cfg.Sync.Interval)
	envDuration("BCMSYNC_PROBE_INTERVAL", &cfg.Sync.ProbeInterval)
	envDuration("BCMSYNC_DRAIN_TIMEOUT", &cfg.Sync.DrainTimeout)

	// Data service
	if v := os.Getenv("BCMSYNC_GRAPH_BASE_URL"); v != "" {
		cfg.DataService.BaseURL = v
	}
	if v := os.Getenv("BCMSYNC_GRAPH_TOKEN"); v != "" {
		cfg.DataService.Token = v
	}
	envDuration("BCMSYNC_GRAPH_TIMEOUT", &cfg.DataService.Timeout)
	if v := os.Getenv("BCMSYNC_GRAPH_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DataService.RateLimit = f
		}
	}

	// Dead letters
	if v := os.Getenv("BCMSYNC_DEADLETTER_PATH"); v != "" {
		cfg.DeadLetter.Path = v
	}
	if v := os.Getenv("BCMSYNC_S3_BUCKET"); v != "" {
		cfg.DeadLetter.Bucket = v
	}
	if v := os.Getenv("BCMSYNC_S3_ENDPOINT"); v != "" {
		cfg.DeadLetter.Endpoint = v
	}
	if v := os.Getenv("BCMSYNC_S3_REGION"); v != "" {
		cfg.DeadLetter.Region = v
	}
	if v := os.Getenv("BCMSYNC_S3_USE_SSL"); v != "" {
		b := v == "true" || v == "1"
		cfg.DeadLetter.UseSSL = &b
	}
	if v := os.Getenv("BCMSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.DeadLetter.AccessKey = v
	}
	if v := os.Getenv("BCMSYNC_S3_SECRET_KEY"); v != "" {
		cfg.DeadLetter.SecretKey = v
	}

	// Log
	if v := os.Getenv("BCMSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BCMSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Storage.Backend {
	case BackendBolt, BackendSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required")
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	if c.Queue.Key == "" {
		return errors.New("queue.key is required")
	}
	if c.Queue.MaxAttempts < 0 {
		return errors.New("queue.max_attempts must not be negative")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.ProbeInterval <= 0 {
		return errors.New("sync.probe_interval must be positive")
	}

	if c.DataService.BaseURL != "" {
		u, err := url.Parse(c.DataService.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("dataservice.base_url %q is not an http(s) URL", c.DataService.BaseURL)
		}
	}
	if c.DataService.RateLimit < 0 {
		return errors.New("dataservice.rate_limit must not be negative")
	}

	if c.DeadLetter.Bucket != "" && c.DeadLetter.Endpoint == "" {
		return errors.New("deadletter.endpoint is required when deadletter.bucket is set")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
