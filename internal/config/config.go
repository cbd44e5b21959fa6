// Package config loads ptytee configuration from YAML with environment
// overrides. A Config is loaded once by each binary and passed explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration of both binaries.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"   json:"logging"`
	Recorder  RecorderConfig  `yaml:"recorder"  json:"recorder"`
	Notify    NotifyConfig    `yaml:"notify"    json:"notify"`
	Loki      LokiConfig      `yaml:"loki"      json:"loki"`
	Gateway   GatewayConfig   `yaml:"gateway"   json:"gateway"`
	Shipper   ShipperConfig   `yaml:"shipper"   json:"shipper"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Cleanup   CleanupConfig   `yaml:"cleanup"   json:"cleanup"`
}

// LoggingConfig controls where and how transcripts are written.
type LoggingConfig struct {
	BaseDir       string `yaml:"base_dir"       json:"base_dir"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
	HashAlgorithm string `yaml:"hash_algorithm" json:"hash_algorithm"` // "sha256" or "blake3"
	Fsync         bool   `yaml:"fsync"          json:"fsync"`
}

// RecorderConfig tunes the PTY recorder.
type RecorderConfig struct {
	// Program is the wrapped executable when ptytee is invoked through a
	// symlink or alias with no program argument.
	Program         string        `yaml:"program"          json:"program"`
	EnvAllowlist    []string      `yaml:"env_allowlist"    json:"env_allowlist"`
	InputChunk      int           `yaml:"input_chunk"      json:"input_chunk"`
	OutputChunk     int           `yaml:"output_chunk"     json:"output_chunk"`
	InterruptWindow time.Duration `yaml:"interrupt_window" json:"interrupt_window"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"   json:"shutdown_grace"`
	AutoShip        bool          `yaml:"auto_ship"        json:"auto_ship"`
	VersionProbe    bool          `yaml:"version_probe"    json:"version_probe"`
}

// NotifyConfig controls session event notification.
type NotifyConfig struct {
	Enabled  bool            `yaml:"enabled"  json:"enabled"`
	NodeID   string          `yaml:"node_id"  json:"node_id"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	Redis    RedisConfig     `yaml:"redis"    json:"redis"`
}

// WebhookConfig defines a webhook destination.
type WebhookConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic" or "slack"
	Events  []string          `yaml:"events"  json:"events"` // empty means all
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// RedisConfig defines a redis pub/sub destination. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"     json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db"       json:"db"`
	Channel  string `yaml:"channel"  json:"channel"`
}

// LokiConfig describes the Loki push endpoint.
type LokiConfig struct {
	URL       string            `yaml:"url"        json:"url"`
	PushPath  string            `yaml:"push_path"  json:"push_path"`
	JobName   string            `yaml:"job_name"   json:"job_name"`
	Timeout   time.Duration     `yaml:"timeout"    json:"timeout"`
	BatchSize int               `yaml:"batch_size" json:"batch_size"`
	Labels    map[string]string `yaml:"labels"     json:"labels"`
}

// PushURL returns the full Loki push URL.
func (l LokiConfig) PushURL() string {
	return l.URL + l.PushPath
}

// GatewayConfig describes the ingest gateway listener.
type GatewayConfig struct {
	Host     string `yaml:"host"     json:"host"`
	Port     int    `yaml:"port"     json:"port"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// ShipperConfig tunes the generic HTTP shipper and the follower.
type ShipperConfig struct {
	Endpoint     string        `yaml:"endpoint"      json:"endpoint"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"    json:"batch_size"`
	IncludeText  bool          `yaml:"include_text"  json:"include_text"`
	Redact       bool          `yaml:"redact"        json:"redact"`
	StateDB      string        `yaml:"state_db"      json:"state_db"`
	Gzip         bool          `yaml:"gzip"          json:"gzip"`
	RateLimit    float64       `yaml:"rate_limit"    json:"rate_limit"` // batches per second, 0 = unlimited
	MaxRetries   int           `yaml:"max_retries"   json:"max_retries"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter    string `yaml:"exporter"     json:"exporter"` // "none", "stdout" or "otlp"
	Endpoint    string `yaml:"endpoint"     json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// CleanupConfig schedules retention cleanup.
type CleanupConfig struct {
	Schedule string `yaml:"schedule" json:"schedule"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	base := filepath.Join(home, ".ptytee", "logs")

	return &Config{
		Logging: LoggingConfig{
			BaseDir:       base,
			RetentionDays: 90,
			HashAlgorithm: "sha256",
		},
		Recorder: RecorderConfig{
			EnvAllowlist:    []string{"SHELL", "TERM", "LANG", "LC_ALL", "PATH", "HOME"},
			InputChunk:      1024,
			OutputChunk:     65536,
			InterruptWindow: 2 * time.Second,
			ShutdownGrace:   3 * time.Second,
			VersionProbe:    true,
		},
		Notify: NotifyConfig{
			Enabled: true,
			NodeID:  "ptytee-" + hostname,
			Redis:   RedisConfig{Channel: "ptytee.sessions"},
		},
		Loki: LokiConfig{
			URL:       "http://localhost:3100",
			PushPath:  "/loki/api/v1/push",
			JobName:   "ptytee-sessions",
			Timeout:   10 * time.Second,
			BatchSize: 100,
			Labels:    map[string]string{"component": "ptytee"},
		},
		Gateway: GatewayConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			Endpoint: "/ingest",
		},
		Shipper: ShipperConfig{
			Endpoint:     "http://localhost:8080/ingest",
			PollInterval: 2 * time.Second,
			BatchSize:    200,
			StateDB:      filepath.Join(home, ".ptytee", "state", "shipper.db"),
			MaxRetries:   3,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "ptytee",
		},
	}
}

// DefaultPath returns the config file path used when none is given:
// $PTYTEE_CONFIG, else $XDG_CONFIG_HOME/ptytee/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("PTYTEE_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ptytee", "config.yaml")
}

// Load reads the configuration at path (DefaultPath when empty), applies
// environment overrides and validates the result. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			// Start with defaults, YAML overwrites only specified fields
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables that are set and non-empty.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("PTYTEE_LOGS_DIR"); v != "" {
		cfg.Logging.BaseDir = v
	}
	if v := getenv("LOKI_URL"); v != "" {
		cfg.Loki.URL = v
	}
	if v := getenv("PTYTEE_NOTIFY"); v != "" {
		cfg.Notify.Enabled = v == "1"
	}
	if v := getenv("PTYTEE_AUTO_SHIP"); v != "" {
		cfg.Recorder.AutoShip = v == "1"
	}
	if v := getenv("PTYTEE_NODE_ID"); v != "" {
		cfg.Notify.NodeID = v
	}
	if v := getenv("PTYTEE_SHIP_ENDPOINT"); v != "" {
		cfg.Shipper.Endpoint = v
	}
	if v := getenv("OTEL_TRACES_EXPORTER"); v != "" {
		cfg.Telemetry.Exporter = v
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Logging.BaseDir == "" {
		return fmt.Errorf("config: logging.base_dir is required")
	}
	switch c.Logging.HashAlgorithm {
	case "", "sha256", "blake3":
	default:
		return fmt.Errorf("config: logging.hash_algorithm %q must be sha256 or blake3", c.Logging.HashAlgorithm)
	}
	if c.Recorder.InputChunk <= 0 || c.Recorder.OutputChunk <= 0 {
		return fmt.Errorf("config: recorder chunk sizes must be positive")
	}
	if c.Recorder.InterruptWindow < 0 || c.Recorder.ShutdownGrace < 0 {
		return fmt.Errorf("config: recorder durations must not be negative")
	}
	if c.Shipper.BatchSize <= 0 || c.Loki.BatchSize <= 0 {
		return fmt.Errorf("config: batch sizes must be positive")
	}
	if c.Shipper.RateLimit < 0 {
		return fmt.Errorf("config: shipper.rate_limit must not be negative")
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("config: telemetry.exporter %q must be none, stdout or otlp", c.Telemetry.Exporter)
	}
	for i, w := range c.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config: notify.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
