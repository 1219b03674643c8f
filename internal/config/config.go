// Package config handles YAML configuration loading with environment variable
// expansion, plus loading lexicon documents into the method registry.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level server configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Lexicons   LexiconConfig   `yaml:"lexicons"`
	Limits     LimitsConfig    `yaml:"limits"`
	Auth       AuthConfig      `yaml:"auth"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LexiconConfig points at the method definitions to load on start.
type LexiconConfig struct {
	Dir string `yaml:"dir"` // directory of lexicon JSON documents
}

// LimitsConfig holds body size and rate limit settings.
type LimitsConfig struct {
	BlobLimitBytes int64 `yaml:"blob_limit_bytes"` // 0 = built-in default

	// StoreDSN selects a SQLite file for durable counters. Empty keeps
	// counters in process memory.
	StoreDSN string `yaml:"store_dsn"`
	// EvictInterval is how often expired windows are swept from the store.
	// Zero uses the worker default.
	EvictInterval time.Duration `yaml:"evict_interval"`

	// Global limiters are charged on every XRPC request.
	Global []RateLimitEntry `yaml:"global"`
	// Shared limiters are referenced by name from route declarations.
	Shared []RateLimitEntry `yaml:"shared"`
}

// RateLimitEntry declares one fixed-window limiter.
type RateLimitEntry struct {
	Name       string        `yaml:"name"`
	Window     time.Duration `yaml:"window"`
	Points     int           `yaml:"points"`
	FailClosed bool          `yaml:"fail_closed"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// ServiceDid is this service's DID, checked against the aud claim of
	// inbound service JWTs.
	ServiceDid string `yaml:"service_did"`
	// AdminUser and AdminPassword guard admin procedures via Basic auth.
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Lexicons: LexiconConfig{
			Dir: "lexicons",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
