// Package config loads ELSPETH's configuration, mirroring the teacher's
// pkg/config three-phase merge: an optional YAML file, then environment
// overrides decoded by envdecode, with godotenv loading a local .env file
// first so development runs don't need exported shell variables.
package config

import (
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig selects and configures the audit store backend.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" env:"ELSPETH_DB_DRIVER,default=sqlite"` // "postgres" or "sqlite"
	DSN          string `yaml:"dsn" env:"ELSPETH_DB_DSN,default=elspeth.db"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"ELSPETH_DB_MAX_OPEN_CONNS,default=8"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"ELSPETH_LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"ELSPETH_LOG_FORMAT,default=text"`
}

// SecurityConfig resolves the process-wide HMAC fingerprint key, either
// from a bare environment variable or (if ELSPETH_KEYVAULT_URL is set)
// through the Key Vault path, which always returns an error (see
// ResolveFingerprintKey).
type SecurityConfig struct {
	FingerprintKey   string `yaml:"fingerprint_key" env:"ELSPETH_FINGERPRINT_KEY"`
	KeyVaultURL      string `yaml:"keyvault_url" env:"ELSPETH_KEYVAULT_URL"`
	KeyVaultSecretID string `yaml:"keyvault_secret_id" env:"ELSPETH_KEYVAULT_SECRET_NAME,default=elspeth-fingerprint-key"`
}

// EngineConfig bounds the orchestrator's resource model (spec section 5).
type EngineConfig struct {
	QueueCeiling   int `yaml:"queue_ceiling" env:"ELSPETH_QUEUE_CEILING,default=10000"`
	PoolSize       int `yaml:"pool_size" env:"ELSPETH_POOL_SIZE,default=1"`
	MaxRetries     int `yaml:"max_retries" env:"ELSPETH_MAX_RETRIES,default=3"`
	CallTimeoutMS  int `yaml:"call_timeout_ms" env:"ELSPETH_CALL_TIMEOUT_MS,default=30000"`
	TotalTimeoutMS int `yaml:"total_timeout_ms" env:"ELSPETH_TOTAL_TIMEOUT_MS,default=120000"`
}

// PayloadStoreConfig configures the content-addressable blob directory.
type PayloadStoreConfig struct {
	Root string `yaml:"root" env:"ELSPETH_PAYLOAD_ROOT,default=payloads"`
}

// TracingConfig controls optional OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ELSPETH_TRACING_ENABLED,default=false"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"ELSPETH_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"ELSPETH_SERVICE_NAME,default=elspeth"`
}

// MetricsConfig controls the optional Prometheus listener that every CLI
// command building the shared app starts when Listen is non-empty.
type MetricsConfig struct {
	Listen string `yaml:"listen" env:"ELSPETH_METRICS_LISTEN"`
}

// Config is the top-level configuration object.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Security     SecurityConfig     `yaml:"security"`
	Engine       EngineConfig       `yaml:"engine"`
	PayloadStore PayloadStoreConfig `yaml:"payload_store"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// New returns a Config populated purely from environment defaults, used by
// callers (mainly tests) that don't need a YAML file.
func New() *Config {
	cfg := &Config{}
	_ = envdecode.Decode(cfg)
	return cfg
}

// Load performs the three-phase merge: .env (if present), YAML file at
// path (if non-empty and present), then environment overrides via
// envdecode, which always win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode environment overrides: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML config file at path into cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
