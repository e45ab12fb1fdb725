package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/adapter/httpd"
	"github.com/marmos91/dittoweb/pkg/metrics"
	"github.com/marmos91/dittoweb/pkg/store/credential"
)

const (
	// DefaultDocumentRoot is resolved against the working directory.
	DefaultDocumentRoot = "./resources"

	// DefaultBadgerPath is where the badger credential store keeps its files.
	DefaultBadgerPath = "/tmp/dittoweb-credentials"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Adapter defaults come from the adapter package itself
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyCredentialsDefaults(&cfg.Credentials)
	applyAdaptersDefaults(&cfg.Adapters)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = logger.DefaultQueueSize
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = metrics.DefaultPort
	}
}

// applyCredentialsDefaults sets credential store defaults.
func applyCredentialsDefaults(cfg *CredentialsConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = credential.DefaultPoolSize
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Apply defaults for all store types (for config file generation)
	if _, ok := cfg.Memory["users"]; !ok {
		cfg.Memory["users"] = map[string]any{}
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = DefaultBadgerPath
	}
}

// applyAdaptersDefaults sets adapter defaults.
func applyAdaptersDefaults(cfg *AdaptersConfig) {
	// A config without an http section (Port still 0) gets the HTTP adapter
	// enabled, so a freshly loaded config passes validation. An explicit
	// "enabled: false" together with a port keeps it disabled.
	if !cfg.HTTP.Enabled && cfg.HTTP.Port == 0 {
		cfg.HTTP.Enabled = true
	}

	applyHTTPDefaults(&cfg.HTTP)
}

// applyHTTPDefaults sets the defaults that only make sense for a configured
// server, then the adapter's own.
func applyHTTPDefaults(cfg *httpd.HTTPConfig) {
	if cfg.Port == 0 {
		cfg.Port = httpd.DefaultPort
	}
	if cfg.DocumentRoot == "" {
		cfg.DocumentRoot = DefaultDocumentRoot
	}
	if cfg.MetricsLogInterval == 0 {
		cfg.MetricsLogInterval = httpd.DefaultMetricsLogInterval
	}

	cfg.ApplyDefaults()
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Adapters: AdaptersConfig{
			HTTP: httpd.HTTPConfig{
				Enabled: true,
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
