package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/marmos91/dittoweb/pkg/adapter/httpd"
	"github.com/spf13/viper"
)

// Config represents the complete DittoWeb configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOWEB_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// The credential store type selects a type-specific section (credentials.memory,
// credentials.badger); only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Credentials selects the user store behind the login and registration forms
	Credentials CredentialsConfig `mapstructure:"credentials"`

	// Adapters contains protocol adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`

	// Async writes log lines from a background goroutine. Lines are dropped
	// when the queue is full.
	Async bool `mapstructure:"async"`

	// QueueSize bounds the asynchronous queue
	QueueSize int `mapstructure:"queue_size" validate:"min=0"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for adapters to stop
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus exporter
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled starts the exporter and records adapter metrics
	Enabled bool `mapstructure:"enabled"`

	// Port is the exporter's TCP port
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// CredentialsConfig specifies the credential store and its connection pool.
type CredentialsConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// PoolSize is the number of store handles shared by the workers
	PoolSize int `mapstructure:"pool_size" validate:"min=0"`

	// AcquireTimeout bounds how long a request waits for a free handle.
	// 0 waits as long as the request is alive.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"min=0"`

	// HashCost is the bcrypt cost for new registrations (0 = bcrypt default)
	HashCost int `mapstructure:"hash_cost" validate:"omitempty,min=4,max=31"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory". Keys: users (map of username to password,
	// hashed at startup)
	Memory map[string]any `mapstructure:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger". Keys: db_path
	Badger map[string]any `mapstructure:"badger"`
}

// AdaptersConfig contains all protocol adapter configurations.
type AdaptersConfig struct {
	// HTTP contains the HTTP server configuration.
	// Uses the httpd.HTTPConfig type directly to avoid duplication.
	HTTP httpd.HTTPConfig `mapstructure:"http"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DITTOWEB_ prefix and underscores
	// Example: DITTOWEB_ADAPTERS_HTTP_PORT=8081
	v.SetEnvPrefix("DITTOWEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittoweb/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindEnvs registers every mapstructure key of t with viper, so environment
// variables override keys that are absent from the config file. Map fields are
// skipped; they have no fixed keys.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		switch {
		case field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)):
			bindEnvs(v, field.Type, key)
		case field.Type.Kind() == reflect.Map:
		default:
			_ = v.BindEnv(key)
		}
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittoweb")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittoweb")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
