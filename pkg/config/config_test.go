package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

adapters:
  http:
    enabled: true
    document_root: "/srv/www"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify defaults were applied
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Adapters.HTTP.Port != 8080 {
		t.Errorf("Expected default HTTP port 8080, got %d", cfg.Adapters.HTTP.Port)
	}
	if cfg.Adapters.HTTP.DocumentRoot != "/srv/www" {
		t.Errorf("Expected document root '/srv/www', got %q", cfg.Adapters.HTTP.DocumentRoot)
	}
	if cfg.Adapters.HTTP.KeepAliveMax != 6 {
		t.Errorf("Expected default keep_alive_max 6, got %d", cfg.Adapters.HTTP.KeepAliveMax)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A path in an empty temp dir keeps the user's ~/.config/dittoweb out of the test
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Credentials.Type != "memory" {
		t.Errorf("Expected default credential store 'memory', got %q", cfg.Credentials.Type)
	}
	if !cfg.Adapters.HTTP.Enabled {
		t.Error("Expected HTTP adapter to be enabled by default")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid.yaml", `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[logging]
level = "WARN"
format = "json"

[credentials]
type = "badger"
pool_size = 4

[credentials.badger]
db_path = "/var/lib/dittoweb"

[adapters.http]
enabled = true
port = 9000
idle_timeout = "10s"
conn_edge_triggered = true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.Credentials.Type != "badger" || cfg.Credentials.PoolSize != 4 {
		t.Errorf("Unexpected credentials config: %+v", cfg.Credentials)
	}
	if cfg.Credentials.Badger["db_path"] != "/var/lib/dittoweb" {
		t.Errorf("Expected badger db_path, got %v", cfg.Credentials.Badger["db_path"])
	}
	if cfg.Adapters.HTTP.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Adapters.HTTP.Port)
	}
	if cfg.Adapters.HTTP.IdleTimeout != 10*time.Second {
		t.Errorf("Expected idle_timeout 10s, got %v", cfg.Adapters.HTTP.IdleTimeout)
	}
	if !cfg.Adapters.HTTP.ConnEdgeTriggered {
		t.Error("Expected conn_edge_triggered to be true")
	}
}

func TestLoad_ValidationError(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
credentials:
  type: "postgres"
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown credential store")
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Server.Metrics.Port)
	}
	if cfg.Credentials.PoolSize != 8 {
		t.Errorf("Expected default pool size 8, got %d", cfg.Credentials.PoolSize)
	}
	if cfg.Adapters.HTTP.Port != 8080 {
		t.Errorf("Expected default HTTP port 8080, got %d", cfg.Adapters.HTTP.Port)
	}
	if cfg.Adapters.HTTP.DocumentRoot != DefaultDocumentRoot {
		t.Errorf("Expected default document root %q, got %q", DefaultDocumentRoot, cfg.Adapters.HTTP.DocumentRoot)
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in an empty config dir")
	}

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if !ConfigExists() {
		t.Error("Expected config to exist after InitConfig")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestGetConfigDir(t *testing.T) {
	dir := GetConfigDir()

	if filepath.Base(dir) != "dittoweb" {
		t.Errorf("Expected directory name 'dittoweb', got %q", filepath.Base(dir))
	}
}

func TestGetConfigDir_XDG(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	if dir := GetConfigDir(); dir != filepath.Join(xdg, "dittoweb") {
		t.Errorf("Expected %q, got %q", filepath.Join(xdg, "dittoweb"), dir)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DITTOWEB_LOGGING_LEVEL", "ERROR")
	t.Setenv("DITTOWEB_ADAPTERS_HTTP_PORT", "5049")
	t.Setenv("DITTOWEB_ADAPTERS_HTTP_WORKERS", "3")

	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

adapters:
  http:
    enabled: true
    port: 8080
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Environment variables override the config file
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Adapters.HTTP.Port != 5049 {
		t.Errorf("Expected port 5049 from env var, got %d", cfg.Adapters.HTTP.Port)
	}
	// and set keys the file does not mention
	if cfg.Adapters.HTTP.Workers != 3 {
		t.Errorf("Expected 3 workers from env var, got %d", cfg.Adapters.HTTP.Workers)
	}
}
