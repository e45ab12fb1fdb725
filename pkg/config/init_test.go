package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// useTempHome points the default config location into a temp dir.
func useTempHome(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	return tmpDir
}

func TestInitConfig_Success(t *testing.T) {
	tmpDir := useTempHome(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	if want := filepath.Join(tmpDir, ".config", "dittoweb", "config.yaml"); configPath != want {
		t.Errorf("Expected config at %s, got %s", want, configPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	expectedSections := []string{
		"# DittoWeb Configuration File",
		"logging:",
		"server:",
		"credentials:",
		"adapters:",
		"http:",
	}

	for _, section := range expectedSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	useTempHome(t)

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
}

func TestInitConfig_ForceOverwrite(t *testing.T) {
	useTempHome(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("# Modified"), 0644); err != nil {
		t.Fatalf("Failed to modify config: %v", err)
	}

	newPath, err := InitConfig(true)
	if err != nil {
		t.Fatalf("Force InitConfig failed: %v", err)
	}
	if newPath != configPath {
		t.Errorf("Expected same path, got different: %s vs %s", configPath, newPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if !strings.Contains(string(content), "# DittoWeb Configuration File") {
		t.Error("Config file was not properly overwritten")
	}
}

func TestInitConfigToPath_CreatesDirectories(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "custom", "nested", "dittoweb.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("Config file was not created at %s: %v", configPath, err)
	}
}

func TestInitConfigToPath_AlreadyExists(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("existing"), 0644); err != nil {
		t.Fatalf("Failed to create existing file: %v", err)
	}

	err := InitConfigToPath(configPath, false)
	if err == nil {
		t.Fatal("Expected error when file already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}

	content, _ := os.ReadFile(configPath)
	if string(content) != "existing" {
		t.Error("Existing file was modified without force")
	}
}

func TestGenerateYAMLWithComments_ValidConfig(t *testing.T) {
	out, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		t.Fatalf("generateYAMLWithComments failed: %v", err)
	}

	if !strings.Contains(out, "# User store behind /login and /register") {
		t.Error("Generated YAML should contain section comments")
	}

	values := []string{
		"level: INFO",
		"port: 8080",
		"document_root: ./resources",
		"idle_timeout: 1m0s",
		"keep_alive_max: 6",
		"type: memory",
		"db_path: " + DefaultBadgerPath,
	}
	for _, v := range values {
		if !strings.Contains(out, v) {
			t.Errorf("Generated YAML missing %q", v)
		}
	}
}

func TestGeneratedConfigIsLoadable(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("Failed to generate config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load generated config: %v", err)
	}

	want := GetDefaultConfig()
	if cfg.Logging.Level != want.Logging.Level {
		t.Errorf("Expected log level %q, got %q", want.Logging.Level, cfg.Logging.Level)
	}
	if cfg.Adapters.HTTP.Port != want.Adapters.HTTP.Port {
		t.Errorf("Expected port %d, got %d", want.Adapters.HTTP.Port, cfg.Adapters.HTTP.Port)
	}
	if cfg.Adapters.HTTP.IdleTimeout != 60*time.Second {
		t.Errorf("Expected idle timeout 60s, got %v", cfg.Adapters.HTTP.IdleTimeout)
	}
	if cfg.Adapters.HTTP.ShutdownTimeout != want.Adapters.HTTP.ShutdownTimeout {
		t.Errorf("Expected shutdown timeout %v, got %v", want.Adapters.HTTP.ShutdownTimeout, cfg.Adapters.HTTP.ShutdownTimeout)
	}
	if cfg.Credentials.Type != "memory" || cfg.Credentials.PoolSize != 8 {
		t.Errorf("Unexpected credentials: %+v", cfg.Credentials)
	}
}
