package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// The document root is only checked for being set; CheckDocumentRoot verifies
// it on disk at startup.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	http := cfg.Adapters.HTTP

	if !http.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	// Port 0 is accepted by the adapter for tests, not by configured servers.
	if http.Port < 1024 || http.Port > 65535 {
		return fmt.Errorf("adapters.http.port: %d is outside 1024-65535", http.Port)
	}
	if http.DocumentRoot == "" {
		return fmt.Errorf("adapters.http.document_root: must be set")
	}

	if cfg.Server.Metrics.Enabled {
		port := cfg.Server.Metrics.Port
		if port < 1024 || port > 65535 {
			return fmt.Errorf("server.metrics.port: %d is outside 1024-65535", port)
		}
		if port == http.Port {
			return fmt.Errorf("server.metrics.port: %d is already used by the HTTP adapter", port)
		}
	}

	if cfg.Credentials.Type == "badger" {
		if path, _ := cfg.Credentials.Badger["db_path"].(string); path == "" {
			return fmt.Errorf("credentials.badger.db_path: required when type is badger")
		}
	}

	return nil
}

// CheckDocumentRoot verifies that the HTTP document root exists and is a
// directory.
func CheckDocumentRoot(cfg *Config) error {
	root := cfg.Adapters.HTTP.DocumentRoot

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("document root %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("document root %q is not a directory", root)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Return the first validation error with context
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
