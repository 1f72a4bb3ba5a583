// Package config provides YAML configuration loading and validation for the
// warden process supervisor.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for warden.
type Config struct {
	// Watches is the list of programs warden supervises. At least one is
	// required.
	Watches []Watch `yaml:"watches"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// CollectorAddr is the base URL of an optional remote collector that
	// receives transition reports (e.g. "https://collector.example.com").
	// Empty disables remote reporting.
	CollectorAddr string `yaml:"collector_addr,omitempty"`

	// CollectorToken is the bearer token presented to CollectorAddr.
	CollectorToken string `yaml:"collector_token,omitempty"`
}

// Watch describes one supervised program, matching spec.md §3's Watch data
// model. It is immutable after Load returns.
type Watch struct {
	// Name is a unique identifier for this watch, used to locate its PID
	// file. Required.
	Name string `yaml:"name"`

	// Start is the non-empty ordered argv sequence; element 0 is the
	// executable, resolved via PATH search. Required.
	Start []string `yaml:"start"`

	// UID is the optional user name the child process runs as.
	UID string `yaml:"uid,omitempty"`

	// GID is the optional group name the child process runs as.
	GID string `yaml:"gid,omitempty"`

	// Dir is the optional working directory for the child process. Falls
	// back to "/" at spawn time if it does not exist as a directory.
	Dir string `yaml:"dir,omitempty"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Watches) == 0 {
		errs = append(errs, errors.New("at least one watch is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	seen := make(map[string]bool, len(cfg.Watches))
	for i, w := range cfg.Watches {
		prefix := fmt.Sprintf("watches[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[w.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate watch name %q", prefix, w.Name))
		} else {
			seen[w.Name] = true
		}
		if len(w.Start) == 0 {
			errs = append(errs, fmt.Errorf("%s: start must contain at least one argument", prefix))
		}
	}

	return errors.Join(errs...)
}
