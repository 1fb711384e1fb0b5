// Package config loads the winterdesk YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/winterhq/winterdesk/pkg/opencode"
)

// Config is the on-disk configuration.
type Config struct {
	// ServerURL is the base URL of the OpenCode server.
	ServerURL string `yaml:"server_url"`
	// Directory scopes all requests to one workspace on the server.
	Directory string `yaml:"directory"`
	// Username and Password enable HTTP basic auth when both are set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// LogLevel is a zerolog level name. Defaults to "info".
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ServerURL: "http://localhost:4096",
		LogLevel:  "info",
	}
}

// Load reads and validates the config file at path. A missing file yields the
// defaults rather than an error, so a bare invocation works against a local
// server.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ServerURL == "" {
		return cfg, fmt.Errorf("server_url must not be empty")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.ServerURL, err = opencode.NormalizeBaseURL(cfg.ServerURL)
	if err != nil {
		return cfg, fmt.Errorf("invalid server_url: %w", err)
	}
	return cfg, nil
}
