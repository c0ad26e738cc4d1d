package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// AppConfig carries server tuning knobs. Values come from config.yaml when
// present, with environment variables taking precedence over file values.
type AppConfig struct {
	Server struct {
		Port            string        `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// DefaultAppConfig returns the configuration used when no config.yaml exists.
func DefaultAppConfig() *AppConfig {
	cfg := &AppConfig{}
	cfg.Server.Port = "8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 0 // SSE streams stay open indefinitely
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Log.Level = "info"
	return cfg
}

// LoadAppConfig reads config.yaml (path from CONFIG_FILE_PATH, default
// "config.yaml") over the defaults, then applies env var overrides.
func LoadAppConfig() (*AppConfig, error) {
	cfg := DefaultAppConfig()

	path := os.Getenv("CONFIG_FILE_PATH")
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("loaded config file")
	case os.IsNotExist(err):
		// Defaults plus env are enough
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if pretty := os.Getenv("LOG_PRETTY"); pretty == "true" {
		cfg.Log.Pretty = true
	}

	return cfg, nil
}
