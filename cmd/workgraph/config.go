package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/workgraph"
	"github.com/deepnoodle-ai/workgraph/retry"
)

const defaultConfigFile = "workgraph.yaml"

// Config is the CLI configuration file.
type Config struct {
	Store          StoreConfig              `yaml:"store"`
	Concurrency    int                      `yaml:"concurrency" validate:"min=0"`
	DefaultTimeout time.Duration            `yaml:"default_timeout" validate:"min=0"`
	Timeouts       map[string]time.Duration `yaml:"timeouts"`
	Retry          *retry.Policy            `yaml:"retry"`
	Checkpoints    CheckpointConfig         `yaml:"checkpoints"`
	Health         HealthConfig             `yaml:"health"`
	MetricsAddr    string                   `yaml:"metrics_addr"`
}

// StoreConfig selects where checkpoints, journals and graphs are kept.
type StoreConfig struct {
	Type string `yaml:"type" validate:"oneof=memory file badger sqlite postgres"`
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn" validate:"required_if=Type postgres"`
}

// CheckpointConfig controls checkpoint frequency and retention.
type CheckpointConfig struct {
	Interval time.Duration `yaml:"interval" validate:"min=0"`
	Keep     int           `yaml:"keep" validate:"min=0"`
	MaxAge   time.Duration `yaml:"max_age" validate:"min=0"`
}

// HealthConfig enables the auto-repair monitor in watch mode.
type HealthConfig struct {
	// File holds a YAML map of component id to health score. It is read
	// again on every poll.
	File             string                `yaml:"file"`
	Interval         time.Duration         `yaml:"interval" validate:"min=0"`
	RepairsPerMinute float64               `yaml:"repairs_per_minute" validate:"min=0"`
	Components       []workgraph.Component `yaml:"components" validate:"dive"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Type: "badger",
			Path: filepath.Join(".workgraph", "db"),
		},
		Checkpoints: CheckpointConfig{Keep: 20},
	}
}

// LoadConfig reads path over the defaults. An empty path loads
// workgraph.yaml from the working directory if it exists.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	switch cfg.Store.Type {
	case "file", "badger", "sqlite":
		if cfg.Store.Path == "" {
			return nil, fmt.Errorf("invalid config: store path is required for %s", cfg.Store.Type)
		}
	}
	return cfg, nil
}
