package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Resolution order, later wins:
//  1. Built-in defaults
//  2. pulsera.yaml (if present at configPath), env-expanded
//  3. Process environment variables
func Initialize(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		fileCfg, err := loadYAML(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		if fileCfg != nil {
			if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge configuration: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"http_port", cfg.HTTPPort,
		"database", cfg.DatabaseURL != "",
		"agent_enabled", cfg.AgentEnabled(),
		"fusion_enabled", cfg.FusionEnabled())
	return cfg, nil
}

// loadYAML reads and parses a config file. A missing file is not an
// error; the service runs on defaults plus environment.
func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return &cfg, nil
}
