package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied to fields the YAML leaves unset.
const (
	DefaultMaxFixIterations = 3
	DefaultErrorRetries     = 1
	DefaultCallTimeout      = "120s"
	DefaultBatchConcurrency = 2
)

// Load reads and parses a pipeline configuration from the given YAML file
// path, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./research.yaml, ~/.research-pipeline/config.yaml.
// If none exists, a default config is returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"research.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".research-pipeline", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills in pipeline-level defaults for unset values.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline

	if p.MaxFixIterations <= 0 {
		p.MaxFixIterations = DefaultMaxFixIterations
	}
	if p.CallTimeout == "" {
		p.CallTimeout = DefaultCallTimeout
	}
	if p.BatchConcurrency <= 0 {
		p.BatchConcurrency = DefaultBatchConcurrency
	}
}
