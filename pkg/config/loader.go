package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load nlweb.yaml from configDir
//  2. Expand environment variables in the raw YAML
//  3. Parse YAML into structs
//  4. Merge user config over built-in defaults
//  5. Validate the result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	path := filepath.Join(configDir, "nlweb.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Resolve prompt file paths relative to the config directory.
	for i, f := range cfg.NLWeb.PromptFiles {
		if !filepath.IsAbs(f) {
			cfg.NLWeb.PromptFiles[i] = filepath.Join(configDir, f)
		}
	}

	log.Info("Configuration initialized",
		"llm_providers", len(cfg.LLM.Providers),
		"retrieval_endpoints", len(cfg.Retrieval.Endpoints),
		"sites", len(cfg.NLWeb.Sites))
	return cfg, nil
}

// Parse parses raw YAML content into a validated Config. Environment
// variables are expanded and defaults merged in before validation.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration YAML: %w", err)
	}

	defaults := Defaults()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("failed to merge default configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
