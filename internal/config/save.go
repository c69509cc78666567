package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CacheFileName is the name of the remote config cache inside CacheDir.
const CacheFileName = "remote-config.yaml"

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return writeFile(path, data)
}

// SaveCached stores a remote configuration revision.
func SaveCached(cached *CachedConfig, path string) error {
	data, err := yaml.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshaling cached config: %w", err)
	}
	return writeFile(path, data)
}

// LoadCached reads a remote configuration revision stored by SaveCached.
func LoadCached(path string) (*CachedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cached CachedConfig
	if err := yaml.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cached, nil
}

func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// Configs can hold credentials
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
