package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads, templates and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration on top of DefaultConfig. ${NAME}
// references are replaced with environment variables before decoding;
// unset variables become empty strings. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(SubstituteEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SubstituteEnv replaces ${NAME} with the value of the environment variable NAME.
func SubstituteEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Type == TypeRemote && c.Cognite.IntegrationID == "" {
		return fmt.Errorf("invalid config: remote config requires cognite.integration")
	}
	return nil
}

// DecodeExtractor decodes the extractor section into out. A missing
// section leaves out unchanged.
func (c *Config) DecodeExtractor(out any) error {
	if c.Extractor.Kind == 0 {
		return nil
	}
	if err := c.Extractor.Decode(out); err != nil {
		return fmt.Errorf("decoding extractor config: %w", err)
	}
	return nil
}

// MergeRemote applies a configuration fetched from the control plane.
// Connection info from the local file is kept so that the extractor keeps
// talking to the same integration.
func (c *Config) MergeRemote(raw string) (*Config, error) {
	remote, err := Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("remote config: %w", err)
	}
	remote.Type = TypeRemote
	remote.Cognite = c.Cognite
	remote.CacheDir = c.CacheDir
	return remote, nil
}
