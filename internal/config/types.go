package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config types
const (
	TypeLocal  = "local"  // The file holds the full configuration
	TypeRemote = "remote" // The file holds connection info, the rest is fetched from the integration
)

// CogniteConfig holds connection info for the control plane.
type CogniteConfig struct {
	Project       string        `yaml:"project" validate:"required_with=IntegrationID"`
	BaseURL       string        `yaml:"base-url" validate:"omitempty,url"`
	IntegrationID string        `yaml:"integration"` // Empty runs without check-ins
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
}

// LoggerConfig configures the process logger.
type LoggerConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// MetricsServerConfig exposes metrics on an HTTP endpoint.
type MetricsServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// PushGatewayConfig pushes metrics to a Prometheus push gateway.
type PushGatewayConfig struct {
	URL      string        `yaml:"url" validate:"required,url"`
	Job      string        `yaml:"job" validate:"required"`
	Username string        `yaml:"username,omitempty"`
	Password string        `yaml:"password,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty" validate:"gte=0"`
}

// MetricsConfig configures metrics export. Both parts are optional.
type MetricsConfig struct {
	Server       *MetricsServerConfig `yaml:"server,omitempty"`
	PushGateways []PushGatewayConfig  `yaml:"push-gateways,omitempty" validate:"dive"`
}

// CheckInConfig configures reporting to the integration.
type CheckInConfig struct {
	Interval  time.Duration `yaml:"interval" validate:"gte=0"`
	SpoolPath string        `yaml:"spool-path,omitempty"` // SQLite file for unsent reports
}

// SchedulerConfig configures the task scheduler and shutdown.
type SchedulerConfig struct {
	ShutdownTimeout       time.Duration `yaml:"shutdown-timeout" validate:"gte=0"`
	ReadinessPollInterval time.Duration `yaml:"readiness-poll-interval" validate:"gte=0"`
}

// Config is the top-level configuration file.
type Config struct {
	Version   int             `yaml:"version" validate:"gte=0"`
	Type      string          `yaml:"type" validate:"oneof=local remote"`
	Cognite   CogniteConfig   `yaml:"cognite"`
	Logger    LoggerConfig    `yaml:"logger"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	CheckIn   CheckInConfig   `yaml:"check-in"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	// CacheDir stores the last remote configuration fetched, used when
	// the control plane is unreachable at startup.
	CacheDir string `yaml:"cache-dir,omitempty"`

	// Extractor holds settings for the extractor implementation, decoded
	// with DecodeExtractor.
	Extractor yaml.Node `yaml:"extractor,omitempty"`
}

// CachedConfig is a remote configuration revision stored on disk.
type CachedConfig struct {
	Revision int    `yaml:"revision"`
	Config   string `yaml:"config"`
}
