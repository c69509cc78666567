package config

import "time"

// DefaultConfig returns the configuration used for keys missing from a file.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Type:    TypeLocal,
		Cognite: CogniteConfig{
			BaseURL: "https://api.cognitedata.com",
			Timeout: 30 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "console",
		},
		CheckIn: CheckInConfig{
			Interval: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			ShutdownTimeout:       30 * time.Second,
			ReadinessPollInterval: time.Second,
		},
	}
}
