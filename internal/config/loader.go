package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment overrides. The backing-store location and the event rate limit
// are collaborator-supplied and may arrive via environment instead of file.
const (
	EnvDatabase        = "AGENTBOX_DATABASE"
	EnvEventsPerSecond = "AGENTBOX_EVENTS_PER_SECOND"
)

type Loader struct {
	configPath string
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Path returns the configuration file path.
func (l *Loader) Path() string { return l.configPath }

// Load reads the YAML configuration file, fills defaults, applies environment
// overrides, and validates the result. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(l.configPath)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment only.
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDatabase); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv(EnvEventsPerSecond); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate > 0 {
			cfg.Realtime.EventsPerSecond = rate
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if cfg.Listen.Socket == "" && cfg.Listen.Port <= 0 {
		return fmt.Errorf("listen.port must be positive when no socket is set")
	}
	if cfg.Realtime.EventsPerSecond <= 0 {
		return fmt.Errorf("realtime.events_per_second must be positive")
	}
	if cfg.Realtime.HeartbeatInterval.Std() <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be positive")
	}
	if cfg.Realtime.StaleThreshold.Std() <= cfg.Realtime.HeartbeatInterval.Std() {
		return fmt.Errorf("realtime.stale_threshold must exceed the heartbeat interval")
	}
	if cfg.Retention.MaxAge.Std() <= 0 {
		return fmt.Errorf("retention.max_age must be positive")
	}
	if cfg.Retention.SweepInterval.Std() <= 0 {
		return fmt.Errorf("retention.sweep_interval must be positive")
	}
	if cfg.Limits.MaxSandboxesPerUser <= 0 {
		return fmt.Errorf("limits.max_sandboxes_per_user must be positive")
	}
	return nil
}
