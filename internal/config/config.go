package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for yaml decoding ("30s", "1h", ...).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the server configuration.
type Config struct {
	Database  string          `yaml:"database"`
	Listen    ListenConfig    `yaml:"listen"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Retention RetentionConfig `yaml:"retention"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// ListenConfig selects the transport the server binds to. When Socket is set
// the server listens on a unix domain socket, otherwise on TCP.
type ListenConfig struct {
	Port   int    `yaml:"port"`
	Socket string `yaml:"socket"`
}

// RealtimeConfig tunes the realtime transport and its health monitoring.
type RealtimeConfig struct {
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	StaleCheckInterval Duration `yaml:"stale_check_interval"`
	StaleThreshold     Duration `yaml:"stale_threshold"`
	EventsPerSecond    float64  `yaml:"events_per_second"`
}

// RetentionConfig bounds the log table's growth.
type RetentionConfig struct {
	MaxAge        Duration `yaml:"max_age"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LimitsConfig mirrors the platform's per-user quotas.
type LimitsConfig struct {
	MaxSandboxesPerUser int `yaml:"max_sandboxes_per_user"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Database: "./agentbox.db",
		Listen:   ListenConfig{Port: 8080},
		Realtime: RealtimeConfig{
			HeartbeatInterval:  Duration(30 * time.Second),
			StaleCheckInterval: Duration(60 * time.Second),
			StaleThreshold:     Duration(120 * time.Second),
			EventsPerSecond:    50,
		},
		Retention: RetentionConfig{
			MaxAge:        Duration(24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
		Limits: LimitsConfig{MaxSandboxesPerUser: 3},
	}
}
