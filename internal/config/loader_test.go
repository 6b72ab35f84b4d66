package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentbox.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Realtime.HeartbeatInterval.Std() != 30*time.Second {
		t.Fatalf("heartbeat interval = %v, want 30s", cfg.Realtime.HeartbeatInterval.Std())
	}
	if cfg.Realtime.StaleThreshold.Std() != 120*time.Second {
		t.Fatalf("stale threshold = %v, want 120s", cfg.Realtime.StaleThreshold.Std())
	}
	if cfg.Retention.MaxAge.Std() != 24*time.Hour {
		t.Fatalf("max age = %v, want 24h", cfg.Retention.MaxAge.Std())
	}
	if cfg.Limits.MaxSandboxesPerUser != 3 {
		t.Fatalf("max sandboxes = %d, want 3", cfg.Limits.MaxSandboxesPerUser)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
database: /var/lib/agentbox/agentbox.db
listen:
  port: 9090
realtime:
  heartbeat_interval: 10s
  stale_threshold: 45s
  events_per_second: 25
retention:
  max_age: 48h
  sweep_interval: 30m
`)
	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database != "/var/lib/agentbox/agentbox.db" {
		t.Fatalf("database = %q", cfg.Database)
	}
	if cfg.Listen.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Realtime.HeartbeatInterval.Std() != 10*time.Second {
		t.Fatalf("heartbeat interval = %v, want 10s", cfg.Realtime.HeartbeatInterval.Std())
	}
	if cfg.Realtime.EventsPerSecond != 25 {
		t.Fatalf("events per second = %v, want 25", cfg.Realtime.EventsPerSecond)
	}
	if cfg.Retention.MaxAge.Std() != 48*time.Hour {
		t.Fatalf("max age = %v, want 48h", cfg.Retention.MaxAge.Std())
	}
	// Values absent from the file keep their defaults.
	if cfg.Realtime.StaleCheckInterval.Std() != 60*time.Second {
		t.Fatalf("stale check interval = %v, want default 60s", cfg.Realtime.StaleCheckInterval.Std())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabase, "/tmp/override.db")
	t.Setenv(EnvEventsPerSecond, "75")

	path := writeConfig(t, "database: /ignored.db\n")
	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database != "/tmp/override.db" {
		t.Fatalf("database = %q, env override not applied", cfg.Database)
	}
	if cfg.Realtime.EventsPerSecond != 75 {
		t.Fatalf("events per second = %v, env override not applied", cfg.Realtime.EventsPerSecond)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"zero rate", "realtime:\n  events_per_second: 0\n"},
		{"negative port", "listen:\n  port: -1\n"},
		{"stale threshold below heartbeat", "realtime:\n  heartbeat_interval: 30s\n  stale_threshold: 20s\n"},
		{"zero max age", "retention:\n  max_age: 0s\n"},
		{"malformed duration", "realtime:\n  heartbeat_interval: soon\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLoader(writeConfig(t, tc.body)).Load(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
