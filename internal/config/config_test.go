package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reachinbox.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Dispatch.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", cfg.Dispatch.Workers)
	}
	if time.Duration(cfg.Dispatch.Throttle) != 2*time.Second {
		t.Errorf("Expected 2s throttle, got %v", time.Duration(cfg.Dispatch.Throttle))
	}
	if cfg.Dispatch.GlobalRate != 100 {
		t.Errorf("Expected global rate 100, got %v", cfg.Dispatch.GlobalRate)
	}
	if cfg.Store.Type != "sqlite" {
		t.Errorf("Expected sqlite store, got %s", cfg.Store.Type)
	}
	if cfg.Cache.Type != "memory" {
		t.Errorf("Expected memory cache, got %s", cfg.Cache.Type)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[api]
listen = ":9090"

[store]
type = "postgres"
host = "db.internal"
port = 5432
database = "reachinbox"
username = "app"
password = "secret"

[cache]
type = "redis"
host = "cache.internal"
port = 6379

[queue]
lease_timeout = "90s"

[dispatch]
workers = 4
throttle = "500ms"
global_rate = 50.0
global_burst = 50

[smtp]
host = "smtp.example.com"
port = 2525
from = "noreply@example.com"
starttls = true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.API.Listen != ":9090" {
		t.Errorf("Expected listen :9090, got %s", cfg.API.Listen)
	}
	if cfg.Store.Type != "postgres" || cfg.Store.Host != "db.internal" {
		t.Errorf("Store section not applied: %+v", cfg.Store)
	}
	if cfg.Cache.Type != "redis" {
		t.Errorf("Expected redis cache, got %s", cfg.Cache.Type)
	}
	if cfg.LeaseTimeout() != 90*time.Second {
		t.Errorf("Expected 90s lease timeout, got %v", cfg.LeaseTimeout())
	}
	if cfg.Dispatch.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Dispatch.Workers)
	}
	if time.Duration(cfg.Dispatch.Throttle) != 500*time.Millisecond {
		t.Errorf("Expected 500ms throttle, got %v", time.Duration(cfg.Dispatch.Throttle))
	}

	tc := cfg.TransportConfig()
	if tc.Host != "smtp.example.com" || tc.Port != 2525 || !tc.StartTLS {
		t.Errorf("Transport config not applied: %+v", tc)
	}
	if tc.Timeout != 30 {
		t.Errorf("Expected default 30s transport timeout, got %d", tc.Timeout)
	}
}

func TestLoadConfigDefaultsPreserved(t *testing.T) {
	path := writeConfig(t, `
[api]
listen = ":7000"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Errorf("Unset sections should keep defaults, got %d workers", cfg.Dispatch.Workers)
	}
	if cfg.Store.Type != "sqlite" {
		t.Errorf("Unset sections should keep defaults, got store %s", cfg.Store.Type)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("Expected error for explicit missing path")
	}
	_ = cfg

	// No path at all falls back to defaults without error.
	t.Setenv("REACHINBOX_CONFIG", "")
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatalf("Expected defaults when no file exists, got error: %v", err)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Errorf("Expected default workers, got %d", cfg.Dispatch.Workers)
	}
}

func TestFindConfigFileEnvVar(t *testing.T) {
	path := writeConfig(t, "[api]\nlisten = \":6000\"\n")
	t.Setenv("REACHINBOX_CONFIG", path)

	found, err := FindConfigFile("")
	if err != nil {
		t.Fatalf("Failed to find config: %v", err)
	}
	if found != path {
		t.Errorf("Expected %s, got %s", path, found)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store.Type = "oracle" }},
		{"unknown cache", func(c *Config) { c.Cache.Type = "varnish" }},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }},
		{"negative throttle", func(c *Config) { c.Dispatch.Throttle = duration(-time.Second) }},
		{"zero global rate", func(c *Config) { c.Dispatch.GlobalRate = 0 }},
		{"zero lease timeout", func(c *Config) { c.Queue.LeaseTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
