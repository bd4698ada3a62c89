package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/tumpillipavan/reachinbox/internal/cache"
	"github.com/tumpillipavan/reachinbox/internal/dispatch"
	"github.com/tumpillipavan/reachinbox/internal/logging"
	"github.com/tumpillipavan/reachinbox/internal/store"
	"github.com/tumpillipavan/reachinbox/internal/transport"
)

// Config represents the application configuration
type Config struct {
	// API server configuration
	API struct {
		Listen  string `toml:"listen"`
		Metrics bool   `toml:"metrics"`
	} `toml:"api"`

	// Record store configuration
	Store struct {
		Type     string `toml:"type"`     // "sqlite", "postgres", "mysql", "memory"
		Database string `toml:"database"` // database name, or file path for sqlite
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Username string `toml:"username"`
		Password string `toml:"password"`
		SSLMode  string `toml:"sslmode"` // postgres only
	} `toml:"store"`

	// Counter cache configuration
	Cache struct {
		Type     string `toml:"type"` // "redis", "memcached", "memory"
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
		Database int    `toml:"database"` // redis only
	} `toml:"cache"`

	// Queue configuration
	Queue struct {
		LeaseTimeout duration `toml:"lease_timeout"`
	} `toml:"queue"`

	// Dispatcher configuration
	Dispatch struct {
		Workers     int      `toml:"workers"`
		Throttle    duration `toml:"throttle"`
		GlobalRate  float64  `toml:"global_rate"`
		GlobalBurst int      `toml:"global_burst"`
	} `toml:"dispatch"`

	// Outbound SMTP configuration. An empty host selects the log transport.
	SMTP struct {
		Host     string   `toml:"host"`
		Port     int      `toml:"port"`
		Username string   `toml:"username"`
		Password string   `toml:"password"`
		From     string   `toml:"from"`
		StartTLS bool     `toml:"starttls"`
		Timeout  duration `toml:"timeout"`
	} `toml:"smtp"`

	// Logging configuration
	Logging struct {
		Type   string `toml:"type"` // "console", "file"
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"logging"`
}

// duration wraps time.Duration so TOML values like "2s" parse directly
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.API.Listen = ":8080"
	cfg.API.Metrics = true

	cfg.Store.Type = "sqlite"
	cfg.Store.Database = "./reachinbox.db"

	cfg.Cache.Type = "memory"

	cfg.Queue.LeaseTimeout = duration(2 * time.Minute)

	d := dispatch.DefaultConfig()
	cfg.Dispatch.Workers = d.Workers
	cfg.Dispatch.Throttle = duration(d.Throttle)
	cfg.Dispatch.GlobalRate = d.GlobalRate
	cfg.Dispatch.GlobalBurst = d.GlobalBurst

	cfg.SMTP.Port = 587
	cfg.SMTP.Timeout = duration(30 * time.Second)

	cfg.Logging.Type = "console"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		os.Getenv("REACHINBOX_CONFIG"),
		"./reachinbox.toml",
		"./config/reachinbox.toml",
		os.ExpandEnv("$HOME/.reachinbox.toml"),
		"/etc/reachinbox/reachinbox.toml",
	}

	for _, loc := range locations {
		if loc == "" {
			continue
		}
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file, falling back to defaults when
// no file is found
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "sqlite", "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("unknown store type: %s", c.Store.Type)
	}

	switch c.Cache.Type {
	case "redis", "memcached", "memory":
	default:
		return fmt.Errorf("unknown cache type: %s", c.Cache.Type)
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch workers must be at least 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.Throttle < 0 {
		return fmt.Errorf("dispatch throttle must not be negative")
	}
	if c.Dispatch.GlobalRate <= 0 {
		return fmt.Errorf("dispatch global rate must be positive")
	}
	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("queue lease timeout must be positive")
	}
	return nil
}

// StoreConfig maps the store section onto the store package's config
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:     c.Store.Type,
		Name:     "records",
		Host:     c.Store.Host,
		Port:     c.Store.Port,
		Database: c.Store.Database,
		Username: c.Store.Username,
		Password: c.Store.Password,
		SSLMode:  c.Store.SSLMode,
	}
}

// CacheConfig maps the cache section onto the cache package's config
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Type:     c.Cache.Type,
		Name:     "counters",
		Host:     c.Cache.Host,
		Port:     c.Cache.Port,
		Password: c.Cache.Password,
		Database: c.Cache.Database,
	}
}

// DispatchConfig maps the dispatch section onto the dispatcher's config
func (c *Config) DispatchConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.Workers = c.Dispatch.Workers
	cfg.Throttle = time.Duration(c.Dispatch.Throttle)
	cfg.GlobalRate = c.Dispatch.GlobalRate
	cfg.GlobalBurst = c.Dispatch.GlobalBurst
	return cfg
}

// TransportConfig maps the smtp section onto the transport config
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		StartTLS: c.SMTP.StartTLS,
		Timeout:  int(time.Duration(c.SMTP.Timeout) / time.Second),
	}
}

// LoggingConfig maps the logging section onto the logging package's config
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Type:   c.Logging.Type,
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		File:   c.Logging.File,
	}
}

// LeaseTimeout returns the queue lease timeout as a time.Duration
func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Queue.LeaseTimeout)
}
