package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache defines the interface that all counter-store implementations must
// satisfy. The rate limiter leans on IncrementBelow: an atomic
// compare-and-increment that is the admission primitive for the per-account
// hourly quota. Two concurrent callers must never both observe "under limit"
// and together exceed it.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Name returns the name of this cache instance
	Name() string

	// Type returns the type of the cache (e.g., "redis", "memory")
	Type() string

	// Get retrieves a numeric value from the cache
	Get(ctx context.Context, key string) (int64, error)

	// Set stores a numeric value in the cache with an optional expiration
	Set(ctx context.Context, key string, value int64, expiration time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Increment unconditionally increments a counter and returns the new value
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// IncrementBelow atomically increments the counter at key only if its
	// current value is below limit. It returns the counter value after the
	// call and whether the increment was applied. A positive ttl is set on
	// the key whenever the increment is applied.
	IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)

	// Expire sets an expiration time on a key
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// Config represents the configuration for a cache
type Config struct {
	Type     string // Type of cache (redis, memcached, memory)
	Name     string // Name of this cache instance
	Host     string // Hostname or IP address
	Port     int    // Port number
	Password string // Password for authentication
	Database int    // Database number (for Redis)
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory":
		return NewMemory(config), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}
