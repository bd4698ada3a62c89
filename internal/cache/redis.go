package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementBelowScript performs the compare-and-increment server-side so the
// read, the comparison and the INCR cannot interleave with another client.
var incrementBelowScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
	return {count, 0}
end
count = redis.call('INCR', KEYS[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {count, 1}
`)

// Redis implements the Cache interface for Redis
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis cache
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379 // Default Redis port
	}

	return &Redis{
		config: config,
	}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}

	if err := r.client.Close(); err != nil {
		return err
	}

	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Name returns the name of this cache instance
func (r *Redis) Name() string {
	if r.config.Name != "" {
		return r.config.Name
	}
	return "redis"
}

// Type returns the type of this cache
func (r *Redis) Type() string {
	return "redis"
}

// Get retrieves a counter value from Redis
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	value, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	return value, err
}

// Set stores a counter value in Redis
func (r *Redis) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.Set(ctx, key, value, expiration).Err()
}

// Delete removes a value from Redis
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}

	deleted, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// Increment increments a numeric value in Redis
func (r *Redis) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return r.client.IncrBy(ctx, key, amount).Result()
}

// IncrementBelow atomically increments the counter only while under limit
func (r *Redis) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	if !r.connected {
		return 0, false, ErrNotConnected
	}

	ttlSeconds := int64(ttl / time.Second)
	result, err := incrementBelowScript.Run(ctx, r.client, []string{key}, limit, ttlSeconds).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("increment-below script failed: %w", err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("increment-below script returned %d values", len(result))
	}

	return result[0], result[1] == 1, nil
}

// Expire sets an expiration time on a key
func (r *Redis) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	success, err := r.client.Expire(ctx, key, expiration).Result()
	if err != nil {
		return err
	}
	if !success {
		return ErrNotFound
	}
	return nil
}
