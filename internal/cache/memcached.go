package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// casRetries bounds the compare-and-swap loop in IncrementBelow. Contention on
// a single account's hour bucket is low (a handful of dispatch workers), so a
// small bound is plenty.
const casRetries = 16

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	client    *memcache.Client
	config    Config
	connected bool
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	if config.Port == 0 {
		config.Port = 11211 // Default Memcached port
	}

	return &Memcached{
		config: config,
	}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	host := m.config.Host
	if host == "" {
		host = "localhost"
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", host, m.config.Port))

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memcached) IsConnected() bool {
	return m.connected
}

// Name returns the name of this cache instance
func (m *Memcached) Name() string {
	if m.config.Name != "" {
		return m.config.Name
	}
	return "memcached"
}

// Type returns the type of this cache
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a counter value from Memcached
func (m *Memcached) Get(_ context.Context, key string) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	it, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(it.Value), 10, 64)
}

// Set stores a counter value in Memcached
func (m *Memcached) Set(_ context.Context, key string, value int64, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(strconv.FormatInt(value, 10)),
		Expiration: int32(expiration / time.Second),
	})
}

// Delete removes a value from Memcached
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return ErrNotFound
	}
	return err
}

// Increment increments a numeric value in Memcached. Memcached's increment
// command requires an existing key, so a miss seeds the counter first.
func (m *Memcached) Increment(_ context.Context, key string, amount int64) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	newValue, err := m.client.Increment(key, uint64(amount))
	if errors.Is(err, memcache.ErrCacheMiss) {
		addErr := m.client.Add(&memcache.Item{
			Key:   key,
			Value: []byte(strconv.FormatInt(amount, 10)),
		})
		if addErr == nil {
			return amount, nil
		}
		if !errors.Is(addErr, memcache.ErrNotStored) {
			return 0, addErr
		}
		// Lost the race to another writer, increment the key it created.
		newValue, err = m.client.Increment(key, uint64(amount))
	}
	if err != nil {
		return 0, err
	}
	return int64(newValue), nil
}

// IncrementBelow atomically increments the counter only while under limit,
// using Memcached's CAS protocol for the check-and-increment.
func (m *Memcached) IncrementBelow(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	if !m.connected {
		return 0, false, ErrNotConnected
	}

	expiration := int32(ttl / time.Second)

	for attempt := 0; attempt < casRetries; attempt++ {
		it, err := m.client.Get(key)
		if errors.Is(err, memcache.ErrCacheMiss) {
			if limit <= 0 {
				return 0, false, nil
			}
			addErr := m.client.Add(&memcache.Item{
				Key:        key,
				Value:      []byte("1"),
				Expiration: expiration,
			})
			if addErr == nil {
				return 1, true, nil
			}
			if !errors.Is(addErr, memcache.ErrNotStored) {
				return 0, false, addErr
			}
			continue // another writer created the key, go around
		}
		if err != nil {
			return 0, false, err
		}

		count, err := strconv.ParseInt(string(it.Value), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("corrupt counter value for %s: %w", key, err)
		}
		if count >= limit {
			return count, false, nil
		}

		it.Value = []byte(strconv.FormatInt(count+1, 10))
		it.Expiration = expiration
		err = m.client.CompareAndSwap(it)
		if err == nil {
			return count + 1, true, nil
		}
		if !errors.Is(err, memcache.ErrCASConflict) && !errors.Is(err, memcache.ErrNotStored) {
			return 0, false, err
		}
	}

	return 0, false, fmt.Errorf("increment-below gave up after %d CAS conflicts on %s", casRetries, key)
}

// Expire sets an expiration time on a key
func (m *Memcached) Expire(_ context.Context, key string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Touch(key, int32(expiration/time.Second))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return ErrNotFound
	}
	return err
}
