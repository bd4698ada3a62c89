package cache

import (
	"context"
	"sync"
	"time"
)

// item is a counter value with an optional expiration
type item struct {
	value      int64
	expiration int64 // Unix timestamp in nanoseconds, 0 means no expiry
}

func (i item) expired(now int64) bool {
	return i.expiration > 0 && now > i.expiration
}

// Memory implements the Cache interface with an in-process map. All counter
// mutations happen under a single mutex, which gives IncrementBelow its
// check-and-increment atomicity.
type Memory struct {
	config    Config
	items     map[string]item
	mu        sync.RWMutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan struct{}
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]item),
	}
}

// Connect initializes the cache and starts the janitor
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan struct{})

	go func() {
		for {
			select {
			case <-m.janitor.C:
				m.deleteExpired()
			case <-m.stopChan:
				m.janitor.Stop()
				return
			}
		}
	}()

	m.connected = true
	return nil
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	m.items = make(map[string]item)
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Name returns the name of this cache instance
func (m *Memory) Name() string {
	if m.config.Name != "" {
		return m.config.Name
	}
	return "memory"
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a counter value
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	it, found := m.items[key]
	if !found || it.expired(time.Now().UnixNano()) {
		return 0, ErrNotFound
	}
	return it.value, nil
}

// Set stores a counter value
func (m *Memory) Set(_ context.Context, key string, value int64, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}
	m.items[key] = item{value: value, expiration: exp}
	return nil
}

// Delete removes a counter
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	if _, found := m.items[key]; !found {
		return ErrNotFound
	}
	delete(m.items, key)
	return nil
}

// Increment unconditionally increments a counter
func (m *Memory) Increment(_ context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	it, found := m.items[key]
	if !found || it.expired(time.Now().UnixNano()) {
		m.items[key] = item{value: amount}
		return amount, nil
	}

	it.value += amount
	m.items[key] = it
	return it.value, nil
}

// IncrementBelow atomically increments the counter only while under limit
func (m *Memory) IncrementBelow(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, false, ErrNotConnected
	}

	now := time.Now()
	it, found := m.items[key]
	if !found || it.expired(now.UnixNano()) {
		it = item{}
	}

	if it.value >= limit {
		return it.value, false, nil
	}

	it.value++
	if ttl > 0 {
		it.expiration = now.Add(ttl).UnixNano()
	}
	m.items[key] = it
	return it.value, true, nil
}

// Expire sets an expiration time on a key
func (m *Memory) Expire(_ context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	it, found := m.items[key]
	if !found || it.expired(time.Now().UnixNano()) {
		return ErrNotFound
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}
	it.expiration = exp
	m.items[key] = it
	return nil
}

// deleteExpired removes expired items from the cache
func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for k, v := range m.items {
		if v.expired(now) {
			delete(m.items, k)
		}
	}
}
