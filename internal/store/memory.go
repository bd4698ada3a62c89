package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements the Store interface with in-process maps. It backs tests
// and the dev-mode server; production deployments use a SQL store.
type Memory struct {
	config    Config
	mu        sync.RWMutex
	connected bool
	accounts  map[string]Account
	records   map[string]SendRecord
}

// NewMemory creates a new in-memory store
func NewMemory(config Config) *Memory {
	return &Memory{
		config:   config,
		accounts: make(map[string]Account),
		records:  make(map[string]SendRecord),
	}
}

// Connect initializes the memory store
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close clears the store
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = make(map[string]Account)
	m.records = make(map[string]SendRecord)
	m.connected = false
	return nil
}

// IsConnected returns true if the store is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Name returns the name of this store instance
func (m *Memory) Name() string {
	if m.config.Name != "" {
		return m.config.Name
	}
	return "memory"
}

// Type returns the type of this store
func (m *Memory) Type() string {
	return "memory"
}

// CreateAccount creates a new account
func (m *Memory) CreateAccount(_ context.Context, account Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if account.ID == "" {
		return ErrInvalidInput
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	m.accounts[account.ID] = account
	return nil
}

// GetAccount retrieves an account by ID
func (m *Memory) GetAccount(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return Account{}, ErrNotConnected
	}

	account, found := m.accounts[id]
	if !found {
		return Account{}, ErrNotFound
	}
	return account, nil
}

// UpdateHourlyLimit changes an account's hourly send quota
func (m *Memory) UpdateHourlyLimit(_ context.Context, id string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if limit <= 0 {
		return ErrInvalidInput
	}

	account, found := m.accounts[id]
	if !found {
		return ErrNotFound
	}

	account.HourlyLimit = limit
	m.accounts[id] = account
	return nil
}

// CreateSendRecord persists a new send record and returns its ID
func (m *Memory) CreateSendRecord(_ context.Context, rec SendRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return "", ErrNotConnected
	}
	if rec.AccountID == "" || rec.Recipient == "" {
		return "", ErrInvalidInput
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	m.records[rec.ID] = rec
	return rec.ID, nil
}

// GetSendRecord retrieves a send record by ID
func (m *Memory) GetSendRecord(_ context.Context, id string) (SendRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return SendRecord{}, ErrNotConnected
	}

	rec, found := m.records[id]
	if !found {
		return SendRecord{}, ErrNotFound
	}
	return rec, nil
}

// UpdateStatus transitions a record to the given status. Writes against a
// record already in a terminal status are silent no-ops.
func (m *Memory) UpdateStatus(_ context.Context, id string, status Status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if !status.Valid() {
		return ErrInvalidInput
	}

	rec, found := m.records[id]
	if !found {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}

	rec.Status = status
	rec.LastError = lastError
	rec.UpdatedAt = time.Now().UTC()
	m.records[id] = rec
	return nil
}

// DeferSendRecord marks a record deferred and advances its due time
func (m *Memory) DeferSendRecord(_ context.Context, id string, nextDue time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	rec, found := m.records[id]
	if !found {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}

	rec.Status = StatusDeferred
	rec.DueAt = nextDue
	rec.UpdatedAt = time.Now().UTC()
	m.records[id] = rec
	return nil
}

// ListSendRecords returns an account's records, newest first
func (m *Memory) ListSendRecords(_ context.Context, accountID string) ([]SendRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}

	var records []SendRecord
	for _, rec := range m.records {
		if rec.AccountID == accountID {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
	return records, nil
}

// ListActiveSendRecords returns all non-terminal records ordered by due time
func (m *Memory) ListActiveSendRecords(_ context.Context) ([]SendRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}

	var records []SendRecord
	for _, rec := range m.records {
		if !rec.Status.Terminal() {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].DueAt.Equal(records[j].DueAt) {
			return records[i].DueAt.Before(records[j].DueAt)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// CountByStatus returns record counts keyed by status
func (m *Memory) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}

	counts := make(map[Status]int)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}
