package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotConnected = errors.New("not connected to store")
)

// Status represents the lifecycle state of a send record
type Status string

const (
	// StatusPending is the initial state of a scheduled send
	StatusPending Status = "pending"
	// StatusDeferred means the send was pushed to a later hour window by the rate limiter
	StatusDeferred Status = "deferred"
	// StatusSent means the message was handed to the transport successfully (terminal)
	StatusSent Status = "sent"
	// StatusFailed means the transport returned an error (terminal)
	StatusFailed Status = "failed"
)

// Terminal reports whether the status allows no further transitions
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether s is a known status value
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDeferred, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Account owns scheduled sends and carries the per-hour send quota
type Account struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	HourlyLimit int       `json:"hourly_limit"`
	CreatedAt   time.Time `json:"created_at"`
}

// SendRecord is one scheduled message to one recipient
type SendRecord struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	DueAt     time.Time `json:"due_at"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface that all record store implementations must satisfy.
// UpdateStatus and DeferSendRecord never overwrite a terminal status; a write
// against a record already in StatusSent or StatusFailed is a silent no-op.
type Store interface {
	// Connect establishes a connection to the store
	Connect() error

	// Close closes the connection to the store
	Close() error

	// IsConnected returns true if the store is connected
	IsConnected() bool

	// Name returns the name of this store instance
	Name() string

	// Type returns the type of the store (e.g., "sqlite", "postgres")
	Type() string

	// CreateAccount creates a new account
	CreateAccount(ctx context.Context, account Account) error

	// GetAccount retrieves an account by ID
	GetAccount(ctx context.Context, id string) (Account, error)

	// UpdateHourlyLimit changes an account's hourly send quota. The new limit
	// applies to admissions evaluated after the write, never retroactively.
	UpdateHourlyLimit(ctx context.Context, id string, limit int) error

	// CreateSendRecord persists a new send record and returns its ID
	CreateSendRecord(ctx context.Context, rec SendRecord) (string, error)

	// GetSendRecord retrieves a send record by ID
	GetSendRecord(ctx context.Context, id string) (SendRecord, error)

	// UpdateStatus transitions a record to the given status
	UpdateStatus(ctx context.Context, id string, status Status, lastError string) error

	// DeferSendRecord marks a record deferred and advances its due time
	DeferSendRecord(ctx context.Context, id string, nextDue time.Time) error

	// ListSendRecords returns an account's records ordered by creation time, newest first
	ListSendRecords(ctx context.Context, accountID string) ([]SendRecord, error)

	// ListActiveSendRecords returns every non-terminal record across all
	// accounts, ordered by due time. Used to rebuild the delay queue at startup.
	ListActiveSendRecords(ctx context.Context) ([]SendRecord, error)

	// CountByStatus returns record counts keyed by status
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Config represents the configuration for a store
type Config struct {
	Type     string // Type of store (sqlite, postgres, mysql, memory)
	Name     string // Name of this store instance
	Host     string // Hostname or IP address
	Port     int    // Port number
	Database string // Database name, or file path for SQLite
	Username string // Username for authentication
	Password string // Password for authentication
	SSLMode  string // Postgres sslmode
}

// Factory creates store instances based on configuration
func Factory(config Config) (Store, error) {
	switch config.Type {
	case "sqlite", "sqlite3":
		return NewSQLite(config), nil
	case "postgres":
		return NewPostgres(config), nil
	case "mysql":
		return NewMySQL(config), nil
	case "memory":
		return NewMemory(config), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// Manager manages multiple stores
type Manager struct {
	stores map[string]Store
	mu     sync.RWMutex
}

// NewManager creates a new store manager
func NewManager() *Manager {
	return &Manager{
		stores: make(map[string]Store),
	}
}

// Register adds a store to the manager
func (m *Manager) Register(s Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := s.Name()
	if _, exists := m.stores[name]; exists {
		return fmt.Errorf("store with name '%s' already registered", name)
	}

	m.stores[name] = s
	return nil
}

// Get retrieves a store by name
func (m *Manager) Get(name string) (Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.stores[name]
	return s, exists
}

// CloseAll closes all registered stores
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store %s: %w", name, err)
		}
		delete(m.stores, name)
	}
	return firstErr
}
