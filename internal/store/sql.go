package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dialect captures the per-driver differences the shared SQL store needs
type dialect struct {
	name        string
	driver      string
	placeholder func(n int) string
	schema      []string
}

// sqlStore implements Store on top of database/sql. The SQLite, Postgres and
// MySQL stores are thin constructors around it.
type sqlStore struct {
	config    Config
	dialect   dialect
	dsn       string
	db        *sql.DB
	connected bool
	logger    *slog.Logger
}

func newSQLStore(config Config, d dialect, dsn string) *sqlStore {
	return &sqlStore{
		config:  config,
		dialect: d,
		dsn:     dsn,
		logger:  slog.Default().With("component", "store", "type", d.name),
	}
}

// rebind replaces ? markers with the dialect's placeholder style
func (s *sqlStore) rebind(query string) string {
	if s.dialect.placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Connect opens the database and ensures the schema exists
func (s *sqlStore) Connect() error {
	if s.connected {
		return nil
	}

	db, err := sql.Open(s.dialect.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", s.dialect.name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to %s store: %w", s.dialect.name, err)
	}

	for _, stmt := range s.dialect.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	s.db = db
	s.connected = true
	s.logger.Info("store connected", "database", s.config.Database)
	return nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if !s.connected {
		return nil
	}

	err := s.db.Close()
	s.connected = false
	return err
}

// IsConnected returns true if the store is connected
func (s *sqlStore) IsConnected() bool {
	return s.connected
}

// Name returns the name of this store instance
func (s *sqlStore) Name() string {
	if s.config.Name != "" {
		return s.config.Name
	}
	return s.dialect.name
}

// Type returns the type of the store
func (s *sqlStore) Type() string {
	return s.dialect.name
}

// CreateAccount creates a new account
func (s *sqlStore) CreateAccount(ctx context.Context, account Account) error {
	if !s.connected {
		return ErrNotConnected
	}
	if account.ID == "" {
		return ErrInvalidInput
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		s.rebind("INSERT INTO accounts (id, email, hourly_limit, created_at) VALUES (?, ?, ?, ?)"),
		account.ID, account.Email, account.HourlyLimit, account.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID
func (s *sqlStore) GetAccount(ctx context.Context, id string) (Account, error) {
	if !s.connected {
		return Account{}, ErrNotConnected
	}

	var account Account
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT id, email, hourly_limit, created_at FROM accounts WHERE id = ?"),
		id,
	).Scan(&account.ID, &account.Email, &account.HourlyLimit, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// UpdateHourlyLimit changes an account's hourly send quota
func (s *sqlStore) UpdateHourlyLimit(ctx context.Context, id string, limit int) error {
	if !s.connected {
		return ErrNotConnected
	}
	if limit <= 0 {
		return ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE accounts SET hourly_limit = ? WHERE id = ?"),
		limit, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update hourly limit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSendRecord persists a new send record and returns its ID
func (s *sqlStore) CreateSendRecord(ctx context.Context, rec SendRecord) (string, error) {
	if !s.connected {
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

	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO send_records
			(id, account_id, recipient, subject, body, due_at, status, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.AccountID, rec.Recipient, rec.Subject, rec.Body,
		rec.DueAt, string(rec.Status), rec.LastError, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create send record: %w", err)
	}
	return rec.ID, nil
}

// GetSendRecord retrieves a send record by ID
func (s *sqlStore) GetSendRecord(ctx context.Context, id string) (SendRecord, error) {
	if !s.connected {
		return SendRecord{}, ErrNotConnected
	}

	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, account_id, recipient, subject, body, due_at, status, last_error, created_at, updated_at
			FROM send_records WHERE id = ?`),
		id,
	)
	return scanSendRecord(row)
}

// UpdateStatus transitions a record to the given status. The WHERE clause
// excludes terminal rows so a finished record is never rewritten.
func (s *sqlStore) UpdateStatus(ctx context.Context, id string, status Status, lastError string) error {
	if !s.connected {
		return ErrNotConnected
	}
	if !status.Valid() {
		return ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE send_records SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('sent', 'failed')`),
		string(status), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return s.checkStatusWrite(ctx, res, id)
}

// DeferSendRecord marks a record deferred and advances its due time
func (s *sqlStore) DeferSendRecord(ctx context.Context, id string, nextDue time.Time) error {
	if !s.connected {
		return ErrNotConnected
	}

	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE send_records SET status = ?, due_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('sent', 'failed')`),
		string(StatusDeferred), nextDue, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to defer send record: %w", err)
	}
	return s.checkStatusWrite(ctx, res, id)
}

// checkStatusWrite distinguishes a missing record from an idempotent no-op
// against a terminal one when an UPDATE touched zero rows.
func (s *sqlStore) checkStatusWrite(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		s.rebind("SELECT status FROM send_records WHERE id = ?"), id,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	// Row exists but was not updated: terminal status, treated as a no-op.
	return nil
}

// ListSendRecords returns an account's records, newest first
func (s *sqlStore) ListSendRecords(ctx context.Context, accountID string) ([]SendRecord, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, account_id, recipient, subject, body, due_at, status, last_error, created_at, updated_at
			FROM send_records WHERE account_id = ? ORDER BY created_at DESC, id DESC`),
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list send records: %w", err)
	}
	defer rows.Close()

	var records []SendRecord
	for rows.Next() {
		rec, err := scanSendRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListActiveSendRecords returns all non-terminal records ordered by due time
func (s *sqlStore) ListActiveSendRecords(ctx context.Context) ([]SendRecord, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, account_id, recipient, subject, body, due_at, status, last_error, created_at, updated_at
			FROM send_records WHERE status NOT IN ('sent', 'failed') ORDER BY due_at ASC, id ASC`),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active send records: %w", err)
	}
	defer rows.Close()

	var records []SendRecord
	for rows.Next() {
		rec, err := scanSendRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus returns record counts keyed by status
func (s *sqlStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM send_records GROUP BY status",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count send records: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSendRecord(sc scanner) (SendRecord, error) {
	var rec SendRecord
	var status, lastError string
	err := sc.Scan(&rec.ID, &rec.AccountID, &rec.Recipient, &rec.Subject, &rec.Body,
		&rec.DueAt, &status, &lastError, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SendRecord{}, ErrNotFound
	}
	if err != nil {
		return SendRecord{}, fmt.Errorf("failed to scan send record: %w", err)
	}
	rec.Status = Status(status)
	rec.LastError = lastError
	return rec, nil
}
