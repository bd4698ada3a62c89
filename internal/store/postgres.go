package store

import (
	"fmt"

	_ "github.com/lib/pq"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		hourly_limit INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS send_records (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		due_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_send_records_account_created
		ON send_records (account_id, created_at)`,
}

// NewPostgres creates a PostgreSQL-backed store
func NewPostgres(config Config) Store {
	host := config.Host
	if host == "" {
		host = "localhost"
	}
	port := config.Port
	if port == 0 {
		port = 5432
	}
	sslMode := config.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, config.Username, config.Password, config.Database, sslMode)

	return newSQLStore(config, dialect{
		name:   "postgres",
		driver: "postgres",
		placeholder: func(n int) string {
			return fmt.Sprintf("$%d", n)
		},
		schema: postgresSchema,
	}, dsn)
}
