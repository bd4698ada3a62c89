package store

import (
	_ "github.com/mattn/go-sqlite3"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		hourly_limit INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS send_records (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		due_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_send_records_account_created
		ON send_records (account_id, created_at)`,
}

// NewSQLite creates a SQLite-backed store. The database path comes from
// Config.Database; an empty path means an in-memory database.
func NewSQLite(config Config) Store {
	dbPath := config.Database
	if dbPath == "" {
		dbPath = ":memory:"
	}

	return newSQLStore(config, dialect{
		name:   "sqlite",
		driver: "sqlite3",
		schema: sqliteSchema,
	}, dbPath+"?_busy_timeout=5000")
}
