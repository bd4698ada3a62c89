package store

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR(64) PRIMARY KEY,
		email VARCHAR(255) NOT NULL DEFAULT '',
		hourly_limit INT NOT NULL,
		created_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS send_records (
		id VARCHAR(64) PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL,
		recipient VARCHAR(255) NOT NULL,
		subject TEXT NOT NULL,
		body MEDIUMTEXT NOT NULL,
		due_at DATETIME(6) NOT NULL,
		status VARCHAR(16) NOT NULL,
		last_error TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_send_records_account_created (account_id, created_at)
	)`,
}

// NewMySQL creates a MySQL-backed store
func NewMySQL(config Config) Store {
	host := config.Host
	if host == "" {
		host = "localhost"
	}
	port := config.Port
	if port == 0 {
		port = 3306
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		config.Username, config.Password, host, port, config.Database)

	return newSQLStore(config, dialect{
		name:   "mysql",
		driver: "mysql",
		schema: mysqlSchema,
	}, dsn)
}
