// Package store provides the SQLite-backed registry for the dispatch core:
// endpoints, connections, function descriptors, settings, and sessions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides registry operations for the dispatch core.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path.
func New(dbPath string) (*Store, error) {
	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// migrate runs all pending database migrations.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion < 1 {
		if err := s.runMigration001(); err != nil {
			return fmt.Errorf("run migration 001: %w", err)
		}
	}

	return nil
}

// runMigration001 creates the registry schema.
func (s *Store) runMigration001() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Endpoints table
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS endpoints (
			endpoint_id TEXT PRIMARY KEY,
			special_connection INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return err
	}

	// Connections table; function bindings are stored as a JSON list
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS connections (
			endpoint_id TEXT NOT NULL,
			api_key TEXT NOT NULL,
			functions TEXT NOT NULL DEFAULT '[]',
			whitelist TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (endpoint_id, api_key)
		)
	`)
	if err != nil {
		return err
	}

	// Function descriptors table
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS functions (
			remote_target TEXT NOT NULL,
			function_name TEXT NOT NULL,
			area TEXT NOT NULL DEFAULT 'core',
			config TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (remote_target, function_name)
		)
	`)
	if err != nil {
		return err
	}

	// Settings table; one row per variable, values JSON-encoded
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			setting_id TEXT NOT NULL,
			variable TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY (setting_id, variable)
		)
	`)
	if err != nil {
		return err
	}

	// WebSocket sessions table
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			endpoint_id TEXT NOT NULL,
			connection_id TEXT NOT NULL,
			api_key TEXT,
			area TEXT,
			data TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (endpoint_id, connection_id)
		)
	`)
	if err != nil {
		return err
	}

	// Secondary index: disconnect/stream lookups only carry the connection id
	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_connection ON sessions(connection_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(endpoint_id, updated_at);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec("INSERT INTO migrations (version) VALUES (1)")
	if err != nil {
		return err
	}

	return tx.Commit()
}
