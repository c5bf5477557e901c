package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicate        = errors.New("duplicate record")
	ErrDatabaseInit     = errors.New("database initialization failed")
	ErrInvalidTimeRange = errors.New("event ends before it starts")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// foreign_keys and busy_timeout are per-connection, so they go in the DSN
	// to reach every pooled connection.
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Bound the pool so a busy sync cycle cannot exhaust file descriptors
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	// Run migrations
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// The file may not exist yet in WAL mode
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Households table
		`CREATE TABLE IF NOT EXISTS households (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Users table
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			household_id TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (household_id) REFERENCES households(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_users_household_id ON users(household_id)`,

		// CalDAV connections table
		`CREATE TABLE IF NOT EXISTS caldav_connections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			household_id TEXT NOT NULL,
			email TEXT NOT NULL,
			password_encrypted TEXT NOT NULL,
			server_url TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			selected_calendars TEXT,
			sync_past_days INTEGER NOT NULL DEFAULT 30,
			sync_future_days INTEGER NOT NULL DEFAULT 365,
			last_sync_at DATETIME,
			last_sync_status TEXT,
			last_sync_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY (household_id) REFERENCES households(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_caldav_connections_user_id ON caldav_connections(user_id)`,

		// Categories table
		`CREATE TABLE IF NOT EXISTS categories (
			id TEXT PRIMARY KEY,
			household_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			color TEXT NOT NULL,
			visibility TEXT NOT NULL DEFAULT 'household',
			caldav_connection_id TEXT,
			source TEXT NOT NULL DEFAULT 'manual',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(household_id, name),
			FOREIGN KEY (household_id) REFERENCES households(id) ON DELETE CASCADE,
			FOREIGN KEY (caldav_connection_id) REFERENCES caldav_connections(id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_categories_connection_id ON categories(caldav_connection_id)`,

		// Events table
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			household_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			category_id TEXT,
			title TEXT NOT NULL,
			description TEXT,
			location TEXT,
			all_day INTEGER NOT NULL DEFAULT 0,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			recurrence_rule TEXT,
			ical_uid TEXT,
			status TEXT NOT NULL DEFAULT 'confirmed',
			sequence INTEGER NOT NULL DEFAULT 0,
			ical_timestamp DATETIME,
			organizer_email TEXT,
			organizer_name TEXT,
			external_attendees TEXT,
			metadata TEXT,
			last_push_at DATETIME,
			last_push_status TEXT,
			last_push_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (household_id) REFERENCES households(id) ON DELETE CASCADE,
			FOREIGN KEY (category_id) REFERENCES categories(id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_household_id ON events(household_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_category_id ON events(category_id)`,

		// Event attendees table
		`CREATE TABLE IF NOT EXISTS event_attendees (
			event_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'needs-action',
			PRIMARY KEY (event_id, user_id),
			FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,

		// Event mappings table
		`CREATE TABLE IF NOT EXISTS caldav_event_mappings (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			caldav_connection_id TEXT NOT NULL,
			external_uid TEXT NOT NULL,
			external_calendar TEXT NOT NULL,
			external_url TEXT,
			etag TEXT,
			sync_direction TEXT NOT NULL,
			last_synced_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(event_id, caldav_connection_id),
			UNIQUE(caldav_connection_id, external_uid),
			FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE,
			FOREIGN KEY (caldav_connection_id) REFERENCES caldav_connections(id) ON DELETE CASCADE
		)`,

		// Sync logs table
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			events_found INTEGER NOT NULL DEFAULT 0,
			synced_events INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			pushed_events INTEGER NOT NULL DEFAULT 0,
			push_error_count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (connection_id) REFERENCES caldav_connections(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_logs_connection_id ON sync_logs(connection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
		}
	}

	return nil
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// withTx runs fn in a transaction, rolling back on error.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nullTime converts an optional time to a driver value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// nullString stores empty strings as NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// timePtr converts a scanned nullable time.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
