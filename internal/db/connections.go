package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const connectionColumns = `id, user_id, household_id, email, password_encrypted, server_url, enabled,
	selected_calendars, sync_past_days, sync_future_days, last_sync_at, last_sync_status,
	last_sync_error, created_at, updated_at`

func marshalCalendars(calendars []SelectedCalendar) (interface{}, error) {
	if len(calendars) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(calendars)
	if err != nil {
		return nil, fmt.Errorf("failed to encode selected calendars: %w", err)
	}
	return string(data), nil
}

func scanConnection(scanner rowScanner) (*CalDAVConnection, error) {
	c := &CalDAVConnection{}
	var (
		selected, status, syncError sql.NullString
		lastSyncAt                  sql.NullTime
	)

	err := scanner.Scan(
		&c.ID, &c.UserID, &c.HouseholdID, &c.Email, &c.PasswordEncrypted, &c.ServerURL, &c.Enabled,
		&selected, &c.SyncPastDays, &c.SyncFutureDays, &lastSyncAt, &status,
		&syncError, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	c.LastSyncAt = timePtr(lastSyncAt)
	c.LastSyncStatus = SyncStatus(status.String)
	c.LastSyncError = syncError.String

	if selected.Valid && selected.String != "" {
		if err := json.Unmarshal([]byte(selected.String), &c.SelectedCalendars); err != nil {
			return nil, fmt.Errorf("failed to decode selected calendars for connection %s: %w", c.ID, err)
		}
	}

	return c, nil
}

func (db *DB) queryConnections(query string, args ...interface{}) ([]*CalDAVConnection, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var connections []*CalDAVConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return connections, nil
}

// CreateConnection inserts a CalDAV connection. The password must already
// be encrypted.
func (db *DB) CreateConnection(c *CalDAVConnection) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	selected, err := marshalCalendars(c.SelectedCalendars)
	if err != nil {
		return err
	}

	query := `INSERT INTO caldav_connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.conn.Exec(query,
		c.ID, c.UserID, c.HouseholdID, c.Email, c.PasswordEncrypted, c.ServerURL, c.Enabled,
		selected, c.SyncPastDays, c.SyncFutureDays, nullTime(c.LastSyncAt), nullString(string(c.LastSyncStatus)),
		nullString(c.LastSyncError), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetConnectionByID returns a connection by ID.
func (db *DB) GetConnectionByID(id string) (*CalDAVConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM caldav_connections WHERE id = ?`
	return scanConnection(db.conn.QueryRow(query, id))
}

// GetConnectionForUser returns a connection only if the user owns it.
func (db *DB) GetConnectionForUser(userID, id string) (*CalDAVConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM caldav_connections WHERE id = ? AND user_id = ?`
	return scanConnection(db.conn.QueryRow(query, id, userID))
}

// GetConnectionsByUserID returns all of a user's connections.
func (db *DB) GetConnectionsByUserID(userID string) ([]*CalDAVConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM caldav_connections WHERE user_id = ? ORDER BY created_at`
	return db.queryConnections(query, userID)
}

// GetEnabledConnectionsByUserID returns a user's enabled connections.
func (db *DB) GetEnabledConnectionsByUserID(userID string) ([]*CalDAVConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM caldav_connections WHERE user_id = ? AND enabled = 1 ORDER BY created_at`
	return db.queryConnections(query, userID)
}

// GetEnabledConnections returns every enabled connection system-wide.
func (db *DB) GetEnabledConnections() ([]*CalDAVConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM caldav_connections WHERE enabled = 1 ORDER BY created_at`
	return db.queryConnections(query)
}

// UpdateConnection writes the user-editable fields of a connection.
func (db *DB) UpdateConnection(c *CalDAVConnection) error {
	c.UpdatedAt = time.Now().UTC()

	selected, err := marshalCalendars(c.SelectedCalendars)
	if err != nil {
		return err
	}

	query := `UPDATE caldav_connections SET email = ?, password_encrypted = ?, server_url = ?,
		enabled = ?, selected_calendars = ?, sync_past_days = ?, sync_future_days = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		c.Email, c.PasswordEncrypted, c.ServerURL, c.Enabled, selected,
		c.SyncPastDays, c.SyncFutureDays, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateConnectionSyncStatus records the outcome of a sync cycle. lastSyncAt
// is only written when non-nil.
func (db *DB) UpdateConnectionSyncStatus(id string, status SyncStatus, message string, lastSyncAt *time.Time) error {
	query := `UPDATE caldav_connections SET last_sync_status = ?, last_sync_error = ?,
		last_sync_at = COALESCE(?, last_sync_at)
		WHERE id = ?`

	result, err := db.conn.Exec(query, status, nullString(message), nullTime(lastSyncAt), id)
	if err != nil {
		return fmt.Errorf("failed to update connection sync status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteConnection removes a connection. Its mappings and logs cascade and
// its categories are unbound.
func (db *DB) DeleteConnection(id string) error {
	result, err := db.conn.Exec(`DELETE FROM caldav_connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
