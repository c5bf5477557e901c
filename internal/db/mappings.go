package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const mappingColumns = `id, event_id, caldav_connection_id, external_uid, external_calendar,
	external_url, etag, sync_direction, last_synced_at, created_at`

func insertMapping(x execer, m *EventMapping) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = m.CreatedAt
	}

	query := `INSERT INTO caldav_event_mappings (` + mappingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := x.Exec(query,
		m.ID, m.EventID, m.ConnectionID, m.ExternalUID, m.ExternalCalendar,
		nullString(m.ExternalURL), nullString(m.ETag), m.SyncDirection,
		m.LastSyncedAt.UTC(), m.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: mapping for event %s", ErrDuplicate, m.EventID)
	}
	if err != nil {
		return fmt.Errorf("failed to create mapping: %w", err)
	}

	return nil
}

func scanMapping(scanner rowScanner) (*EventMapping, error) {
	m := &EventMapping{}
	var url, etag sql.NullString

	err := scanner.Scan(
		&m.ID, &m.EventID, &m.ConnectionID, &m.ExternalUID, &m.ExternalCalendar,
		&url, &etag, &m.SyncDirection, &m.LastSyncedAt, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	m.ExternalURL = url.String
	m.ETag = etag.String
	return m, nil
}

// CreateMapping inserts a mapping.
func (db *DB) CreateMapping(m *EventMapping) error {
	return insertMapping(db.conn, m)
}

// GetMappingByUID finds the mapping for a remote UID on a connection.
func (db *DB) GetMappingByUID(connectionID, externalUID string) (*EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM caldav_event_mappings
		WHERE caldav_connection_id = ? AND external_uid = ?`
	return scanMapping(db.conn.QueryRow(query, connectionID, externalUID))
}

// GetMappingByEvent finds the mapping for a local event on a connection.
func (db *DB) GetMappingByEvent(eventID, connectionID string) (*EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM caldav_event_mappings
		WHERE event_id = ? AND caldav_connection_id = ?`
	return scanMapping(db.conn.QueryRow(query, eventID, connectionID))
}

// GetMappingsByEvent returns the event's mappings across all connections.
func (db *DB) GetMappingsByEvent(eventID string) ([]*EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM caldav_event_mappings WHERE event_id = ?`

	rows, err := db.conn.Query(query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}

	return mappings, nil
}

// UpdateMapping writes the mutable fields of a mapping.
func (db *DB) UpdateMapping(m *EventMapping) error {
	query := `UPDATE caldav_event_mappings SET external_uid = ?, external_calendar = ?,
		external_url = ?, etag = ?, sync_direction = ?, last_synced_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		m.ExternalUID, m.ExternalCalendar, nullString(m.ExternalURL), nullString(m.ETag),
		m.SyncDirection, m.LastSyncedAt.UTC(), m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
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

// TouchMapping refreshes last_synced_at only.
func (db *DB) TouchMapping(id string, at time.Time) error {
	query := `UPDATE caldav_event_mappings SET last_synced_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch mapping: %w", err)
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

// CountMappingsByConnection counts a connection's mappings.
func (db *DB) CountMappingsByConnection(connectionID string) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM caldav_event_mappings WHERE caldav_connection_id = ?`, connectionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return count, nil
}
