package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSyncLog records one sync cycle.
func (db *DB) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO sync_logs (id, connection_id, status, message, events_found, synced_events,
		error_count, pushed_events, push_error_count, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		log.ID, log.ConnectionID, log.Status, nullString(log.Message),
		log.EventsFound, log.SyncedEvents, log.ErrorCount, log.PushedEvents, log.PushErrorCount,
		log.Duration.Milliseconds(), log.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns the most recent sync logs for a connection.
func (db *DB) GetSyncLogs(connectionID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, connection_id, status, message, events_found, synced_events, error_count,
		pushed_events, push_error_count, duration_ms, created_at
		FROM sync_logs WHERE connection_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var message sql.NullString
		var durationMs int64

		err := rows.Scan(&log.ID, &log.ConnectionID, &log.Status, &message,
			&log.EventsFound, &log.SyncedEvents, &log.ErrorCount,
			&log.PushedEvents, &log.PushErrorCount, &durationMs, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}

		log.Message = message.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs created before the cutoff.
func (db *DB) CleanOldSyncLogs(before time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_logs WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	return result.RowsAffected()
}
