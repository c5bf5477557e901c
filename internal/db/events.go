package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const eventColumns = `id, household_id, user_id, category_id, title, description, location, all_day,
	start_time, end_time, recurrence_rule, ical_uid, status, sequence, ical_timestamp,
	organizer_email, organizer_name, external_attendees, metadata,
	last_push_at, last_push_status, last_push_error, created_at, updated_at`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func validateEvent(e *Event) error {
	if e.EndTime.Before(e.StartTime) {
		return fmt.Errorf("%w: %s", ErrInvalidTimeRange, e.ID)
	}
	if e.Status == "" {
		e.Status = EventStatusConfirmed
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("invalid event status %q", e.Status)
	}
	return nil
}

func marshalAttendees(attendees []ExternalAttendee) (interface{}, error) {
	if len(attendees) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attendees)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attendees: %w", err)
	}
	return string(data), nil
}

func metadataValue(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// eventArgs returns the column values for eventColumns, in order.
func eventArgs(e *Event) ([]interface{}, error) {
	attendees, err := marshalAttendees(e.ExternalAttendees)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		e.ID, e.HouseholdID, e.UserID, nullString(e.CategoryID), e.Title,
		nullString(e.Description), nullString(e.Location), e.AllDay,
		e.StartTime.UTC(), e.EndTime.UTC(), nullString(e.RecurrenceRule), nullString(e.ICalUID),
		e.Status, e.Sequence, nullTime(e.ICalTimestamp),
		nullString(e.OrganizerEmail), nullString(e.OrganizerName), attendees, metadataValue(e.Metadata),
		nullTime(e.LastPushAt), nullString(string(e.LastPushStatus)), nullString(e.LastPushError),
		e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	}, nil
}

func insertEvent(x execer, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if err := validateEvent(e); err != nil {
		return err
	}

	args, err := eventArgs(e)
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	query := `INSERT INTO events (` + eventColumns + `) VALUES (` + placeholders + `)`
	if _, err := x.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	return nil
}

func scanEvent(scanner rowScanner) (*Event, error) {
	e := &Event{}
	var (
		categoryID, description, location, recurrence, icalUID sql.NullString
		organizerEmail, organizerName, attendees, metadata     sql.NullString
		pushStatus, pushError                                  sql.NullString
		icalTimestamp, lastPushAt                              sql.NullTime
	)

	err := scanner.Scan(
		&e.ID, &e.HouseholdID, &e.UserID, &categoryID, &e.Title, &description, &location, &e.AllDay,
		&e.StartTime, &e.EndTime, &recurrence, &icalUID, &e.Status, &e.Sequence, &icalTimestamp,
		&organizerEmail, &organizerName, &attendees, &metadata,
		&lastPushAt, &pushStatus, &pushError, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	e.CategoryID = categoryID.String
	e.Description = description.String
	e.Location = location.String
	e.RecurrenceRule = recurrence.String
	e.ICalUID = icalUID.String
	e.ICalTimestamp = timePtr(icalTimestamp)
	e.OrganizerEmail = organizerEmail.String
	e.OrganizerName = organizerName.String
	e.LastPushAt = timePtr(lastPushAt)
	e.LastPushStatus = PushStatus(pushStatus.String)
	e.LastPushError = pushError.String
	e.StartTime = e.StartTime.UTC()
	e.EndTime = e.EndTime.UTC()

	if attendees.Valid && attendees.String != "" {
		if err := json.Unmarshal([]byte(attendees.String), &e.ExternalAttendees); err != nil {
			return nil, fmt.Errorf("failed to decode attendees for event %s: %w", e.ID, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		e.Metadata = json.RawMessage(metadata.String)
	}

	return e, nil
}

func (db *DB) queryEvents(query string, args ...interface{}) ([]*Event, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateEvent inserts an event. CreatedAt and UpdatedAt default to now.
func (db *DB) CreateEvent(e *Event) error {
	return insertEvent(db.conn, e)
}

// InsertEventWithMapping inserts an imported event and its mapping atomically.
func (db *DB) InsertEventWithMapping(e *Event, m *EventMapping) error {
	return db.withTx(func(tx *sql.Tx) error {
		if err := insertEvent(tx, e); err != nil {
			return err
		}
		m.EventID = e.ID
		return insertMapping(tx, m)
	})
}

// GetEventByID returns an event by ID.
func (db *DB) GetEventByID(id string) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = ?`
	return scanEvent(db.conn.QueryRow(query, id))
}

// GetEventForHousehold returns an event only if it belongs to the household.
func (db *DB) GetEventForHousehold(householdID, id string) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = ? AND household_id = ?`
	return scanEvent(db.conn.QueryRow(query, id, householdID))
}

// GetEventsByHousehold returns a household's events ordered by start time.
func (db *DB) GetEventsByHousehold(householdID string) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE household_id = ? ORDER BY start_time`
	return db.queryEvents(query, householdID)
}

// GetEventsByConnection returns every event in a category bound to the
// connection.
func (db *DB) GetEventsByConnection(connectionID string) ([]*Event, error) {
	query := `SELECT ` + prefixColumns("e.", eventColumns) + `
		FROM events e
		JOIN categories c ON c.id = e.category_id
		WHERE c.caldav_connection_id = ?
		ORDER BY e.start_time`
	return db.queryEvents(query, connectionID)
}

// GetFailedPushEvents returns the household's events whose last push failed.
func (db *DB) GetFailedPushEvents(householdID string) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE household_id = ? AND last_push_status = ?
		ORDER BY start_time`
	return db.queryEvents(query, householdID, PushStatusError)
}

// UpdateEvent writes every column of e. The caller owns UpdatedAt.
func (db *DB) UpdateEvent(e *Event) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	if err := validateEvent(e); err != nil {
		return err
	}

	attendees, err := marshalAttendees(e.ExternalAttendees)
	if err != nil {
		return err
	}

	query := `UPDATE events SET
		category_id = ?, title = ?, description = ?, location = ?, all_day = ?,
		start_time = ?, end_time = ?, recurrence_rule = ?, ical_uid = ?, status = ?,
		sequence = ?, ical_timestamp = ?, organizer_email = ?, organizer_name = ?,
		external_attendees = ?, metadata = ?, last_push_at = ?, last_push_status = ?,
		last_push_error = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		nullString(e.CategoryID), e.Title, nullString(e.Description), nullString(e.Location), e.AllDay,
		e.StartTime.UTC(), e.EndTime.UTC(), nullString(e.RecurrenceRule), nullString(e.ICalUID), e.Status,
		e.Sequence, nullTime(e.ICalTimestamp), nullString(e.OrganizerEmail), nullString(e.OrganizerName),
		attendees, metadataValue(e.Metadata), nullTime(e.LastPushAt), nullString(string(e.LastPushStatus)),
		nullString(e.LastPushError), e.UpdatedAt.UTC(),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
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

// UpdateEventPushState records a push attempt without touching updated_at.
func (db *DB) UpdateEventPushState(id string, status PushStatus, at *time.Time, message string) error {
	query := `UPDATE events SET last_push_status = ?, last_push_at = ?, last_push_error = ? WHERE id = ?`

	result, err := db.conn.Exec(query, status, nullTime(at), nullString(message), id)
	if err != nil {
		return fmt.Errorf("failed to update push state: %w", err)
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

// CompletePush records a successful push: status success, the sequence and
// DTSTAMP that were sent, and the UID the remote object carries.
// updated_at and last_push_at are left as they are.
func (db *DB) CompletePush(id string, sequence int, stamp time.Time, icalUID string) error {
	query := `UPDATE events SET last_push_status = ?, last_push_error = NULL,
		sequence = ?, ical_timestamp = ?, ical_uid = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query, PushStatusSuccess, sequence, stamp.UTC(), icalUID, id)
	if err != nil {
		return fmt.Errorf("failed to complete push: %w", err)
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

// UpdateEventRevision stores the SEQUENCE and DTSTAMP of a remote copy that
// won the conflict check without changing content. updated_at and the push
// state are left as they are.
func (db *DB) UpdateEventRevision(id string, sequence int, stamp *time.Time) error {
	query := `UPDATE events SET sequence = ?, ical_timestamp = ? WHERE id = ?`

	result, err := db.conn.Exec(query, sequence, nullTime(stamp), id)
	if err != nil {
		return fmt.Errorf("failed to update event revision: %w", err)
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

// DeleteEvent removes an event; mappings and attendees cascade.
func (db *DB) DeleteEvent(id string) error {
	result, err := db.conn.Exec(`DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
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

// ReplaceEventAttendees swaps the event's attendee rows for the given set.
func (db *DB) ReplaceEventAttendees(eventID string, attendees []EventAttendee) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM event_attendees WHERE event_id = ?`, eventID); err != nil {
			return fmt.Errorf("failed to clear attendees: %w", err)
		}

		for _, a := range attendees {
			status := a.Status
			if status == "" {
				status = "needs-action"
			}
			_, err := tx.Exec(`INSERT OR IGNORE INTO event_attendees (event_id, user_id, status) VALUES (?, ?, ?)`,
				eventID, a.UserID, status)
			if err != nil {
				return fmt.Errorf("failed to insert attendee: %w", err)
			}
		}
		return nil
	})
}

// GetEventAttendees returns the attendee rows for an event.
func (db *DB) GetEventAttendees(eventID string) ([]EventAttendee, error) {
	rows, err := db.conn.Query(`SELECT event_id, user_id, status FROM event_attendees WHERE event_id = ? ORDER BY user_id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendees: %w", err)
	}
	defer rows.Close()

	var attendees []EventAttendee
	for rows.Next() {
		var a EventAttendee
		if err := rows.Scan(&a.EventID, &a.UserID, &a.Status); err != nil {
			return nil, fmt.Errorf("failed to scan attendee: %w", err)
		}
		attendees = append(attendees, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attendees: %w", err)
	}

	return attendees, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
