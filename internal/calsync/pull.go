package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antedwards/home-dashboard/internal/caldav"
	"github.com/antedwards/home-dashboard/internal/db"
	"github.com/antedwards/home-dashboard/internal/ics"
)

// mergeOutcome says what a merge did to local storage.
type mergeOutcome int

const (
	outcomeUnchanged mergeOutcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeCancelled
	outcomeIgnored
)

// IncomingWins reports whether a remote revision should replace the local
// one: a higher SEQUENCE wins, and on equal SEQUENCE a strictly newer
// DTSTAMP wins. Full ties keep the local copy. A nil DTSTAMP is the zero time.
func IncomingWins(inSeq int, inStamp *time.Time, exSeq int, exStamp *time.Time) bool {
	if inSeq != exSeq {
		return inSeq > exSeq
	}
	var in, ex time.Time
	if inStamp != nil {
		in = *inStamp
	}
	if exStamp != nil {
		ex = *exStamp
	}
	return in.After(ex)
}

// pull fetches every calendar and merges its events into local storage.
// Object and calendar failures are counted, not returned.
func (e *Engine) pull(ctx context.Context, conn *db.CalDAVConnection, remote Remote, calendars []caldav.RemoteCalendar, result *SyncResult, logger *slog.Logger) error {
	members, err := e.memberEmails(conn.HouseholdID)
	if err != nil {
		return err
	}

	window := syncWindow(conn, e.clock())

	for i, cal := range calendars {
		e.progress.UpdateCalendar(conn.ID, cal.DisplayName, i, len(calendars))
		calResult := e.pullCalendar(ctx, conn, remote, cal, window, members, result, logger)

		result.Calendars = append(result.Calendars, calResult)
		result.EventsFound += calResult.EventsFound
		result.SyncedEvents += calResult.Synced
		result.ErrorCount += calResult.Errors
		e.progress.IncrementPull(conn.ID, calResult.EventsFound, calResult.Synced, calResult.Errors)
	}

	return nil
}

func (e *Engine) pullCalendar(ctx context.Context, conn *db.CalDAVConnection, remote Remote, cal caldav.RemoteCalendar, window *caldav.TimeRange, members map[string]string, result *SyncResult, logger *slog.Logger) CalendarResult {
	calResult := CalendarResult{Name: cal.DisplayName}
	logger = logger.With("calendar", cal.DisplayName)

	objects, err := remote.FetchCalendarObjects(ctx, cal, window)
	if err != nil {
		logger.Error("failed to fetch calendar", "error", err)
		calResult.Errors++
		result.addError(fmt.Sprintf("%s: %v", cal.DisplayName, err))
		return calResult
	}

	for _, obj := range objects {
		parsed, err := ics.Decode(obj.Data, cal.DisplayName, obj.URL)
		if err != nil {
			logger.Error("failed to parse calendar object", "url", obj.URL, "error", err)
			calResult.Errors++
			result.addError(fmt.Sprintf("%s: %v", obj.URL, err))
			continue
		}

		for _, event := range masterEvents(parsed) {
			event.ETag = obj.ETag
			calResult.EventsFound++

			outcome, err := e.mergeEvent(conn, cal, event, members)
			if err != nil {
				logger.Error("failed to merge event", "uid", event.UID, "error", err)
				calResult.Errors++
				result.addError(fmt.Sprintf("%s: %v", event.UID, err))
				continue
			}
			if outcome != outcomeIgnored {
				calResult.Synced++
			}
		}
	}

	logger.Debug("calendar pulled", "found", calResult.EventsFound, "synced", calResult.Synced, "errors", calResult.Errors)
	return calResult
}

// masterEvents keeps one VEVENT per UID: the master when present, else the
// first recurrence override.
func masterEvents(events []ics.ParsedEvent) []ics.ParsedEvent {
	index := make(map[string]int, len(events))
	out := make([]ics.ParsedEvent, 0, len(events))
	for _, ev := range events {
		i, seen := index[ev.UID]
		switch {
		case !seen:
			index[ev.UID] = len(out)
			out = append(out, ev)
		case out[i].IsOverride() && !ev.IsOverride():
			out[i] = ev
		}
	}
	return out
}

// mergeEvent applies one decoded remote event to local storage.
func (e *Engine) mergeEvent(conn *db.CalDAVConnection, cal caldav.RemoteCalendar, parsed ics.ParsedEvent, members map[string]string) (mergeOutcome, error) {
	now := e.clock()

	mapping, err := e.db.GetMappingByUID(conn.ID, parsed.UID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return outcomeIgnored, err
	}
	if errors.Is(err, db.ErrNotFound) {
		mapping = nil
	}

	if parsed.Status == db.EventStatusCancelled {
		return e.cancelEvent(mapping, now)
	}

	if mapping == nil {
		return e.importEvent(conn, cal, parsed, members, now)
	}

	event, err := e.db.GetEventByID(mapping.EventID)
	if err != nil {
		return outcomeIgnored, fmt.Errorf("failed to load mapped event: %w", err)
	}

	if !IncomingWins(parsed.Sequence, parsed.Timestamp, event.Sequence, event.ICalTimestamp) {
		return outcomeUnchanged, e.db.TouchMapping(mapping.ID, now)
	}

	changed := applyParsed(event, parsed)
	if mapping.ExternalCalendar != cal.DisplayName {
		categoryID, err := e.categories.FindOrCreate(conn.HouseholdID, conn.UserID, cal.DisplayName, conn.ID, cal.Color)
		if err != nil {
			return outcomeIgnored, err
		}
		if event.CategoryID != categoryID {
			event.CategoryID = categoryID
			changed = true
		}
	}

	mapping.ExternalCalendar = cal.DisplayName
	mapping.LastSyncedAt = now
	if parsed.ExternalURL != "" {
		mapping.ExternalURL = parsed.ExternalURL
	}
	if parsed.ETag != "" {
		mapping.ETag = parsed.ETag
	}

	if !changed {
		// Keep the winning revision so a later local edit still outranks it.
		if err := e.db.UpdateEventRevision(event.ID, parsed.Sequence, parsed.Timestamp); err != nil {
			return outcomeIgnored, err
		}
		return outcomeUnchanged, e.db.UpdateMapping(mapping)
	}

	event.Sequence = parsed.Sequence
	event.ICalTimestamp = parsed.Timestamp
	markPulled(event, now)
	if err := e.db.UpdateEvent(event); err != nil {
		return outcomeIgnored, err
	}
	if err := e.db.UpdateMapping(mapping); err != nil {
		return outcomeIgnored, err
	}
	if err := e.syncAttendees(event.ID, parsed.Attendees, members); err != nil {
		return outcomeIgnored, err
	}

	return outcomeUpdated, nil
}

// cancelEvent soft-deletes the mapped event. Without a mapping it is a no-op.
func (e *Engine) cancelEvent(mapping *db.EventMapping, now time.Time) (mergeOutcome, error) {
	if mapping == nil {
		return outcomeIgnored, nil
	}

	event, err := e.db.GetEventByID(mapping.EventID)
	if err != nil {
		return outcomeIgnored, fmt.Errorf("failed to load mapped event: %w", err)
	}

	if event.Status != db.EventStatusCancelled {
		event.Status = db.EventStatusCancelled
		markPulled(event, now)
		if err := e.db.UpdateEvent(event); err != nil {
			return outcomeIgnored, err
		}
	}

	if err := e.db.TouchMapping(mapping.ID, now); err != nil {
		return outcomeIgnored, err
	}
	return outcomeCancelled, nil
}

// importEvent creates the local event and its import mapping.
func (e *Engine) importEvent(conn *db.CalDAVConnection, cal caldav.RemoteCalendar, parsed ics.ParsedEvent, members map[string]string, now time.Time) (mergeOutcome, error) {
	categoryID, err := e.categories.FindOrCreate(conn.HouseholdID, conn.UserID, cal.DisplayName, conn.ID, cal.Color)
	if err != nil {
		return outcomeIgnored, err
	}

	event := &db.Event{
		HouseholdID: conn.HouseholdID,
		UserID:      conn.UserID,
		CategoryID:  categoryID,
		ICalUID:     parsed.UID,
		Sequence:    parsed.Sequence,
		CreatedAt:   now,
	}
	applyParsed(event, parsed)
	event.ICalTimestamp = parsed.Timestamp
	markPulled(event, now)

	mapping := &db.EventMapping{
		ConnectionID:     conn.ID,
		ExternalUID:      parsed.UID,
		ExternalCalendar: cal.DisplayName,
		ExternalURL:      parsed.ExternalURL,
		ETag:             parsed.ETag,
		SyncDirection:    db.SyncDirectionImport,
		LastSyncedAt:     now,
		CreatedAt:        now,
	}

	if err := e.db.InsertEventWithMapping(event, mapping); err != nil {
		return outcomeIgnored, err
	}
	if err := e.syncAttendees(event.ID, parsed.Attendees, members); err != nil {
		return outcomeIgnored, err
	}

	return outcomeCreated, nil
}

// markPulled stamps an event written from remote content as already in
// sync, so the push phase does not send it straight back.
func markPulled(event *db.Event, now time.Time) {
	event.UpdatedAt = now
	event.LastPushAt = &now
	event.LastPushStatus = db.PushStatusSuccess
	event.LastPushError = ""
}

// applyParsed copies the remote content fields onto event and reports
// whether any of them differed.
func applyParsed(event *db.Event, parsed ics.ParsedEvent) bool {
	changed := event.Title != parsed.Title ||
		event.Description != parsed.Description ||
		event.Location != parsed.Location ||
		event.AllDay != parsed.AllDay ||
		!event.StartTime.Equal(parsed.StartTime) ||
		!event.EndTime.Equal(parsed.EndTime) ||
		event.RecurrenceRule != parsed.RecurrenceRule ||
		event.Status != parsed.Status ||
		event.OrganizerEmail != parsed.OrganizerEmail ||
		event.OrganizerName != parsed.OrganizerName ||
		!sameAttendees(event.ExternalAttendees, parsed.Attendees)

	event.Title = parsed.Title
	event.Description = parsed.Description
	event.Location = parsed.Location
	event.AllDay = parsed.AllDay
	event.StartTime = parsed.StartTime.UTC()
	event.EndTime = parsed.EndTime.UTC()
	event.RecurrenceRule = parsed.RecurrenceRule
	event.Status = parsed.Status
	event.OrganizerEmail = parsed.OrganizerEmail
	event.OrganizerName = parsed.OrganizerName
	event.ExternalAttendees = parsed.Attendees

	return changed
}

func sameAttendees(a, b []db.ExternalAttendee) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// memberEmails maps lowercased member emails to user IDs.
func (e *Engine) memberEmails(householdID string) (map[string]string, error) {
	members, err := e.db.GetHouseholdMembers(householdID)
	if err != nil {
		return nil, fmt.Errorf("failed to load household members: %w", err)
	}

	emails := make(map[string]string, len(members))
	for _, m := range members {
		emails[strings.ToLower(m.Email)] = m.ID
	}
	return emails, nil
}

// syncAttendees rebuilds the event's attendee rows from the remote list,
// keeping only household members. Events without remote attendees keep
// their rows.
func (e *Engine) syncAttendees(eventID string, attendees []db.ExternalAttendee, members map[string]string) error {
	if len(attendees) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(attendees))
	rows := make([]db.EventAttendee, 0, len(attendees))
	for _, a := range attendees {
		userID, ok := members[strings.ToLower(a.Email)]
		if !ok || seen[userID] {
			continue
		}
		seen[userID] = true
		rows = append(rows, db.EventAttendee{
			EventID: eventID,
			UserID:  userID,
			Status:  a.PartStat,
		})
	}

	return e.db.ReplaceEventAttendees(eventID, rows)
}
