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

// RetryResult counts the outcome of a bulk push retry.
type RetryResult struct {
	Pushed  int `json:"pushed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// IsPushEligible reports whether an event needs pushing: never pushed, last
// push failed, or edited since the last push.
func IsPushEligible(e *db.Event) bool {
	if e.LastPushAt == nil {
		return true
	}
	if e.LastPushStatus == db.PushStatusError {
		return true
	}
	return e.UpdatedAt.After(*e.LastPushAt)
}

// push sends every eligible event in the connection's categories. A failed
// event is recorded on the event and counted; it does not stop the others.
func (e *Engine) push(ctx context.Context, conn *db.CalDAVConnection, remote Remote, calendars []caldav.RemoteCalendar, result *SyncResult, logger *slog.Logger) error {
	events, err := e.db.GetEventsByConnection(conn.ID)
	if err != nil {
		return err
	}

	for _, event := range events {
		if !IsPushEligible(event) {
			continue
		}

		if err := e.pushEvent(ctx, conn, remote, calendars, event); err != nil {
			logger.Error("failed to push event", "event_id", event.ID, "error", err)
			result.PushErrorCount++
			result.addError(fmt.Sprintf("push %s: %v", event.ID, err))
			e.progress.IncrementPush(conn.ID, 0, 1)
			continue
		}
		result.PushedEvents++
		e.progress.IncrementPush(conn.ID, 1, 0)
	}

	return nil
}

// pushEvent marks the event pending, sends it, and records the outcome.
func (e *Engine) pushEvent(ctx context.Context, conn *db.CalDAVConnection, remote Remote, calendars []caldav.RemoteCalendar, event *db.Event) error {
	now := e.clock()

	if err := e.db.UpdateEventPushState(event.ID, db.PushStatusPending, &now, ""); err != nil {
		return err
	}

	if err := e.sendEvent(ctx, conn, remote, calendars, event, now); err != nil {
		if stateErr := e.db.UpdateEventPushState(event.ID, db.PushStatusError, &now, err.Error()); stateErr != nil {
			e.logger.Error("failed to record push error", "event_id", event.ID, "error", stateErr)
		}
		return err
	}

	return nil
}

// sendEvent creates or updates the remote object for event. The object is
// sent with the next SEQUENCE and a fresh DTSTAMP, which are stored locally
// once the server accepts it.
func (e *Engine) sendEvent(ctx context.Context, conn *db.CalDAVConnection, remote Remote, calendars []caldav.RemoteCalendar, event *db.Event, now time.Time) error {
	uid := event.ICalUID
	if uid == "" {
		uid = event.ID
	}

	outgoing := *event
	outgoing.ICalUID = uid
	outgoing.Sequence = event.Sequence + 1
	outgoing.ICalTimestamp = &now

	data, err := ics.Encode(&outgoing)
	if err != nil {
		return err
	}

	mapping, err := e.db.GetMappingByEvent(event.ID, conn.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if errors.Is(err, db.ErrNotFound) {
		mapping = nil
	}

	if mapping != nil && mapping.ExternalURL != "" {
		ref, err := remote.UpdateObject(ctx, caldav.ObjectUpdate{
			URL:  mapping.ExternalURL,
			Data: data,
			ETag: mapping.ETag,
		})
		if err != nil {
			return err
		}

		mapping.ETag = ref.ETag
		if ref.URL != "" {
			mapping.ExternalURL = ref.URL
		}
		if mapping.SyncDirection == db.SyncDirectionImport {
			mapping.SyncDirection = db.SyncDirectionBidirectional
		}
		mapping.LastSyncedAt = now
		if err := e.db.UpdateMapping(mapping); err != nil {
			return err
		}
	} else {
		target, err := e.pushTarget(mapping, event, calendars)
		if err != nil {
			return err
		}

		ref, err := remote.CreateObject(ctx, target, uid+".ics", data)
		if err != nil {
			return err
		}

		if mapping == nil {
			mapping = &db.EventMapping{
				EventID:          event.ID,
				ConnectionID:     conn.ID,
				ExternalUID:      uid,
				ExternalCalendar: target.DisplayName,
				ExternalURL:      ref.URL,
				ETag:             ref.ETag,
				SyncDirection:    db.SyncDirectionExport,
				LastSyncedAt:     now,
			}
			if err := e.db.CreateMapping(mapping); err != nil {
				return err
			}
		} else {
			mapping.ExternalUID = uid
			mapping.ExternalCalendar = target.DisplayName
			mapping.ExternalURL = ref.URL
			mapping.ETag = ref.ETag
			if mapping.SyncDirection == db.SyncDirectionImport {
				mapping.SyncDirection = db.SyncDirectionBidirectional
			}
			mapping.LastSyncedAt = now
			if err := e.db.UpdateMapping(mapping); err != nil {
				return err
			}
		}
	}

	return e.db.CompletePush(event.ID, outgoing.Sequence, now, uid)
}

// pushTarget picks the calendar a new remote object is created in: the
// mapping's calendar, then the calendar named like the event's category,
// then the first available calendar.
func (e *Engine) pushTarget(mapping *db.EventMapping, event *db.Event, calendars []caldav.RemoteCalendar) (caldav.RemoteCalendar, error) {
	if mapping != nil && mapping.ExternalCalendar != "" {
		if cal, ok := findCalendar(calendars, mapping.ExternalCalendar); ok {
			return cal, nil
		}
	}

	if event.CategoryID != "" {
		category, err := e.db.GetCategoryByID(event.CategoryID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return caldav.RemoteCalendar{}, err
		}
		if category != nil {
			if cal, ok := findCalendar(calendars, category.Name); ok {
				return cal, nil
			}
		}
	}

	if len(calendars) > 0 {
		return calendars[0], nil
	}
	return caldav.RemoteCalendar{}, ErrNoTargetCalendar
}

func findCalendar(calendars []caldav.RemoteCalendar, name string) (caldav.RemoteCalendar, bool) {
	for _, cal := range calendars {
		if strings.EqualFold(cal.DisplayName, name) {
			return cal, true
		}
	}
	return caldav.RemoteCalendar{}, false
}

// RetryPush pushes a single event of the household immediately.
func (e *Engine) RetryPush(ctx context.Context, householdID, eventID string) error {
	event, err := e.db.GetEventForHousehold(householdID, eventID)
	if err != nil {
		return err
	}

	conn, err := e.connectionForEvent(event)
	if err != nil {
		return err
	}

	remote, err := e.openRemote(conn)
	if err != nil {
		return err
	}
	calendars, err := e.resolveCalendars(ctx, conn, remote)
	if err != nil {
		return err
	}

	return e.pushEvent(ctx, conn, remote, calendars, event)
}

// RetryFailedPushes pushes every household event whose last push failed,
// opening each connection once.
func (e *Engine) RetryFailedPushes(ctx context.Context, householdID string) (*RetryResult, error) {
	events, err := e.db.GetFailedPushEvents(householdID)
	if err != nil {
		return nil, err
	}

	type target struct {
		conn      *db.CalDAVConnection
		remote    Remote
		calendars []caldav.RemoteCalendar
		err       error
	}
	targets := make(map[string]*target)
	result := &RetryResult{}

	for _, event := range events {
		conn, err := e.connectionForEvent(event)
		if err != nil {
			e.logger.Warn("skipping push retry", "event_id", event.ID, "error", err)
			result.Skipped++
			continue
		}

		t, ok := targets[conn.ID]
		if !ok {
			t = &target{conn: conn}
			t.remote, t.err = e.openRemote(conn)
			if t.err == nil {
				t.calendars, t.err = e.resolveCalendars(ctx, conn, t.remote)
			}
			targets[conn.ID] = t
		}
		if t.err != nil {
			e.logger.Error("push retry connection failed", "connection_id", conn.ID, "error", t.err)
			result.Failed++
			continue
		}

		if err := e.pushEvent(ctx, t.conn, t.remote, t.calendars, event); err != nil {
			e.logger.Error("push retry failed", "event_id", event.ID, "error", err)
			result.Failed++
			continue
		}
		result.Pushed++
	}

	return result, nil
}

// connectionForEvent returns the enabled connection the event's category is
// bound to.
func (e *Engine) connectionForEvent(event *db.Event) (*db.CalDAVConnection, error) {
	if event.CategoryID == "" {
		return nil, ErrNotSynced
	}

	category, err := e.db.GetCategoryByID(event.CategoryID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotSynced
		}
		return nil, err
	}
	if category.CalDAVConnectionID == "" {
		return nil, ErrNotSynced
	}

	conn, err := e.db.GetConnectionByID(category.CalDAVConnectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Enabled {
		return nil, fmt.Errorf("%w: connection %s is disabled", ErrInvalidConnection, conn.ID)
	}
	return conn, nil
}
