package db

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "homecal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

// createTestUser creates a user in a new household.
func createTestUser(t *testing.T, db *DB, email string) *User {
	t.Helper()

	user, err := db.GetOrCreateUser(email, "Test User")
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

// createTestConnection creates an enabled connection for a user.
func createTestConnection(t *testing.T, db *DB, user *User) *CalDAVConnection {
	t.Helper()

	conn := &CalDAVConnection{
		UserID:            user.ID,
		HouseholdID:       user.HouseholdID,
		Email:             user.Email,
		PasswordEncrypted: "encrypted-password",
		ServerURL:         "https://caldav.example.com/",
		Enabled:           true,
		SyncPastDays:      30,
		SyncFutureDays:    365,
	}
	if err := db.CreateConnection(conn); err != nil {
		t.Fatalf("failed to create test connection: %v", err)
	}
	return conn
}

// createTestEvent creates a one-hour event in the user's household.
func createTestEvent(t *testing.T, db *DB, user *User, categoryID, title string) *Event {
	t.Helper()

	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	event := &Event{
		HouseholdID: user.HouseholdID,
		UserID:      user.ID,
		CategoryID:  categoryID,
		Title:       title,
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
	}
	if err := db.CreateEvent(event); err != nil {
		t.Fatalf("failed to create test event: %v", err)
	}
	return event
}

func TestGetOrCreateUser(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	t.Run("creates user with household", func(t *testing.T) {
		user := createTestUser(t, db, "alex@example.com")
		if user.HouseholdID == "" {
			t.Fatal("expected household ID")
		}
		if _, err := db.GetHousehold(user.HouseholdID); err != nil {
			t.Errorf("GetHousehold() error = %v", err)
		}
	})

	t.Run("returns existing user", func(t *testing.T) {
		first := createTestUser(t, db, "sam@example.com")
		second := createTestUser(t, db, "sam@example.com")
		if first.ID != second.ID {
			t.Errorf("expected same user, got %s and %s", first.ID, second.ID)
		}
	})

	t.Run("email lookup ignores case", func(t *testing.T) {
		createTestUser(t, db, "Casey@Example.com")
		user, err := db.GetUserByEmail("casey@example.com")
		if err != nil {
			t.Fatalf("GetUserByEmail() error = %v", err)
		}
		if user.Email != "Casey@Example.com" {
			t.Errorf("unexpected email %q", user.Email)
		}
	})
}

func TestGetHouseholdMembers(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	owner := createTestUser(t, db, "owner@example.com")
	if _, err := db.CreateUser(owner.HouseholdID, "partner@example.com", "Partner"); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	createTestUser(t, db, "stranger@example.com")

	members, err := db.GetHouseholdMembers(owner.HouseholdID)
	if err != nil {
		t.Fatalf("GetHouseholdMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 members, got %d", len(members))
	}

	_, err = db.CreateUser(owner.HouseholdID, "partner@example.com", "Again")
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestCategories(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	conn := createTestConnection(t, db, user)

	category := &Category{HouseholdID: user.HouseholdID, OwnerID: user.ID, Name: "Work", Color: "#3B82F6"}
	if err := db.CreateCategory(category); err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}

	t.Run("defaults visibility and source", func(t *testing.T) {
		got, err := db.GetCategoryByName(user.HouseholdID, "Work")
		if err != nil {
			t.Fatalf("GetCategoryByName() error = %v", err)
		}
		if got.Visibility != VisibilityHousehold || got.Source != CategorySourceManual {
			t.Errorf("unexpected defaults: %s/%s", got.Visibility, got.Source)
		}
		if got.CalDAVConnectionID != "" {
			t.Errorf("expected unbound category, got %q", got.CalDAVConnectionID)
		}
	})

	t.Run("rejects duplicate name in household", func(t *testing.T) {
		dup := &Category{HouseholdID: user.HouseholdID, OwnerID: user.ID, Name: "Work", Color: "#000000"}
		if err := db.CreateCategory(dup); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("binds to connection", func(t *testing.T) {
		if err := db.SetCategoryConnection(category.ID, conn.ID); err != nil {
			t.Fatalf("SetCategoryConnection() error = %v", err)
		}
		bound, err := db.GetCategoriesByConnection(conn.ID)
		if err != nil {
			t.Fatalf("GetCategoriesByConnection() error = %v", err)
		}
		if len(bound) != 1 || bound[0].ID != category.ID {
			t.Errorf("expected category to be bound, got %v", bound)
		}
	})

	t.Run("counts caldav categories", func(t *testing.T) {
		synced := &Category{HouseholdID: user.HouseholdID, OwnerID: user.ID, Name: "Family", Color: "#10B981", Source: CategorySourceCalDAV}
		if err := db.CreateCategory(synced); err != nil {
			t.Fatalf("CreateCategory() error = %v", err)
		}
		count, err := db.CountCalDAVCategories(user.HouseholdID)
		if err != nil {
			t.Fatalf("CountCalDAVCategories() error = %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1, got %d", count)
		}
	})

	t.Run("deleting connection unbinds categories", func(t *testing.T) {
		if err := db.DeleteConnection(conn.ID); err != nil {
			t.Fatalf("DeleteConnection() error = %v", err)
		}
		got, err := db.GetCategoryByID(category.ID)
		if err != nil {
			t.Fatalf("GetCategoryByID() error = %v", err)
		}
		if got.CalDAVConnectionID != "" {
			t.Errorf("expected connection to be cleared, got %q", got.CalDAVConnectionID)
		}
	})
}

func TestEventRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	stamp := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	event := &Event{
		HouseholdID:    user.HouseholdID,
		UserID:         user.ID,
		Title:          "Standup",
		Location:       "Kitchen",
		StartTime:      start,
		EndTime:        start.Add(30 * time.Minute),
		RecurrenceRule: "FREQ=DAILY;COUNT=5",
		ICalUID:        "abc123",
		Sequence:       2,
		ICalTimestamp:  &stamp,
		OrganizerEmail: "boss@example.com",
		ExternalAttendees: []ExternalAttendee{
			{Email: "a@example.com", Name: "A", PartStat: "accepted"},
		},
		Metadata: json.RawMessage(`{"voice":{"utterance":"add standup"}}`),
	}
	if err := db.CreateEvent(event); err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	got, err := db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("GetEventByID() error = %v", err)
	}

	if got.Status != EventStatusConfirmed {
		t.Errorf("expected default status confirmed, got %s", got.Status)
	}
	if !got.StartTime.Equal(start) || !got.EndTime.Equal(event.EndTime) {
		t.Errorf("times changed: %v - %v", got.StartTime, got.EndTime)
	}
	if got.ICalTimestamp == nil || !got.ICalTimestamp.Equal(stamp) {
		t.Errorf("unexpected ical timestamp %v", got.ICalTimestamp)
	}
	if got.Sequence != 2 || got.RecurrenceRule != "FREQ=DAILY;COUNT=5" {
		t.Errorf("unexpected provenance: seq=%d rrule=%q", got.Sequence, got.RecurrenceRule)
	}
	if len(got.ExternalAttendees) != 1 || got.ExternalAttendees[0].PartStat != "accepted" {
		t.Errorf("unexpected attendees %+v", got.ExternalAttendees)
	}
	if string(got.Metadata) != `{"voice":{"utterance":"add standup"}}` {
		t.Errorf("metadata not preserved verbatim: %s", got.Metadata)
	}
	if got.LastPushAt != nil || got.LastPushStatus != "" {
		t.Errorf("expected no push state, got %v/%q", got.LastPushAt, got.LastPushStatus)
	}

	t.Run("scoped lookup", func(t *testing.T) {
		other := createTestUser(t, db, "other@example.com")
		if _, err := db.GetEventForHousehold(other.HouseholdID, event.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestEventTimeRange(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	event := &Event{HouseholdID: user.HouseholdID, UserID: user.ID, Title: "Backwards", StartTime: start, EndTime: start.Add(-time.Hour)}
	if err := db.CreateEvent(event); !errors.Is(err, ErrInvalidTimeRange) {
		t.Errorf("expected ErrInvalidTimeRange, got %v", err)
	}

	event.EndTime = start
	if err := db.CreateEvent(event); err != nil {
		t.Errorf("zero-length event should be accepted: %v", err)
	}
}

func TestInsertEventWithMapping(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	conn := createTestConnection(t, db, user)
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	newEvent := func() *Event {
		return &Event{HouseholdID: user.HouseholdID, UserID: user.ID, Title: "Imported", StartTime: start, EndTime: start}
	}

	mapping := &EventMapping{ConnectionID: conn.ID, ExternalUID: "uid-1", ExternalCalendar: "Work", SyncDirection: SyncDirectionImport}
	if err := db.InsertEventWithMapping(newEvent(), mapping); err != nil {
		t.Fatalf("InsertEventWithMapping() error = %v", err)
	}

	got, err := db.GetMappingByUID(conn.ID, "uid-1")
	if err != nil {
		t.Fatalf("GetMappingByUID() error = %v", err)
	}
	if got.EventID != mapping.EventID || got.SyncDirection != SyncDirectionImport {
		t.Errorf("unexpected mapping %+v", got)
	}

	t.Run("duplicate uid rolls back event insert", func(t *testing.T) {
		dup := &EventMapping{ConnectionID: conn.ID, ExternalUID: "uid-1", ExternalCalendar: "Work", SyncDirection: SyncDirectionImport}
		if err := db.InsertEventWithMapping(newEvent(), dup); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
		events, err := db.GetEventsByHousehold(user.HouseholdID)
		if err != nil {
			t.Fatalf("GetEventsByHousehold() error = %v", err)
		}
		if len(events) != 1 {
			t.Errorf("expected 1 event after rollback, got %d", len(events))
		}
	})
}

func TestPushStateUpdates(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	event := createTestEvent(t, db, user, "", "Dentist")
	updatedAt := event.UpdatedAt

	at := time.Now().UTC().Add(time.Minute)
	if err := db.UpdateEventPushState(event.ID, PushStatusError, &at, "boom"); err != nil {
		t.Fatalf("UpdateEventPushState() error = %v", err)
	}

	got, _ := db.GetEventByID(event.ID)
	if got.LastPushStatus != PushStatusError || got.LastPushError != "boom" {
		t.Errorf("unexpected push state %q/%q", got.LastPushStatus, got.LastPushError)
	}
	if !got.UpdatedAt.Equal(updatedAt) {
		t.Errorf("push state must not touch updated_at: %v -> %v", updatedAt, got.UpdatedAt)
	}

	stamp := at.Add(time.Second)
	if err := db.CompletePush(event.ID, 1, stamp, "uid-dentist"); err != nil {
		t.Fatalf("CompletePush() error = %v", err)
	}

	got, _ = db.GetEventByID(event.ID)
	if got.LastPushStatus != PushStatusSuccess || got.LastPushError != "" {
		t.Errorf("unexpected push state %q/%q", got.LastPushStatus, got.LastPushError)
	}
	if got.Sequence != 1 || got.ICalUID != "uid-dentist" {
		t.Errorf("unexpected sequence/uid %d/%q", got.Sequence, got.ICalUID)
	}
	if got.ICalTimestamp == nil || !got.ICalTimestamp.Equal(stamp) {
		t.Errorf("unexpected ical timestamp %v", got.ICalTimestamp)
	}
	if got.LastPushAt == nil || !got.LastPushAt.Equal(at) {
		t.Errorf("CompletePush must keep last_push_at, got %v", got.LastPushAt)
	}
	if !got.UpdatedAt.Equal(updatedAt) {
		t.Errorf("CompletePush must not touch updated_at")
	}

	if err := db.CompletePush("missing", 1, stamp, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateEventRevision(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	event := createTestEvent(t, db, user, "", "Standup")

	pushedAt := time.Now().UTC().Add(time.Minute)
	if err := db.UpdateEventPushState(event.ID, PushStatusSuccess, &pushedAt, ""); err != nil {
		t.Fatalf("UpdateEventPushState() error = %v", err)
	}
	before, _ := db.GetEventByID(event.ID)

	stamp := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := db.UpdateEventRevision(event.ID, 4, &stamp); err != nil {
		t.Fatalf("UpdateEventRevision() error = %v", err)
	}

	got, _ := db.GetEventByID(event.ID)
	if got.Sequence != 4 {
		t.Errorf("expected sequence 4, got %d", got.Sequence)
	}
	if got.ICalTimestamp == nil || !got.ICalTimestamp.Equal(stamp) {
		t.Errorf("unexpected ical timestamp %v", got.ICalTimestamp)
	}
	if !got.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("UpdateEventRevision must not touch updated_at")
	}
	if got.LastPushAt == nil || !got.LastPushAt.Equal(*before.LastPushAt) || got.LastPushStatus != PushStatusSuccess {
		t.Errorf("UpdateEventRevision must not touch push state, got %v %q", got.LastPushAt, got.LastPushStatus)
	}

	if err := db.UpdateEventRevision(event.ID, 5, nil); err != nil {
		t.Fatalf("UpdateEventRevision() error = %v", err)
	}
	got, _ = db.GetEventByID(event.ID)
	if got.Sequence != 5 || got.ICalTimestamp != nil {
		t.Errorf("expected sequence 5 without stamp, got %d %v", got.Sequence, got.ICalTimestamp)
	}

	if err := db.UpdateEventRevision("missing", 1, &stamp); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsByConnectionAndFailures(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	conn := createTestConnection(t, db, user)

	bound := &Category{HouseholdID: user.HouseholdID, OwnerID: user.ID, Name: "Work", Color: "#3B82F6", CalDAVConnectionID: conn.ID}
	unbound := &Category{HouseholdID: user.HouseholdID, OwnerID: user.ID, Name: "Chores", Color: "#10B981"}
	for _, c := range []*Category{bound, unbound} {
		if err := db.CreateCategory(c); err != nil {
			t.Fatalf("CreateCategory() error = %v", err)
		}
	}

	synced := createTestEvent(t, db, user, bound.ID, "Synced")
	createTestEvent(t, db, user, unbound.ID, "Local only")
	createTestEvent(t, db, user, "", "No category")

	events, err := db.GetEventsByConnection(conn.ID)
	if err != nil {
		t.Fatalf("GetEventsByConnection() error = %v", err)
	}
	if len(events) != 1 || events[0].ID != synced.ID {
		t.Errorf("expected only the synced event, got %d events", len(events))
	}

	now := time.Now().UTC()
	if err := db.UpdateEventPushState(synced.ID, PushStatusError, &now, "timeout"); err != nil {
		t.Fatalf("UpdateEventPushState() error = %v", err)
	}
	failed, err := db.GetFailedPushEvents(user.HouseholdID)
	if err != nil {
		t.Fatalf("GetFailedPushEvents() error = %v", err)
	}
	if len(failed) != 1 || failed[0].ID != synced.ID {
		t.Errorf("expected one failed event, got %d", len(failed))
	}
}

func TestDeleteEventCascades(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	conn := createTestConnection(t, db, user)
	event := createTestEvent(t, db, user, "", "Party")

	mapping := &EventMapping{EventID: event.ID, ConnectionID: conn.ID, ExternalUID: "party", ExternalCalendar: "Home", SyncDirection: SyncDirectionExport}
	if err := db.CreateMapping(mapping); err != nil {
		t.Fatalf("CreateMapping() error = %v", err)
	}
	if err := db.ReplaceEventAttendees(event.ID, []EventAttendee{{UserID: user.ID, Status: "accepted"}}); err != nil {
		t.Fatalf("ReplaceEventAttendees() error = %v", err)
	}

	if err := db.DeleteEvent(event.ID); err != nil {
		t.Fatalf("DeleteEvent() error = %v", err)
	}

	if _, err := db.GetMappingByEvent(event.ID, conn.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected mapping to cascade, got %v", err)
	}
	attendees, err := db.GetEventAttendees(event.ID)
	if err != nil {
		t.Fatalf("GetEventAttendees() error = %v", err)
	}
	if len(attendees) != 0 {
		t.Errorf("expected attendees to cascade, got %d", len(attendees))
	}
	if err := db.DeleteEvent(event.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestReplaceEventAttendees(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	partner, _ := db.CreateUser(user.HouseholdID, "partner@example.com", "Partner")
	event := createTestEvent(t, db, user, "", "Dinner")

	if err := db.ReplaceEventAttendees(event.ID, []EventAttendee{{UserID: user.ID}, {UserID: partner.ID}}); err != nil {
		t.Fatalf("ReplaceEventAttendees() error = %v", err)
	}
	if err := db.ReplaceEventAttendees(event.ID, []EventAttendee{{UserID: partner.ID, Status: "accepted"}}); err != nil {
		t.Fatalf("ReplaceEventAttendees() error = %v", err)
	}

	attendees, _ := db.GetEventAttendees(event.ID)
	if len(attendees) != 1 || attendees[0].UserID != partner.ID || attendees[0].Status != "accepted" {
		t.Errorf("unexpected attendees %+v", attendees)
	}
}

func TestMappings(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	conn := createTestConnection(t, db, user)
	event := createTestEvent(t, db, user, "", "Trip")

	mapping := &EventMapping{EventID: event.ID, ConnectionID: conn.ID, ExternalUID: "trip", ExternalCalendar: "Home", SyncDirection: SyncDirectionExport}
	if err := db.CreateMapping(mapping); err != nil {
		t.Fatalf("CreateMapping() error = %v", err)
	}

	t.Run("one mapping per event and connection", func(t *testing.T) {
		dup := &EventMapping{EventID: event.ID, ConnectionID: conn.ID, ExternalUID: "trip-2", ExternalCalendar: "Home", SyncDirection: SyncDirectionExport}
		if err := db.CreateMapping(dup); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("update and touch", func(t *testing.T) {
		mapping.ExternalURL = "/cal/home/trip.ics"
		mapping.ETag = `"2"`
		mapping.SyncDirection = SyncDirectionBidirectional
		if err := db.UpdateMapping(mapping); err != nil {
			t.Fatalf("UpdateMapping() error = %v", err)
		}

		later := mapping.LastSyncedAt.Add(time.Hour)
		if err := db.TouchMapping(mapping.ID, later); err != nil {
			t.Fatalf("TouchMapping() error = %v", err)
		}

		got, err := db.GetMappingByEvent(event.ID, conn.ID)
		if err != nil {
			t.Fatalf("GetMappingByEvent() error = %v", err)
		}
		if got.ExternalURL != "/cal/home/trip.ics" || got.ETag != `"2"` || got.SyncDirection != SyncDirectionBidirectional {
			t.Errorf("unexpected mapping %+v", got)
		}
		if !got.LastSyncedAt.Equal(later) {
			t.Errorf("expected last synced %v, got %v", later, got.LastSyncedAt)
		}

		count, _ := db.CountMappingsByConnection(conn.ID)
		if count != 1 {
			t.Errorf("expected 1 mapping, got %d", count)
		}
	})
}

func TestConnections(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	conn := createTestConnection(t, db, user)

	t.Run("selected calendars round trip", func(t *testing.T) {
		conn.SelectedCalendars = []SelectedCalendar{
			{Name: "Work", URL: "/cal/work/", Enabled: true, Color: "#FF0000"},
			{Name: "Birthdays", URL: "/cal/birthdays/", Enabled: false},
		}
		if err := db.UpdateConnection(conn); err != nil {
			t.Fatalf("UpdateConnection() error = %v", err)
		}

		got, err := db.GetConnectionForUser(user.ID, conn.ID)
		if err != nil {
			t.Fatalf("GetConnectionForUser() error = %v", err)
		}
		if len(got.SelectedCalendars) != 2 {
			t.Fatalf("expected 2 calendars, got %d", len(got.SelectedCalendars))
		}
		enabled := got.EnabledCalendars()
		if len(enabled) != 1 || enabled[0].Color != "#FF0000" {
			t.Errorf("unexpected enabled calendars %+v", enabled)
		}
	})

	t.Run("sync status keeps last sync time when nil", func(t *testing.T) {
		at := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
		if err := db.UpdateConnectionSyncStatus(conn.ID, SyncStatusSuccess, "", &at); err != nil {
			t.Fatalf("UpdateConnectionSyncStatus() error = %v", err)
		}
		if err := db.UpdateConnectionSyncStatus(conn.ID, SyncStatusError, "auth failed", nil); err != nil {
			t.Fatalf("UpdateConnectionSyncStatus() error = %v", err)
		}

		got, _ := db.GetConnectionByID(conn.ID)
		if got.LastSyncStatus != SyncStatusError || got.LastSyncError != "auth failed" {
			t.Errorf("unexpected status %q/%q", got.LastSyncStatus, got.LastSyncError)
		}
		if got.LastSyncAt == nil || !got.LastSyncAt.Equal(at) {
			t.Errorf("expected last sync %v, got %v", at, got.LastSyncAt)
		}
	})

	t.Run("enabled filters", func(t *testing.T) {
		disabled := createTestConnection(t, db, user)
		disabled.Enabled = false
		if err := db.UpdateConnection(disabled); err != nil {
			t.Fatalf("UpdateConnection() error = %v", err)
		}

		all, _ := db.GetConnectionsByUserID(user.ID)
		enabled, _ := db.GetEnabledConnectionsByUserID(user.ID)
		global, _ := db.GetEnabledConnections()
		if len(all) != 2 || len(enabled) != 1 || len(global) != 1 {
			t.Errorf("unexpected counts all=%d enabled=%d global=%d", len(all), len(enabled), len(global))
		}
	})

	t.Run("other users cannot read connection", func(t *testing.T) {
		other := createTestUser(t, db, "other@example.com")
		if _, err := db.GetConnectionForUser(other.ID, conn.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSyncLogs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "test@example.com")
	conn := createTestConnection(t, db, user)

	old := &SyncLog{ConnectionID: conn.ID, Status: SyncStatusSuccess, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	recent := &SyncLog{ConnectionID: conn.ID, Status: SyncStatusError, Message: "timeout", ErrorCount: 2, Duration: 1500 * time.Millisecond}
	for _, l := range []*SyncLog{old, recent} {
		if err := db.CreateSyncLog(l); err != nil {
			t.Fatalf("CreateSyncLog() error = %v", err)
		}
	}

	logs, err := db.GetSyncLogs(conn.ID, 10)
	if err != nil {
		t.Fatalf("GetSyncLogs() error = %v", err)
	}
	if len(logs) != 2 || logs[0].ID != recent.ID {
		t.Fatalf("expected newest first, got %d logs", len(logs))
	}
	if logs[0].Duration != 1500*time.Millisecond || logs[0].ErrorCount != 2 {
		t.Errorf("unexpected log %+v", logs[0])
	}

	deleted, err := db.CleanOldSyncLogs(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("CleanOldSyncLogs() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}
