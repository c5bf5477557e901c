package calsync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/antedwards/home-dashboard/internal/caldav"
	"github.com/antedwards/home-dashboard/internal/db"
)

func newTestRegistry(env *testEnv, pastDays, futureDays int) *Registry {
	return NewRegistry(env.db, env.encryptor, func(serverURL, username, password string) (Remote, error) {
		return env.remote, nil
	}, pastDays, futureDays)
}

func TestRegistryCreate(t *testing.T) {
	env := setupTestEnv(t)
	registry := newTestRegistry(env, 0, 0)

	conn, err := registry.Create(ConnectionInput{
		UserID:      env.user.ID,
		HouseholdID: env.user.HouseholdID,
		Email:       " alex@example.com ",
		Password:    "secret",
		ServerURL:   "https://caldav.icloud.com/",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !conn.Enabled || conn.Email != "alex@example.com" {
		t.Errorf("unexpected connection %+v", conn)
	}
	if conn.SyncPastDays != DefaultSyncPastDays || conn.SyncFutureDays != DefaultSyncFutureDays {
		t.Errorf("expected default window, got %d/%d", conn.SyncPastDays, conn.SyncFutureDays)
	}
	if conn.PasswordEncrypted == "secret" {
		t.Error("password stored in plaintext")
	}

	stored, err := registry.Get(env.user.ID, conn.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	password, err := registry.Password(stored)
	if err != nil || password != "secret" {
		t.Errorf("expected decrypted password, got %q (%v)", password, err)
	}

	t.Run("missing fields", func(t *testing.T) {
		_, err := registry.Create(ConnectionInput{UserID: env.user.ID, HouseholdID: env.user.HouseholdID, Email: "a@b.c"})
		if !errors.Is(err, ErrInvalidConnection) {
			t.Errorf("expected ErrInvalidConnection, got %v", err)
		}
	})

	t.Run("configured defaults", func(t *testing.T) {
		custom := newTestRegistry(env, 7, 90)
		conn, err := custom.Create(ConnectionInput{
			UserID: env.user.ID, HouseholdID: env.user.HouseholdID,
			Email: "a@b.c", Password: "p", ServerURL: "https://x.example.com/",
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if conn.SyncPastDays != 7 || conn.SyncFutureDays != 90 {
			t.Errorf("expected configured window, got %d/%d", conn.SyncPastDays, conn.SyncFutureDays)
		}
	})

	zero, week, negative := 0, 7, -1
	testCases := []struct {
		name       string
		past       *int
		future     *int
		wantPast   int
		wantFuture int
		wantErr    bool
	}{
		{"explicit zero past", &zero, nil, 0, DefaultSyncFutureDays, false},
		{"explicit zero future", &week, &zero, 7, 0, false},
		{"both unset", nil, nil, DefaultSyncPastDays, DefaultSyncFutureDays, false},
		{"negative past", &negative, nil, 0, 0, true},
		{"negative future", nil, &negative, 0, 0, true},
	}

	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conn, err := registry.Create(ConnectionInput{
				UserID: env.user.ID, HouseholdID: env.user.HouseholdID,
				Email: fmt.Sprintf("window%d@example.com", i), Password: "p", ServerURL: "https://x.example.com/",
				SyncPastDays: tc.past, SyncFutureDays: tc.future,
			})
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConnection) {
					t.Errorf("expected ErrInvalidConnection, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			stored, err := registry.Get(env.user.ID, conn.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if stored.SyncPastDays != tc.wantPast || stored.SyncFutureDays != tc.wantFuture {
				t.Errorf("expected window %d/%d, got %d/%d", tc.wantPast, tc.wantFuture, stored.SyncPastDays, stored.SyncFutureDays)
			}
		})
	}
}

func TestRegistryUpdate(t *testing.T) {
	env := setupTestEnv(t)
	registry := newTestRegistry(env, 0, 0)
	original := env.conn.PasswordEncrypted

	server := "https://new.example.com/"
	past := 10
	conn, err := registry.Update(env.user.ID, env.conn.ID, ConnectionUpdate{
		ServerURL:         &server,
		SyncPastDays:      &past,
		SelectedCalendars: []db.SelectedCalendar{{Name: "Work", URL: "/cal/work/", Enabled: true}},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if conn.ServerURL != server || conn.SyncPastDays != 10 || conn.SyncFutureDays != 365 {
		t.Errorf("unexpected connection %+v", conn)
	}
	if conn.Email != env.conn.Email || conn.PasswordEncrypted != original {
		t.Error("unset fields must be kept")
	}
	if len(env.reloadConnection(t).SelectedCalendars) != 1 {
		t.Error("expected selected calendars to be stored")
	}

	conn, err = registry.Update(env.user.ID, env.conn.ID, ConnectionUpdate{Password: "rotated"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if password, _ := registry.Password(conn); password != "rotated" {
		t.Errorf("expected rotated password, got %q", password)
	}

	zero := 0
	conn, err = registry.Update(env.user.ID, env.conn.ID, ConnectionUpdate{SyncPastDays: &zero})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if stored := env.reloadConnection(t); stored.SyncPastDays != 0 {
		t.Errorf("expected explicit zero past days to be kept, got %d", stored.SyncPastDays)
	}

	negative := -3
	if _, err := registry.Update(env.user.ID, env.conn.ID, ConnectionUpdate{SyncFutureDays: &negative}); !errors.Is(err, ErrInvalidConnection) {
		t.Errorf("expected ErrInvalidConnection for negative window, got %v", err)
	}

	empty := ""
	if _, err := registry.Update(env.user.ID, env.conn.ID, ConnectionUpdate{Email: &empty}); !errors.Is(err, ErrInvalidConnection) {
		t.Errorf("expected ErrInvalidConnection, got %v", err)
	}

	if _, err := registry.Update("someone-else", env.conn.ID, ConnectionUpdate{}); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound for other user, got %v", err)
	}
}

func TestRegistrySetEnabled(t *testing.T) {
	env := setupTestEnv(t)
	registry := newTestRegistry(env, 0, 0)

	if _, err := registry.SetEnabled(env.user.ID, env.conn.ID, false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}

	enabled, err := env.db.GetEnabledConnections()
	if err != nil {
		t.Fatalf("failed to list connections: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("expected no enabled connections, got %d", len(enabled))
	}
}

func TestRegistryDelete(t *testing.T) {
	env := setupTestEnv(t, workCalendar)
	registry := newTestRegistry(env, 0, 0)

	env.remote.put(workCalendar.URL, "/cal/work/abc123.ics", "etag-a", standup("Standup", 0, "20250101T000000Z"))
	env.engine.SyncConnection(context.Background(), env.conn)

	if err := registry.Delete("someone-else", env.conn.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound for other user, got %v", err)
	}
	if err := registry.Delete(env.user.ID, env.conn.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := env.db.GetMappingByUID(env.conn.ID, "abc123"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected mappings to cascade, got %v", err)
	}
	if n := len(env.eventsInHousehold(t)); n != 1 {
		t.Errorf("expected events to survive, got %d", n)
	}
	category, err := env.db.GetCategoryByName(env.user.HouseholdID, "Work")
	if err != nil {
		t.Fatalf("expected category to survive: %v", err)
	}
	if category.CalDAVConnectionID != "" {
		t.Errorf("expected category to be unbound, got %q", category.CalDAVConnectionID)
	}
}

func TestRegistryTest(t *testing.T) {
	env := setupTestEnv(t, workCalendar)
	registry := newTestRegistry(env, 0, 0)

	calendars, err := registry.Test(context.Background(), "https://caldav.example.com/", "alex@example.com", "pw")
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if len(calendars) != 1 || calendars[0].DisplayName != "Work" {
		t.Errorf("unexpected calendars %+v", calendars)
	}

	env.remote.testErr = caldav.ErrConnectionFailed
	if _, err := registry.Test(context.Background(), "https://caldav.example.com/", "alex@example.com", "pw"); !errors.Is(err, caldav.ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
}
