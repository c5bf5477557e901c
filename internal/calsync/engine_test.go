package calsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antedwards/home-dashboard/internal/caldav"
	"github.com/antedwards/home-dashboard/internal/db"
)

// recordingProgress captures progress callbacks.
type recordingProgress struct {
	mu       sync.Mutex
	started  []string
	found    int
	synced   int
	pushed   int
	finished map[string]bool
}

func newRecordingProgress() *recordingProgress {
	return &recordingProgress{finished: make(map[string]bool)}
}

func (p *recordingProgress) StartSync(id, name string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, id)
}

func (p *recordingProgress) UpdateCalendar(id, calendarName string, index, total int) {}

func (p *recordingProgress) IncrementPull(id string, found, synced, errs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.found += found
	p.synced += synced
}

func (p *recordingProgress) IncrementPush(id string, pushed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed += pushed
}

func (p *recordingProgress) FinishSync(id string, success bool, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished[id] = success
}

func TestSyncConnectionRecordsSuccess(t *testing.T) {
	env := setupTestEnv(t, workCalendar)
	progress := newRecordingProgress()
	env.engine.progress = progress
	env.remote.put(workCalendar.URL, "/cal/work/abc123.ics", "etag-a", standup("Standup", 0, "20250101T000000Z"))

	result := env.engine.SyncConnection(context.Background(), env.conn)
	if !result.Success {
		t.Fatalf("sync failed: %s", result.Message)
	}
	if result.Message == "" {
		t.Error("expected summary message")
	}

	conn := env.reloadConnection(t)
	if conn.LastSyncStatus != db.SyncStatusSuccess {
		t.Errorf("expected success status, got %q", conn.LastSyncStatus)
	}
	if conn.LastSyncAt == nil || !conn.LastSyncAt.Equal(env.clock.Now()) {
		t.Errorf("expected lastSyncAt to be now, got %v", conn.LastSyncAt)
	}

	logs, err := env.db.GetSyncLogs(conn.ID, 10)
	if err != nil {
		t.Fatalf("failed to get logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != db.SyncStatusSuccess || logs[0].SyncedEvents != 1 {
		t.Errorf("unexpected sync logs %+v", logs)
	}

	if len(progress.started) != 1 || !progress.finished[conn.ID] {
		t.Errorf("unexpected progress %+v", progress)
	}
	if progress.found != 1 || progress.synced != 1 {
		t.Errorf("expected pull progress 1/1, got %d/%d", progress.found, progress.synced)
	}
}

func TestSyncConnectionRecordsFailure(t *testing.T) {
	env := setupTestEnv(t, workCalendar)
	ctx := context.Background()

	env.engine.SyncConnection(ctx, env.conn)
	firstSync := env.reloadConnection(t).LastSyncAt
	if firstSync == nil {
		t.Fatal("expected first sync to set lastSyncAt")
	}

	env.clock.Advance(time.Hour)
	env.remote.calendarsErr = errors.New("boom")
	result := env.engine.SyncConnection(ctx, env.conn)
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Message, "boom") {
		t.Errorf("expected cause in message, got %q", result.Message)
	}

	conn := env.reloadConnection(t)
	if conn.LastSyncStatus != db.SyncStatusError || !strings.Contains(conn.LastSyncError, "boom") {
		t.Errorf("unexpected status %q %q", conn.LastSyncStatus, conn.LastSyncError)
	}
	if conn.LastSyncAt == nil || !conn.LastSyncAt.Equal(*firstSync) {
		t.Errorf("failure must not move lastSyncAt: %v -> %v", firstSync, conn.LastSyncAt)
	}

	logs, _ := env.db.GetSyncLogs(conn.ID, 10)
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
}

func TestSyncConnectionInvalidCredentials(t *testing.T) {
	env := setupTestEnv(t, workCalendar)
	env.conn.PasswordEncrypted = "not-ciphertext"

	result := env.engine.SyncConnection(context.Background(), env.conn)
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Message, ErrInvalidConnection.Error()) {
		t.Errorf("unexpected message %q", result.Message)
	}
}

func TestSyncConnectionRecoversPanic(t *testing.T) {
	env := setupTestEnv(t, workCalendar)
	env.engine.newRemote = func(serverURL, username, password string) (Remote, error) {
		panic("client exploded")
	}

	result := env.engine.SyncConnection(context.Background(), env.conn)
	if result.Success || !strings.Contains(result.Message, "client exploded") {
		t.Errorf("unexpected result %+v", result)
	}
	if conn := env.reloadConnection(t); conn.LastSyncStatus != db.SyncStatusError {
		t.Errorf("expected error status, got %q", conn.LastSyncStatus)
	}
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	env := setupTestEnv(t, workCalendar)

	wrong, err := env.encryptor.Encrypt("wrong-password")
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	broken := &db.CalDAVConnection{
		UserID:            env.user.ID,
		HouseholdID:       env.user.HouseholdID,
		Email:             "other@example.com",
		PasswordEncrypted: wrong,
		ServerURL:         "https://other.example.com/",
		Enabled:           true,
	}
	if err := env.db.CreateConnection(broken); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}

	results := env.engine.SyncAll(context.Background(), []*db.CalDAVConnection{broken, env.conn})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Success || results[0].ConnectionID != broken.ID {
		t.Errorf("expected broken connection to fail, got %+v", results[0])
	}
	if !results[1].Success || results[1].ConnectionID != env.conn.ID {
		t.Errorf("expected healthy connection to succeed, got %+v", results[1])
	}
}

func TestCalendarName(t *testing.T) {
	testCases := []struct {
		name     string
		display  string
		url      string
		expected string
	}{
		{"display name", " Work ", "/cal/work/", "Work"},
		{"last segment", "", "/cal/family/", "family"},
		{"no path", "", "/", "Calendar"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := calendarName(tc.display, tc.url); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestSyncWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	window := syncWindow(&db.CalDAVConnection{SyncPastDays: 7, SyncFutureDays: 14}, now)
	if !window.Start.Equal(now.AddDate(0, 0, -7)) || !window.End.Equal(now.AddDate(0, 0, 14)) {
		t.Errorf("unexpected window %v - %v", window.Start, window.End)
	}

	window = syncWindow(&db.CalDAVConnection{SyncPastDays: -5, SyncFutureDays: -5}, now)
	if !window.Start.Equal(now) || !window.End.Equal(now) {
		t.Errorf("negative days should clamp to now, got %v - %v", window.Start, window.End)
	}
}

func TestResolveCalendarsFallsBackToDiscovery(t *testing.T) {
	env := setupTestEnv(t, caldav.RemoteCalendar{URL: "/cal/unnamed/"})

	calendars, err := env.engine.resolveCalendars(context.Background(), env.conn, env.remote)
	if err != nil {
		t.Fatalf("resolveCalendars failed: %v", err)
	}
	if len(calendars) != 1 || calendars[0].DisplayName != "unnamed" {
		t.Errorf("unexpected calendars %+v", calendars)
	}
}
