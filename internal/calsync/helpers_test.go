package calsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antedwards/home-dashboard/internal/caldav"
	"github.com/antedwards/home-dashboard/internal/crypto"
	"github.com/antedwards/home-dashboard/internal/db"
)

// fakeRemote is an in-memory CalDAV server.
type fakeRemote struct {
	mu sync.Mutex

	calendars []caldav.RemoteCalendar
	objects   map[string][]caldav.RemoteObject // calendar URL -> objects

	testErr      error
	calendarsErr error
	fetchErr     map[string]error
	createErr    error
	updateErr    error
	deleteErr    error

	// beforeWrite runs at the start of CreateObject and UpdateObject.
	beforeWrite func()

	created     []caldav.RemoteObject
	updates     []caldav.ObjectUpdate
	deleted     []string
	ranges      []*caldav.TimeRange
	etagCounter int
}

func newFakeRemote(calendars ...caldav.RemoteCalendar) *fakeRemote {
	return &fakeRemote{
		calendars: calendars,
		objects:   make(map[string][]caldav.RemoteObject),
		fetchErr:  make(map[string]error),
	}
}

func (f *fakeRemote) put(calURL, objURL, etag, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	objects := f.objects[calURL]
	for i := range objects {
		if objects[i].URL == objURL {
			objects[i] = caldav.RemoteObject{URL: objURL, ETag: etag, Data: data}
			return
		}
	}
	f.objects[calURL] = append(objects, caldav.RemoteObject{URL: objURL, ETag: etag, Data: data})
}

func (f *fakeRemote) nextETag() string {
	f.etagCounter++
	return fmt.Sprintf("etag-%d", f.etagCounter)
}

func (f *fakeRemote) TestConnection(ctx context.Context) error {
	return f.testErr
}

func (f *fakeRemote) FetchCalendars(ctx context.Context) ([]caldav.RemoteCalendar, error) {
	if f.calendarsErr != nil {
		return nil, f.calendarsErr
	}
	return append([]caldav.RemoteCalendar(nil), f.calendars...), nil
}

func (f *fakeRemote) FetchCalendarObjects(ctx context.Context, cal caldav.RemoteCalendar, tr *caldav.TimeRange) ([]caldav.RemoteObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ranges = append(f.ranges, tr)
	if err := f.fetchErr[cal.URL]; err != nil {
		return nil, err
	}
	return append([]caldav.RemoteObject(nil), f.objects[cal.URL]...), nil
}

func (f *fakeRemote) CreateObject(ctx context.Context, cal caldav.RemoteCalendar, filename, data string) (*caldav.ObjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	obj := caldav.RemoteObject{
		URL:  strings.TrimSuffix(cal.URL, "/") + "/" + filename,
		ETag: f.nextETag(),
		Data: data,
	}
	f.created = append(f.created, obj)
	return &caldav.ObjectRef{URL: obj.URL, ETag: obj.ETag}, nil
}

func (f *fakeRemote) UpdateObject(ctx context.Context, update caldav.ObjectUpdate) (*caldav.ObjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, update)
	return &caldav.ObjectRef{URL: update.URL, ETag: f.nextETag()}, nil
}

func (f *fakeRemote) DeleteObject(ctx context.Context, url, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, url)
	return nil
}

// testClock is a settable time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	db        *db.DB
	encryptor *crypto.Encryptor
	remote    *fakeRemote
	clock     *testClock
	engine    *Engine
	user      *db.User
	conn      *db.CalDAVConnection
}

// setupTestEnv creates a database with one user and one enabled connection,
// and an engine wired to a fake remote.
func setupTestEnv(t *testing.T, calendars ...caldav.RemoteCalendar) *testEnv {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "homecal-calsync-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		os.RemoveAll(tempDir)
	})

	encryptor, err := crypto.NewEncryptor("test-encryption-secret-for-sync")
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	user, err := database.GetOrCreateUser("alex@example.com", "Alex")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	password, err := encryptor.Encrypt("app-password")
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}

	conn := &db.CalDAVConnection{
		UserID:            user.ID,
		HouseholdID:       user.HouseholdID,
		Email:             user.Email,
		PasswordEncrypted: password,
		ServerURL:         "https://caldav.example.com/",
		Enabled:           true,
		SyncPastDays:      30,
		SyncFutureDays:    365,
	}
	if err := database.CreateConnection(conn); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}

	remote := newFakeRemote(calendars...)
	clock := newTestClock()
	engine := NewEngine(database, encryptor,
		WithClock(clock.Now),
		WithRemoteFactory(func(serverURL, username, pw string) (Remote, error) {
			if pw != "app-password" {
				return nil, errors.New("wrong password handed to factory")
			}
			return remote, nil
		}),
	)

	return &testEnv{
		db:        database,
		encryptor: encryptor,
		remote:    remote,
		clock:     clock,
		engine:    engine,
		user:      user,
		conn:      conn,
	}
}

// reloadConnection returns the connection as currently stored.
func (env *testEnv) reloadConnection(t *testing.T) *db.CalDAVConnection {
	t.Helper()
	conn, err := env.db.GetConnectionByID(env.conn.ID)
	if err != nil {
		t.Fatalf("failed to reload connection: %v", err)
	}
	return conn
}

// eventsInHousehold returns all of the test household's events.
func (env *testEnv) eventsInHousehold(t *testing.T) []*db.Event {
	t.Helper()
	events, err := env.db.GetEventsByHousehold(env.user.HouseholdID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	return events
}

// icsObject renders a one-VEVENT calendar from property lines.
func icsObject(lines ...string) string {
	all := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//Test//EN", "BEGIN:VEVENT"}
	all = append(all, lines...)
	all = append(all, "END:VEVENT", "END:VCALENDAR", "")
	return strings.Join(all, "\r\n")
}

// standup is the VEVENT used across pull scenarios.
func standup(summary string, sequence int, stamp string) string {
	return icsObject(
		"UID:abc123",
		"DTSTAMP:"+stamp,
		"DTSTART:20250101T090000Z",
		"DTEND:20250101T093000Z",
		"SUMMARY:"+summary,
		fmt.Sprintf("SEQUENCE:%d", sequence),
	)
}

var workCalendar = caldav.RemoteCalendar{DisplayName: "Work", URL: "/cal/work/"}
