package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antedwards/home-dashboard/internal/activity"
	"github.com/antedwards/home-dashboard/internal/auth"
	"github.com/antedwards/home-dashboard/internal/caldav"
	"github.com/antedwards/home-dashboard/internal/calsync"
	"github.com/antedwards/home-dashboard/internal/config"
	"github.com/antedwards/home-dashboard/internal/crypto"
	"github.com/antedwards/home-dashboard/internal/db"
	"github.com/antedwards/home-dashboard/internal/health"
	"github.com/antedwards/home-dashboard/internal/scheduler"
	"github.com/antedwards/home-dashboard/internal/validator"
	"github.com/gin-gonic/gin"
)

const testSessionSecret = "0123456789abcdef0123456789abcdef"

// stubRemote is a CalDAV server with no objects.
type stubRemote struct {
	mu sync.Mutex

	calendars []caldav.RemoteCalendar
	testErr   error
	deleteErr error

	lastUser     string
	lastPassword string
	deleted      []string

	// When set, FetchCalendars signals fetchStarted and waits on fetchRelease.
	fetchStarted chan struct{}
	fetchRelease chan struct{}
}

func (s *stubRemote) TestConnection(ctx context.Context) error {
	return s.testErr
}

func (s *stubRemote) FetchCalendars(ctx context.Context) ([]caldav.RemoteCalendar, error) {
	s.mu.Lock()
	started, release := s.fetchStarted, s.fetchRelease
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-release
	}
	return append([]caldav.RemoteCalendar(nil), s.calendars...), nil
}

// holdSync starts a sync of conn that stays running until the returned
// function is called.
func (env *testEnv) holdSync(t *testing.T, conn *db.CalDAVConnection) func() {
	t.Helper()

	started := make(chan struct{})
	release := make(chan struct{})
	env.remote.mu.Lock()
	env.remote.fetchStarted = started
	env.remote.fetchRelease = release
	env.remote.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := env.scheduler.SyncNow(context.Background(), conn.ID); err != nil {
			t.Errorf("held sync failed: %v", err)
		}
	}()
	<-started

	return func() {
		env.remote.mu.Lock()
		env.remote.fetchStarted = nil
		env.remote.fetchRelease = nil
		env.remote.mu.Unlock()
		close(release)
		<-done
	}
}

func (s *stubRemote) FetchCalendarObjects(ctx context.Context, cal caldav.RemoteCalendar, tr *caldav.TimeRange) ([]caldav.RemoteObject, error) {
	return nil, nil
}

func (s *stubRemote) CreateObject(ctx context.Context, cal caldav.RemoteCalendar, filename, data string) (*caldav.ObjectRef, error) {
	return &caldav.ObjectRef{URL: strings.TrimSuffix(cal.URL, "/") + "/" + filename, ETag: "etag-new"}, nil
}

func (s *stubRemote) UpdateObject(ctx context.Context, update caldav.ObjectUpdate) (*caldav.ObjectRef, error) {
	return &caldav.ObjectRef{URL: update.URL, ETag: "etag-updated"}, nil
}

func (s *stubRemote) DeleteObject(ctx context.Context, url, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, url)
	return nil
}

func (s *stubRemote) factory() calsync.RemoteFactory {
	return func(serverURL, username, password string) (calsync.Remote, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lastUser = username
		s.lastPassword = password
		return s, nil
	}
}

func (s *stubRemote) credentials() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUser, s.lastPassword
}

// testEnv holds test dependencies.
type testEnv struct {
	db        *db.DB
	remote    *stubRemote
	registry  *calsync.Registry
	scheduler *scheduler.Scheduler
	session   *auth.SessionManager
	cfg       *config.Config
	handlers  *Handlers
	user      *db.User
}

// setupTestHandlers creates handlers backed by a temp database and a stub
// CalDAV server.
func setupTestHandlers(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	encryptor, err := crypto.NewEncryptor("test-encryption-secret")
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	remote := &stubRemote{
		calendars: []caldav.RemoteCalendar{{DisplayName: "Family", URL: "/cal/family/"}},
	}
	tracker := activity.NewTracker()
	engine := calsync.NewEngine(database, encryptor,
		calsync.WithRemoteFactory(remote.factory()),
		calsync.WithProgress(tracker),
	)
	registry := calsync.NewRegistry(database, encryptor, remote.factory(), 0, 0)

	sched := scheduler.New(database, engine, nil, scheduler.Options{})
	if err := sched.Start(""); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	t.Cleanup(sched.Stop)

	cfg := &config.Config{
		Server:       config.ServerConfig{BaseURL: "http://localhost:8080", Environment: config.EnvDevelopment},
		Security:     config.SecurityConfig{CronSecret: "cron-secret"},
		RateLimiting: config.RateLimitConfig{RPS: 100, Burst: 100},
	}
	sm := auth.NewSessionManager(testSessionSecret, false, 0)

	user, err := database.GetOrCreateUser("alex@example.com", "Alex")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	handlers := NewHandlers(Deps{
		Config:    cfg,
		DB:        database,
		Session:   sm,
		Registry:  registry,
		Scheduler: sched,
		Activity:  tracker,
		Validator: validator.New(validator.WithAllowHTTP(), validator.WithAllowPrivateIPs()),
		Health:    health.NewChecker(database),
	})

	return &testEnv{
		db:        database,
		remote:    remote,
		registry:  registry,
		scheduler: sched,
		session:   sm,
		cfg:       cfg,
		handlers:  handlers,
		user:      user,
	}
}

func (env *testEnv) sessionFor(user *db.User) *auth.SessionData {
	return &auth.SessionData{
		UserID:      user.ID,
		HouseholdID: user.HouseholdID,
		Email:       user.Email,
		Name:        user.Name,
		CSRFToken:   "test-csrf-token",
	}
}

// call invokes a handler directly with the given session in the context.
func call(handler gin.HandlerFunc, method, target, body string, params gin.Params, session *auth.SessionData) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	c.Request = httptest.NewRequest(method, target, reader)
	if body != "" {
		c.Request.Header.Set("Content-Type", "application/json")
	}
	c.Params = params
	if session != nil {
		c.Set(auth.ContextKeySession, session)
	}

	handler(c)
	return w
}

func idParam(id string) gin.Params {
	return gin.Params{{Key: "id", Value: id}}
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func (env *testEnv) createConnection(t *testing.T, user *db.User, email string) *db.CalDAVConnection {
	t.Helper()
	conn, err := env.registry.Create(calsync.ConnectionInput{
		UserID:      user.ID,
		HouseholdID: user.HouseholdID,
		Email:       email,
		Password:    "app-password",
		ServerURL:   "https://caldav.example.com/",
	})
	if err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}
	return conn
}

func (env *testEnv) createEvent(t *testing.T, categoryID string) *db.Event {
	t.Helper()
	start := time.Date(2025, 2, 3, 15, 0, 0, 0, time.UTC)
	event := &db.Event{
		HouseholdID: env.user.HouseholdID,
		UserID:      env.user.ID,
		CategoryID:  categoryID,
		Title:       "Dentist",
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
	}
	if err := env.db.CreateEvent(event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}
	return event
}
