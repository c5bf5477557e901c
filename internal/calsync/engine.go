package calsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antedwards/home-dashboard/internal/caldav"
	"github.com/antedwards/home-dashboard/internal/crypto"
	"github.com/antedwards/home-dashboard/internal/db"
)

// Engine runs sync cycles for CalDAV connections.
type Engine struct {
	db         *db.DB
	encryptor  *crypto.Encryptor
	categories *CategoryMapper
	newRemote  RemoteFactory
	progress   ProgressReporter
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRemoteFactory sets how the engine opens CalDAV clients.
func WithRemoteFactory(factory RemoteFactory) Option {
	return func(e *Engine) {
		e.newRemote = factory
	}
}

// WithProgress publishes live progress to reporter.
func WithProgress(reporter ProgressReporter) Option {
	return func(e *Engine) {
		if reporter != nil {
			e.progress = reporter
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a sync engine.
func NewEngine(database *db.DB, encryptor *crypto.Encryptor, opts ...Option) *Engine {
	e := &Engine{
		db:         database,
		encryptor:  encryptor,
		categories: NewCategoryMapper(database),
		newRemote:  ClientFactory(),
		progress:   noopProgress{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// SyncAll runs a cycle for each connection in turn. A failing connection
// does not stop the others.
func (e *Engine) SyncAll(ctx context.Context, connections []*db.CalDAVConnection) []*SyncResult {
	results := make([]*SyncResult, 0, len(connections))
	for _, conn := range connections {
		results = append(results, e.SyncConnection(ctx, conn))
	}
	return results
}

// SyncConnection runs one pull-then-push cycle for a connection and records
// its outcome on the connection. It never returns an error; failures are
// reported in the result.
func (e *Engine) SyncConnection(ctx context.Context, conn *db.CalDAVConnection) (result *SyncResult) {
	start := e.clock()
	result = &SyncResult{
		ConnectionID: conn.ID,
		Calendars:    make([]CalendarResult, 0),
	}
	logger := e.logger.With("connection_id", conn.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync panicked", "panic", r)
			result.Success = false
			result.Message = fmt.Sprintf("sync failed: %v", r)
			e.finish(conn, result, start)
		}
	}()

	if err := e.db.UpdateConnectionSyncStatus(conn.ID, db.SyncStatusPending, "Sync in progress", nil); err != nil {
		logger.Warn("failed to mark sync pending", "error", err)
	}
	e.progress.StartSync(conn.ID, conn.Email, len(conn.EnabledCalendars()))

	if err := e.runCycle(ctx, conn, result, logger); err != nil {
		result.Success = false
		result.Message = err.Error()
		logger.Error("sync failed", "error", err)
	} else {
		result.Success = true
		result.Message = summarize(result)
		logger.Info("sync completed",
			"events_found", result.EventsFound,
			"synced", result.SyncedEvents,
			"errors", result.ErrorCount,
			"pushed", result.PushedEvents,
			"push_errors", result.PushErrorCount,
		)
	}

	e.finish(conn, result, start)
	return result
}

func (e *Engine) runCycle(ctx context.Context, conn *db.CalDAVConnection, result *SyncResult, logger *slog.Logger) error {
	remote, err := e.openRemote(conn)
	if err != nil {
		return err
	}

	calendars, err := e.resolveCalendars(ctx, conn, remote)
	if err != nil {
		return err
	}

	if err := e.pull(ctx, conn, remote, calendars, result, logger); err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	if err := e.push(ctx, conn, remote, calendars, result, logger); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	return nil
}

// finish records the cycle on the connection, in the sync log, and in the
// progress tracker. lastSyncAt only advances on success.
func (e *Engine) finish(conn *db.CalDAVConnection, result *SyncResult, start time.Time) {
	now := e.clock()
	result.Duration = now.Sub(start)

	status := db.SyncStatusSuccess
	var lastSyncAt *time.Time
	if result.Success {
		lastSyncAt = &now
	} else {
		status = db.SyncStatusError
	}

	if err := e.db.UpdateConnectionSyncStatus(conn.ID, status, result.Message, lastSyncAt); err != nil {
		e.logger.Error("failed to update sync status", "connection_id", conn.ID, "error", err)
	}

	syncLog := &db.SyncLog{
		ConnectionID:   conn.ID,
		Status:         status,
		Message:        result.Message,
		EventsFound:    result.EventsFound,
		SyncedEvents:   result.SyncedEvents,
		ErrorCount:     result.ErrorCount,
		PushedEvents:   result.PushedEvents,
		PushErrorCount: result.PushErrorCount,
		Duration:       result.Duration,
	}
	if err := e.db.CreateSyncLog(syncLog); err != nil {
		e.logger.Error("failed to create sync log", "connection_id", conn.ID, "error", err)
	}

	e.progress.FinishSync(conn.ID, result.Success, result.Message)
}

func summarize(result *SyncResult) string {
	msg := fmt.Sprintf("Pulled %d of %d events from %d calendars, pushed %d",
		result.SyncedEvents, result.EventsFound, len(result.Calendars), result.PushedEvents)
	if failed := result.ErrorCount + result.PushErrorCount; failed > 0 {
		msg += fmt.Sprintf(" (%d errors)", failed)
	}
	return msg
}

// openRemote decrypts the connection's password and opens a client.
func (e *Engine) openRemote(conn *db.CalDAVConnection) (Remote, error) {
	password, err := e.encryptor.Decrypt(conn.PasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt credentials: %w", ErrInvalidConnection, err)
	}

	remote, err := e.newRemote(conn.ServerURL, conn.Email, password)
	if err != nil {
		return nil, fmt.Errorf("failed to open CalDAV client: %w", err)
	}
	return remote, nil
}

// resolveCalendars returns the connection's enabled selected calendars, or
// every remote calendar when none is enabled.
func (e *Engine) resolveCalendars(ctx context.Context, conn *db.CalDAVConnection, remote Remote) ([]caldav.RemoteCalendar, error) {
	if enabled := conn.EnabledCalendars(); len(enabled) > 0 {
		calendars := make([]caldav.RemoteCalendar, 0, len(enabled))
		for _, sc := range enabled {
			calendars = append(calendars, caldav.RemoteCalendar{
				DisplayName: calendarName(sc.Name, sc.URL),
				URL:         sc.URL,
				Color:       sc.Color,
			})
		}
		return calendars, nil
	}

	calendars, err := remote.FetchCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	for i := range calendars {
		calendars[i].DisplayName = calendarName(calendars[i].DisplayName, calendars[i].URL)
	}
	return calendars, nil
}

// calendarName falls back to the last path segment of the calendar URL.
func calendarName(name, url string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	trimmed := strings.TrimSuffix(url, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx != -1 {
		trimmed = trimmed[idx+1:]
	}
	if trimmed == "" {
		return "Calendar"
	}
	return trimmed
}

// syncWindow is [now - pastDays, now + futureDays].
func syncWindow(conn *db.CalDAVConnection, now time.Time) *caldav.TimeRange {
	past := conn.SyncPastDays
	if past < 0 {
		past = 0
	}
	future := conn.SyncFutureDays
	if future < 0 {
		future = 0
	}
	return &caldav.TimeRange{
		Start: now.AddDate(0, 0, -past),
		End:   now.AddDate(0, 0, future),
	}
}
