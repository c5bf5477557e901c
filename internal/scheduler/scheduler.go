package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/antedwards/home-dashboard/internal/calsync"
	"github.com/antedwards/home-dashboard/internal/db"
	"github.com/robfig/cron/v3"
)

const (
	defaultSyncTimeout      = 10 * time.Minute
	defaultLogRetentionDays = 30
	cleanupSchedule         = "@daily"
)

var (
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrConnectionDisabled = errors.New("connection is disabled")
	ErrInvalidSchedule    = errors.New("invalid sync schedule")
	ErrSyncSkipped        = errors.New("sync skipped")
)

// Syncer runs sync cycles and the single-event writes that share a
// connection with them.
type Syncer interface {
	SyncConnection(ctx context.Context, conn *db.CalDAVConnection) *calsync.SyncResult
	RetryPush(ctx context.Context, householdID, eventID string) error
	RetryFailedPushes(ctx context.Context, householdID string) (*calsync.RetryResult, error)
	DeleteEvent(ctx context.Context, householdID, eventID string) error
}

// Alerter is told about each cycle's outcome.
type Alerter interface {
	SendFailureAlert(ctx context.Context, connectionID, connectionName, message string) bool
	SendRecoveryAlert(ctx context.Context, connectionID, connectionName string) bool
}

// Options tunes the scheduler. Zero values use the defaults.
type Options struct {
	SyncTimeout      time.Duration
	LogRetentionDays int
	Logger           *slog.Logger
}

// Scheduler runs sync cycles on a cron schedule and on demand. Every path
// into a cycle or an event write goes through a per-connection lock, so a
// connection never has two of them running at once.
type Scheduler struct {
	db      *db.DB
	syncer  Syncer
	alerter Alerter
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	cron      *cron.Cron
	mu        sync.Mutex
	syncLocks map[string]*sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// New creates a scheduler. alerter may be nil.
func New(database *db.DB, syncer Syncer, alerter Alerter, opts Options) *Scheduler {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	if opts.LogRetentionDays <= 0 {
		opts.LogRetentionDays = defaultLogRetentionDays
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:        database,
		syncer:    syncer,
		alerter:   alerter,
		opts:      opts,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		syncLocks: make(map[string]*sync.Mutex),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ValidateSchedule checks a standard five-field cron expression.
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, schedule, err)
	}
	return nil
}

// Start schedules a sync of every enabled connection on the given cron
// expression, plus a daily sync-log cleanup. An empty schedule only runs
// the cleanup.
func (s *Scheduler) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if schedule != "" {
		sched, err := cron.ParseStandard(schedule)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, schedule, err)
		}
		s.cron.Schedule(sched, cron.FuncJob(func() {
			s.RunAll(s.ctx)
		}))
	}

	if _, err := s.cron.AddFunc(cleanupSchedule, func() {
		if _, err := s.CleanupLogs(); err != nil {
			s.logger.Error("failed to clean old sync logs", "error", err)
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", "schedule", schedule)
	return nil
}

// Stop cancels running cycles and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether the cron schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// SyncNow runs a cycle for one connection and waits for it. It returns
// ErrSyncInProgress when the connection is already syncing.
func (s *Scheduler) SyncNow(ctx context.Context, connectionID string) (*calsync.SyncResult, error) {
	conn, err := s.db.GetConnectionByID(connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Enabled {
		return nil, ErrConnectionDisabled
	}

	result, ok := s.runLocked(ctx, conn)
	if !ok {
		return nil, ErrSyncInProgress
	}
	return result, nil
}

// SyncUser runs a cycle for each of the user's enabled connections in turn.
// Connections that are already syncing are reported as skipped.
func (s *Scheduler) SyncUser(ctx context.Context, userID string) ([]*calsync.SyncResult, error) {
	connections, err := s.db.GetEnabledConnectionsByUserID(userID)
	if err != nil {
		return nil, err
	}
	return s.syncEach(ctx, connections), nil
}

// RunAll runs a cycle for every enabled connection, one at a time.
func (s *Scheduler) RunAll(ctx context.Context) []*calsync.SyncResult {
	connections, err := s.db.GetEnabledConnections()
	if err != nil {
		s.logger.Error("failed to load connections", "error", err)
		return nil
	}

	results := s.syncEach(ctx, connections)
	s.logger.Info("scheduled sync finished", "connections", len(results))
	return results
}

// TriggerSync starts a cycle in the background.
func (s *Scheduler) TriggerSync(connectionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.SyncNow(s.ctx, connectionID); err != nil {
			s.logger.Warn("triggered sync not run", "connection_id", connectionID, "error", err)
		}
	}()
}

// CleanupLogs deletes sync logs older than the retention period.
func (s *Scheduler) CleanupLogs() (int64, error) {
	cutoff := s.now().AddDate(0, 0, -s.opts.LogRetentionDays)
	deleted, err := s.db.CleanOldSyncLogs(cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("cleaned old sync logs", "deleted", deleted)
	}
	return deleted, nil
}

// RetryPush pushes one event again. It returns ErrSyncInProgress when a
// connection the event syncs through is busy.
func (s *Scheduler) RetryPush(ctx context.Context, householdID, eventID string) error {
	ids, err := s.eventConnections(householdID, eventID)
	if err != nil {
		return err
	}
	return s.withLocks(ids, func() error {
		return s.syncer.RetryPush(ctx, householdID, eventID)
	})
}

// RetryFailedPushes pushes every failed household event again. It returns
// ErrSyncInProgress when any connection involved is busy.
func (s *Scheduler) RetryFailedPushes(ctx context.Context, householdID string) (*calsync.RetryResult, error) {
	events, err := s.db.GetFailedPushEvents(householdID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, event := range events {
		eventIDs, err := s.connectionsOf(event)
		if err != nil {
			return nil, err
		}
		ids = append(ids, eventIDs...)
	}

	var result *calsync.RetryResult
	err = s.withLocks(ids, func() error {
		var err error
		result, err = s.syncer.RetryFailedPushes(ctx, householdID)
		return err
	})
	return result, err
}

// DeleteEvent deletes an event and its remote copies. It returns
// ErrSyncInProgress when a connection holding a copy is busy.
func (s *Scheduler) DeleteEvent(ctx context.Context, householdID, eventID string) error {
	ids, err := s.eventConnections(householdID, eventID)
	if err != nil {
		return err
	}
	return s.withLocks(ids, func() error {
		return s.syncer.DeleteEvent(ctx, householdID, eventID)
	})
}

// syncEach runs the connections in turn. After ctx is done the rest are
// reported as skipped.
func (s *Scheduler) syncEach(ctx context.Context, connections []*db.CalDAVConnection) []*calsync.SyncResult {
	results := make([]*calsync.SyncResult, 0, len(connections))
	for _, conn := range connections {
		if err := ctx.Err(); err != nil {
			results = append(results, &calsync.SyncResult{
				ConnectionID: conn.ID,
				Message:      fmt.Sprintf("%s: %v", ErrSyncSkipped, err),
			})
			continue
		}
		result, ok := s.runLocked(ctx, conn)
		if !ok {
			result = &calsync.SyncResult{
				ConnectionID: conn.ID,
				Message:      ErrSyncInProgress.Error(),
			}
		}
		results = append(results, result)
	}
	return results
}

// getSyncLock returns the mutex for a connection, creating one if needed.
func (s *Scheduler) getSyncLock(connectionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.syncLocks[connectionID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.syncLocks[connectionID] = lock
	return lock
}

// eventConnections returns the connections a household event syncs through.
func (s *Scheduler) eventConnections(householdID, eventID string) ([]string, error) {
	event, err := s.db.GetEventForHousehold(householdID, eventID)
	if err != nil {
		return nil, err
	}
	return s.connectionsOf(event)
}

// connectionsOf lists the connection bound to the event's category and the
// connections holding a mapping of it.
func (s *Scheduler) connectionsOf(event *db.Event) ([]string, error) {
	var ids []string
	if event.CategoryID != "" {
		category, err := s.db.GetCategoryByID(event.CategoryID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if err == nil && category.CalDAVConnectionID != "" {
			ids = append(ids, category.CalDAVConnectionID)
		}
	}

	mappings, err := s.db.GetMappingsByEvent(event.ID)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		ids = append(ids, m.ConnectionID)
	}
	return ids, nil
}

// withLocks runs fn holding the lock of every listed connection. Locks are
// taken in ID order. When one is held elsewhere, fn does not run and
// ErrSyncInProgress is returned.
func (s *Scheduler) withLocks(connectionIDs []string, fn func() error) error {
	ids := slices.Clone(connectionIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	held := make([]*sync.Mutex, 0, len(ids))
	defer func() {
		for _, lock := range held {
			lock.Unlock()
		}
	}()

	for _, id := range ids {
		lock := s.getSyncLock(id)
		if !lock.TryLock() {
			s.logger.Info("skipping event write, connection is syncing", "connection_id", id)
			return ErrSyncInProgress
		}
		held = append(held, lock)
	}
	return fn()
}

// runLocked runs one cycle under the connection's lock. It reports false
// without syncing when another cycle holds the lock.
func (s *Scheduler) runLocked(ctx context.Context, conn *db.CalDAVConnection) (*calsync.SyncResult, bool) {
	lock := s.getSyncLock(conn.ID)
	if !lock.TryLock() {
		s.logger.Info("skipping sync, another sync is in progress", "connection_id", conn.ID)
		return nil, false
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.SyncTimeout)
	defer cancel()

	result := s.syncer.SyncConnection(ctx, conn)
	s.alert(ctx, conn, result)
	return result, true
}

func (s *Scheduler) alert(ctx context.Context, conn *db.CalDAVConnection, result *calsync.SyncResult) {
	if s.alerter == nil {
		return
	}
	if result.Success {
		s.alerter.SendRecoveryAlert(ctx, conn.ID, conn.Email)
		return
	}
	s.alerter.SendFailureAlert(ctx, conn.ID, conn.Email, result.Message)
}
