package activity

import (
	"sync"
	"time"
)

// Status values of a tracked sync cycle.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// SyncActivity represents the current state of a connection's sync cycle.
type SyncActivity struct {
	ConnectionID    string     `json:"connectionId"`
	ConnectionName  string     `json:"connectionName"`
	Status          string     `json:"status"`
	CurrentCalendar string     `json:"currentCalendar,omitempty"`
	TotalCalendars  int        `json:"totalCalendars"`
	CalendarsSynced int        `json:"calendarsSynced"`
	EventsFound     int        `json:"eventsFound"`
	SyncedEvents    int        `json:"syncedEvents"`
	ErrorCount      int        `json:"errorCount"`
	PushedEvents    int        `json:"pushedEvents"`
	PushErrorCount  int        `json:"pushErrorCount"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Duration        string     `json:"duration,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// Tracker tracks sync activity across all connections. It satisfies
// calsync.ProgressReporter.
type Tracker struct {
	mu             sync.RWMutex
	active         map[string]*SyncActivity // connectionID -> activity
	recent         []*SyncActivity
	maxRecentSyncs int
	now            func() time.Time
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:         make(map[string]*SyncActivity),
		recent:         make([]*SyncActivity, 0),
		maxRecentSyncs: 20,
		now:            time.Now,
	}
}

// StartSync begins tracking a cycle. totalCalendars may be zero when the
// calendars are discovered during the cycle.
func (t *Tracker) StartSync(connectionID, name string, totalCalendars int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[connectionID] = &SyncActivity{
		ConnectionID:   connectionID,
		ConnectionName: name,
		Status:         StatusRunning,
		TotalCalendars: totalCalendars,
		StartedAt:      t.now(),
	}
}

// UpdateCalendar records the calendar currently being pulled.
func (t *Tracker) UpdateCalendar(connectionID, calendarName string, index, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[connectionID]; exists {
		activity.CurrentCalendar = calendarName
		activity.CalendarsSynced = index
		activity.TotalCalendars = total
	}
}

// IncrementPull adds one calendar's pull counters.
func (t *Tracker) IncrementPull(connectionID string, found, synced, errors int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[connectionID]; exists {
		activity.EventsFound += found
		activity.SyncedEvents += synced
		activity.ErrorCount += errors
		activity.CalendarsSynced++
	}
}

// IncrementPush adds push counters.
func (t *Tracker) IncrementPush(connectionID string, pushed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[connectionID]; exists {
		activity.PushedEvents += pushed
		activity.PushErrorCount += failed
	}
}

// FinishSync marks a cycle as completed and moves it to recent.
func (t *Tracker) FinishSync(connectionID string, success bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	activity, exists := t.active[connectionID]
	if !exists {
		return
	}

	now := t.now()
	activity.CompletedAt = &now
	activity.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()
	activity.Message = message
	activity.CurrentCalendar = ""

	switch {
	case !success:
		activity.Status = StatusError
	case activity.ErrorCount+activity.PushErrorCount > 0:
		activity.Status = StatusPartial
	default:
		activity.Status = StatusCompleted
	}

	t.recent = append([]*SyncActivity{activity}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}

	delete(t.active, connectionID)
}

// GetActive returns all currently running cycles.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		copy := *activity
		copy.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &copy)
	}
	return result
}

// GetRecent returns recently completed cycles, newest first.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, activity := range t.recent {
		copy := *activity
		result[i] = &copy
	}
	return result
}

// GetAll returns both active and recent cycles.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsSyncing returns true if the connection has a running cycle.
func (t *Tracker) IsSyncing(connectionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[connectionID]
	return exists
}
