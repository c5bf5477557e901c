// Package calsync reconciles local household events with remote CalDAV
// calendars: pull (remote to local), push (local to remote), and the
// orchestration of a full cycle per connection.
package calsync

import (
	"context"
	"errors"
	"time"

	"github.com/antedwards/home-dashboard/internal/caldav"
)

var (
	ErrRemoteDeleteFailed = errors.New("remote delete failed")
	ErrNoTargetCalendar   = errors.New("no target calendar for push")
	ErrNotSynced          = errors.New("event is not in a synced category")
	ErrInvalidConnection  = errors.New("invalid connection")
)

// Remote is the CalDAV capability the engine syncs against.
type Remote interface {
	TestConnection(ctx context.Context) error
	FetchCalendars(ctx context.Context) ([]caldav.RemoteCalendar, error)
	FetchCalendarObjects(ctx context.Context, cal caldav.RemoteCalendar, tr *caldav.TimeRange) ([]caldav.RemoteObject, error)
	CreateObject(ctx context.Context, cal caldav.RemoteCalendar, filename, data string) (*caldav.ObjectRef, error)
	UpdateObject(ctx context.Context, update caldav.ObjectUpdate) (*caldav.ObjectRef, error)
	DeleteObject(ctx context.Context, url, etag string) error
}

// RemoteFactory opens a Remote for a server using plaintext credentials.
type RemoteFactory func(serverURL, username, password string) (Remote, error)

// ClientFactory returns a RemoteFactory backed by caldav.Client.
func ClientFactory(opts ...caldav.ClientOption) RemoteFactory {
	return func(serverURL, username, password string) (Remote, error) {
		return caldav.NewClient(serverURL, username, password, opts...)
	}
}

// ProgressReporter receives live progress of running sync cycles.
type ProgressReporter interface {
	StartSync(connectionID, name string, totalCalendars int)
	UpdateCalendar(connectionID, calendarName string, index, total int)
	IncrementPull(connectionID string, found, synced, errors int)
	IncrementPush(connectionID string, pushed, failed int)
	FinishSync(connectionID string, success bool, message string)
}

type noopProgress struct{}

func (noopProgress) StartSync(string, string, int) {}
func (noopProgress) UpdateCalendar(string, string, int, int) {}
func (noopProgress) IncrementPull(string, int, int, int) {}
func (noopProgress) IncrementPush(string, int, int) {}
func (noopProgress) FinishSync(string, bool, string) {}

// CalendarResult holds the pull counters of one remote calendar.
type CalendarResult struct {
	Name        string `json:"name"`
	EventsFound int    `json:"eventsFound"`
	Synced      int    `json:"synced"`
	Errors      int    `json:"errors"`
}

// SyncResult is the outcome of one sync cycle for a connection.
type SyncResult struct {
	ConnectionID   string           `json:"connectionId"`
	Success        bool             `json:"success"`
	Message        string           `json:"message"`
	EventsFound    int              `json:"eventsFound"`
	SyncedEvents   int              `json:"syncedEvents"`
	ErrorCount     int              `json:"errorCount"`
	PushedEvents   int              `json:"pushedEvents"`
	PushErrorCount int              `json:"pushErrorCount"`
	Calendars      []CalendarResult `json:"calendars"`
	Errors         []string         `json:"errors,omitempty"`
	Duration       time.Duration    `json:"duration"`
}

const maxResultErrors = 50

// addError records a per-item failure message, keeping the list bounded.
func (r *SyncResult) addError(msg string) {
	if len(r.Errors) < maxResultErrors {
		r.Errors = append(r.Errors, msg)
	}
}
