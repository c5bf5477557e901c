package db

import (
	"encoding/json"
	"time"
)

// SyncStatus represents the status of a connection's last sync cycle.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// PushStatus represents the outcome of the last push of an event.
type PushStatus string

const (
	PushStatusPending PushStatus = "pending"
	PushStatusSuccess PushStatus = "success"
	PushStatusError   PushStatus = "error"
)

// EventStatus mirrors the iCalendar STATUS of an event.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusCancelled EventStatus = "cancelled"
	EventStatusTentative EventStatus = "tentative"
)

// ValidEventStatuses contains all valid event status values.
var ValidEventStatuses = map[EventStatus]bool{
	EventStatusConfirmed: true,
	EventStatusCancelled: true,
	EventStatusTentative: true,
}

// IsValid returns true if the event status is a known valid value.
func (s EventStatus) IsValid() bool {
	return ValidEventStatuses[s]
}

// SyncDirection records how a mapping came to exist.
type SyncDirection string

const (
	SyncDirectionImport        SyncDirection = "import"
	SyncDirectionExport        SyncDirection = "export"
	SyncDirectionBidirectional SyncDirection = "bidirectional"
)

// CategoryVisibility controls who in a household sees a category.
type CategoryVisibility string

const (
	VisibilityHousehold CategoryVisibility = "household"
	VisibilityPrivate   CategoryVisibility = "private"
	VisibilityShared    CategoryVisibility = "shared"
)

// CategorySource records whether a category was created by hand or by sync.
type CategorySource string

const (
	CategorySourceManual CategorySource = "manual"
	CategorySourceCalDAV CategorySource = "caldav"
)

// Household is the tenant boundary.
type Household struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// User represents a household member.
type User struct {
	ID          string    `json:"id"`
	HouseholdID string    `json:"householdId"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Category groups events. CalDAV-sourced categories map 1:1 to a remote
// calendar name.
type Category struct {
	ID                 string             `json:"id"`
	HouseholdID        string             `json:"householdId"`
	OwnerID            string             `json:"ownerId"`
	Name               string             `json:"name"`
	Color              string             `json:"color"`
	Visibility         CategoryVisibility `json:"visibility"`
	CalDAVConnectionID string             `json:"caldavConnectionId,omitempty"` // empty = not bound
	Source             CategorySource     `json:"source"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// ExternalAttendee is an ATTENDEE as seen on the remote object.
type ExternalAttendee struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	PartStat string `json:"partstat,omitempty"`
}

// Event is the canonical local representation of a calendar entry.
type Event struct {
	ID             string      `json:"id"`
	HouseholdID    string      `json:"householdId"`
	UserID         string      `json:"userId"`
	CategoryID     string      `json:"categoryId,omitempty"`
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	Location       string      `json:"location,omitempty"`
	AllDay         bool        `json:"allDay"`
	StartTime      time.Time   `json:"startTime"`
	EndTime        time.Time   `json:"endTime"`
	RecurrenceRule string      `json:"recurrenceRule,omitempty"`
	ICalUID        string      `json:"icalUid,omitempty"`
	Status         EventStatus `json:"status"`
	Sequence       int         `json:"sequence"`
	ICalTimestamp  *time.Time  `json:"icalTimestamp,omitempty"`

	OrganizerEmail    string             `json:"organizerEmail,omitempty"`
	OrganizerName     string             `json:"organizerName,omitempty"`
	ExternalAttendees []ExternalAttendee `json:"externalAttendees"`

	// Metadata is local-only and never leaves this store.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	LastPushAt     *time.Time `json:"lastPushAt,omitempty"`
	LastPushStatus PushStatus `json:"lastPushStatus,omitempty"`
	LastPushError  string     `json:"lastPushError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EventAttendee links an event to a household member.
type EventAttendee struct {
	EventID string `json:"eventId"`
	UserID  string `json:"userId"`
	Status  string `json:"status"`
}

// SelectedCalendar is a remote calendar chosen during connection setup.
type SelectedCalendar struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
	Color   string `json:"color,omitempty"`
}

// CalDAVConnection is one user's link to an external CalDAV account.
type CalDAVConnection struct {
	ID                string             `json:"id"`
	UserID            string             `json:"userId"`
	HouseholdID       string             `json:"householdId"`
	Email             string             `json:"email"`
	PasswordEncrypted string             `json:"-"`
	ServerURL         string             `json:"serverUrl"`
	Enabled           bool               `json:"enabled"`
	SelectedCalendars []SelectedCalendar `json:"selectedCalendars"`
	SyncPastDays      int                `json:"syncPastDays"`
	SyncFutureDays    int                `json:"syncFutureDays"`
	LastSyncAt        *time.Time         `json:"lastSyncAt,omitempty"`
	LastSyncStatus    SyncStatus         `json:"lastSyncStatus,omitempty"`
	LastSyncError     string             `json:"lastSyncError,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// EnabledCalendars returns the selected calendars that are switched on.
func (c *CalDAVConnection) EnabledCalendars() []SelectedCalendar {
	var out []SelectedCalendar
	for _, cal := range c.SelectedCalendars {
		if cal.Enabled {
			out = append(out, cal)
		}
	}
	return out
}

// EventMapping correlates a local event with one remote object on one
// connection.
type EventMapping struct {
	ID               string        `json:"id"`
	EventID          string        `json:"eventId"`
	ConnectionID     string        `json:"caldavConnectionId"`
	ExternalUID      string        `json:"externalUid"`
	ExternalCalendar string        `json:"externalCalendar"`
	ExternalURL      string        `json:"externalUrl,omitempty"`
	ETag             string        `json:"etag,omitempty"`
	SyncDirection    SyncDirection `json:"syncDirection"`
	LastSyncedAt     time.Time     `json:"lastSyncedAt"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// SyncLog is the record of one sync cycle for a connection.
type SyncLog struct {
	ID             string        `json:"id"`
	ConnectionID   string        `json:"connectionId"`
	Status         SyncStatus    `json:"status"`
	Message        string        `json:"message"`
	EventsFound    int           `json:"eventsFound"`
	SyncedEvents   int           `json:"syncedEvents"`
	ErrorCount     int           `json:"errorCount"`
	PushedEvents   int           `json:"pushedEvents"`
	PushErrorCount int           `json:"pushErrorCount"`
	Duration       time.Duration `json:"duration"`
	CreatedAt      time.Time     `json:"createdAt"`
}
