package calsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/antedwards/home-dashboard/internal/caldav"
	"github.com/antedwards/home-dashboard/internal/crypto"
	"github.com/antedwards/home-dashboard/internal/db"
)

// Default sync window for new connections.
const (
	DefaultSyncPastDays   = 30
	DefaultSyncFutureDays = 365
)

// ConnectionInput is what the setup flow submits for a new connection. A nil
// window field takes the registry default; zero is kept.
type ConnectionInput struct {
	UserID            string
	HouseholdID       string
	Email             string
	Password          string
	ServerURL         string
	SelectedCalendars []db.SelectedCalendar
	SyncPastDays      *int
	SyncFutureDays    *int
}

// ConnectionUpdate changes an existing connection. Nil fields are kept; an
// empty Password keeps the stored one.
type ConnectionUpdate struct {
	Email             *string
	Password          string
	ServerURL         *string
	SelectedCalendars []db.SelectedCalendar
	SyncPastDays      *int
	SyncFutureDays    *int
}

// Registry manages CalDAV connections and their encrypted credentials.
type Registry struct {
	db                *db.DB
	encryptor         *crypto.Encryptor
	newRemote         RemoteFactory
	defaultPastDays   int
	defaultFutureDays int
}

// NewRegistry creates a connection registry. Non-positive defaults fall back
// to DefaultSyncPastDays and DefaultSyncFutureDays.
func NewRegistry(database *db.DB, encryptor *crypto.Encryptor, factory RemoteFactory, pastDays, futureDays int) *Registry {
	if factory == nil {
		factory = ClientFactory()
	}
	if pastDays <= 0 {
		pastDays = DefaultSyncPastDays
	}
	if futureDays <= 0 {
		futureDays = DefaultSyncFutureDays
	}
	return &Registry{
		db:                database,
		encryptor:         encryptor,
		newRemote:         factory,
		defaultPastDays:   pastDays,
		defaultFutureDays: futureDays,
	}
}

// Test checks the credentials against the server and returns its calendars
// for selection.
func (r *Registry) Test(ctx context.Context, serverURL, email, password string) ([]caldav.RemoteCalendar, error) {
	remote, err := r.newRemote(serverURL, email, password)
	if err != nil {
		return nil, err
	}
	if err := remote.TestConnection(ctx); err != nil {
		return nil, err
	}
	return remote.FetchCalendars(ctx)
}

// Create stores a new enabled connection with its password encrypted.
func (r *Registry) Create(input ConnectionInput) (*db.CalDAVConnection, error) {
	if input.UserID == "" || input.HouseholdID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidConnection)
	}
	if strings.TrimSpace(input.ServerURL) == "" || strings.TrimSpace(input.Email) == "" || input.Password == "" {
		return nil, fmt.Errorf("%w: server URL, email and password are required", ErrInvalidConnection)
	}

	pastDays, err := windowDays(input.SyncPastDays, r.defaultPastDays)
	if err != nil {
		return nil, err
	}
	futureDays, err := windowDays(input.SyncFutureDays, r.defaultFutureDays)
	if err != nil {
		return nil, err
	}

	encrypted, err := r.encryptor.Encrypt(input.Password)
	if err != nil {
		return nil, err
	}

	conn := &db.CalDAVConnection{
		UserID:            input.UserID,
		HouseholdID:       input.HouseholdID,
		Email:             strings.TrimSpace(input.Email),
		PasswordEncrypted: encrypted,
		ServerURL:         strings.TrimSpace(input.ServerURL),
		Enabled:           true,
		SelectedCalendars: input.SelectedCalendars,
		SyncPastDays:      pastDays,
		SyncFutureDays:    futureDays,
	}
	if err := r.db.CreateConnection(conn); err != nil {
		return nil, err
	}

	return conn, nil
}

// Update applies changes to a user's connection.
func (r *Registry) Update(userID, id string, update ConnectionUpdate) (*db.CalDAVConnection, error) {
	conn, err := r.db.GetConnectionForUser(userID, id)
	if err != nil {
		return nil, err
	}

	if update.Email != nil {
		conn.Email = strings.TrimSpace(*update.Email)
	}
	if update.ServerURL != nil {
		conn.ServerURL = strings.TrimSpace(*update.ServerURL)
	}
	if update.Password != "" {
		encrypted, err := r.encryptor.Encrypt(update.Password)
		if err != nil {
			return nil, err
		}
		conn.PasswordEncrypted = encrypted
	}
	if update.SelectedCalendars != nil {
		conn.SelectedCalendars = update.SelectedCalendars
	}
	if update.SyncPastDays != nil {
		if conn.SyncPastDays, err = windowDays(update.SyncPastDays, conn.SyncPastDays); err != nil {
			return nil, err
		}
	}
	if update.SyncFutureDays != nil {
		if conn.SyncFutureDays, err = windowDays(update.SyncFutureDays, conn.SyncFutureDays); err != nil {
			return nil, err
		}
	}

	if conn.Email == "" || conn.ServerURL == "" {
		return nil, fmt.Errorf("%w: server URL and email are required", ErrInvalidConnection)
	}

	if err := r.db.UpdateConnection(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// SetEnabled pauses or resumes syncing of a user's connection.
func (r *Registry) SetEnabled(userID, id string, enabled bool) (*db.CalDAVConnection, error) {
	conn, err := r.db.GetConnectionForUser(userID, id)
	if err != nil {
		return nil, err
	}

	conn.Enabled = enabled
	if err := r.db.UpdateConnection(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Delete removes a user's connection. Its mappings go with it; its
// categories and events stay.
func (r *Registry) Delete(userID, id string) error {
	if _, err := r.db.GetConnectionForUser(userID, id); err != nil {
		return err
	}
	return r.db.DeleteConnection(id)
}

// Get returns a user's connection.
func (r *Registry) Get(userID, id string) (*db.CalDAVConnection, error) {
	return r.db.GetConnectionForUser(userID, id)
}

// List returns all of a user's connections.
func (r *Registry) List(userID string) ([]*db.CalDAVConnection, error) {
	return r.db.GetConnectionsByUserID(userID)
}

// Password decrypts a connection's stored password.
func (r *Registry) Password(conn *db.CalDAVConnection) (string, error) {
	return r.encryptor.Decrypt(conn.PasswordEncrypted)
}

// windowDays returns *v, or def when v is nil. Negative values are rejected.
func windowDays(v *int, def int) (int, error) {
	if v == nil {
		return def, nil
	}
	if *v < 0 {
		return 0, fmt.Errorf("%w: sync window days must not be negative", ErrInvalidConnection)
	}
	return *v, nil
}
