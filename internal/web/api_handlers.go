package web

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antedwards/home-dashboard/internal/auth"
	"github.com/antedwards/home-dashboard/internal/caldav"
	"github.com/antedwards/home-dashboard/internal/calsync"
	"github.com/antedwards/home-dashboard/internal/db"
	"github.com/antedwards/home-dashboard/internal/scheduler"
	"github.com/antedwards/home-dashboard/internal/validator"
	"github.com/gin-gonic/gin"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 100
)

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		slog.Error(userMessage, "error", err)
	}
	return userMessage
}

// categorizeConnectionError returns a user-friendly message for a failed
// CalDAV connection attempt.
func categorizeConnectionError(err error) string {
	if err == nil {
		return "Connection failed"
	}

	switch {
	case errors.Is(err, caldav.ErrAuthFailed):
		return "Authentication failed. Please check your credentials."
	case errors.Is(err, caldav.ErrNotFound):
		return "Calendar home not found. Please check the URL."
	case errors.Is(err, validator.ErrHTTPSRequired):
		return "The server URL must use HTTPS."
	case errors.Is(err, validator.ErrPrivateIP):
		return "The server URL points to a private address."
	case errors.Is(err, validator.ErrInvalidURL):
		return "The server URL is not valid."
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Please check the URL."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused. Please verify the server is running."
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "Connection timed out. Please try again."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	default:
		return "Connection failed. Please check your settings."
	}
}

// APIConnection represents a CalDAV connection in JSON format for the API.
type APIConnection struct {
	ID                string                `json:"id"`
	Email             string                `json:"email"`
	ServerURL         string                `json:"serverUrl"`
	Enabled           bool                  `json:"enabled"`
	SelectedCalendars []db.SelectedCalendar `json:"selectedCalendars"`
	SyncPastDays      int                   `json:"syncPastDays"`
	SyncFutureDays    int                   `json:"syncFutureDays"`
	LastSyncAt        *string               `json:"lastSyncAt"`
	LastSyncStatus    string                `json:"lastSyncStatus"`
	LastSyncError     string                `json:"lastSyncError,omitempty"`
	Syncing           bool                  `json:"syncing"`
	CreatedAt         string                `json:"createdAt"`
	UpdatedAt         string                `json:"updatedAt"`
}

// APISyncLog represents a sync log in JSON format for the API.
type APISyncLog struct {
	ID             string   `json:"id"`
	Status         string   `json:"status"`
	Message        string   `json:"message"`
	EventsFound    int      `json:"eventsFound"`
	SyncedEvents   int      `json:"syncedEvents"`
	ErrorCount     int      `json:"errorCount"`
	PushedEvents   int      `json:"pushedEvents"`
	PushErrorCount int      `json:"pushErrorCount"`
	Duration       *float64 `json:"duration"`
	CreatedAt      string   `json:"createdAt"`
}

// APIAuthStatus represents auth status response.
type APIAuthStatus struct {
	Authenticated bool     `json:"authenticated"`
	User          *APIUser `json:"user,omitempty"`
	CSRFToken     string   `json:"csrfToken,omitempty"`
}

// APIUser represents a user in JSON format.
type APIUser struct {
	ID          string `json:"id"`
	HouseholdID string `json:"householdId"`
	Email       string `json:"email"`
	Name        string `json:"name"`
}

func (h *Handlers) connectionToAPI(conn *db.CalDAVConnection) *APIConnection {
	api := &APIConnection{
		ID:                conn.ID,
		Email:             conn.Email,
		ServerURL:         conn.ServerURL,
		Enabled:           conn.Enabled,
		SelectedCalendars: conn.SelectedCalendars,
		SyncPastDays:      conn.SyncPastDays,
		SyncFutureDays:    conn.SyncFutureDays,
		LastSyncStatus:    string(conn.LastSyncStatus),
		LastSyncError:     conn.LastSyncError,
		CreatedAt:         conn.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         conn.UpdatedAt.Format(time.RFC3339),
	}
	if conn.LastSyncAt != nil {
		ts := conn.LastSyncAt.Format(time.RFC3339)
		api.LastSyncAt = &ts
	}
	// Ensure selectedCalendars is never null in JSON
	if api.SelectedCalendars == nil {
		api.SelectedCalendars = []db.SelectedCalendar{}
	}
	if h.activity != nil {
		api.Syncing = h.activity.IsSyncing(conn.ID)
	}
	return api
}

func syncLogToAPI(l *db.SyncLog) *APISyncLog {
	api := &APISyncLog{
		ID:             l.ID,
		Status:         string(l.Status),
		Message:        l.Message,
		EventsFound:    l.EventsFound,
		SyncedEvents:   l.SyncedEvents,
		ErrorCount:     l.ErrorCount,
		PushedEvents:   l.PushedEvents,
		PushErrorCount: l.PushErrorCount,
		CreatedAt:      l.CreatedAt.Format(time.RFC3339),
	}
	if l.Duration > 0 {
		dur := l.Duration.Seconds()
		api.Duration = &dur
	}
	return api
}

// APIAuthStatus returns the authentication status.
func (h *Handlers) APIAuthStatus(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusOK, APIAuthStatus{Authenticated: false})
		return
	}

	c.JSON(http.StatusOK, APIAuthStatus{
		Authenticated: true,
		User: &APIUser{
			ID:          session.UserID,
			HouseholdID: session.HouseholdID,
			Email:       session.Email,
			Name:        session.Name,
		},
		CSRFToken: session.CSRFToken,
	})
}

// APIListConnections returns the user's connections.
func (h *Handlers) APIListConnections(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	connections, err := h.registry.List(session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load connections")})
		return
	}

	result := make([]*APIConnection, 0, len(connections))
	for _, conn := range connections {
		result = append(result, h.connectionToAPI(conn))
	}
	c.JSON(http.StatusOK, result)
}

// APIGetConnection returns one of the user's connections.
func (h *Handlers) APIGetConnection(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conn, err := h.registry.Get(session.UserID, c.Param("id"))
	if err != nil {
		h.respondLookupError(c, err, "Connection not found")
		return
	}
	c.JSON(http.StatusOK, h.connectionToAPI(conn))
}

// APITestConnectionRequest is the body of a connection test. An empty
// password with a connectionId tests with the stored password.
type APITestConnectionRequest struct {
	ConnectionID string `json:"connectionId"`
	ServerURL    string `json:"serverUrl"`
	Email        string `json:"email"`
	Password     string `json:"password"`
}

// APITestConnection checks credentials and returns the server's calendars.
func (h *Handlers) APITestConnection(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req APITestConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if req.Password == "" && req.ConnectionID != "" {
		conn, err := h.registry.Get(session.UserID, req.ConnectionID)
		if err != nil {
			h.respondLookupError(c, err, "Connection not found")
			return
		}
		password, err := h.registry.Password(conn)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to read stored credentials")})
			return
		}
		req.Password = password
		if req.ServerURL == "" {
			req.ServerURL = conn.ServerURL
		}
		if req.Email == "" {
			req.Email = conn.Email
		}
	}

	if req.ServerURL == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}

	calendars, ok := h.testServer(c, req.ServerURL, req.Email, req.Password)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "calendars": calendars})
}

// testServer validates the URL and connects. On failure it writes the
// response and reports false.
func (h *Handlers) testServer(c *gin.Context, serverURL, email, password string) ([]caldav.RemoteCalendar, bool) {
	ctx := c.Request.Context()
	if err := h.validator.ValidateServerURL(ctx, serverURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": categorizeConnectionError(err)})
		return nil, false
	}

	calendars, err := h.registry.Test(ctx, serverURL, email, password)
	if err != nil {
		h.logger.Warn("connection test failed", "server_url", serverURL, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": categorizeConnectionError(err)})
		return nil, false
	}
	if calendars == nil {
		calendars = []caldav.RemoteCalendar{}
	}
	return calendars, true
}

// APICreateConnectionRequest represents the request body for creating a connection.
type APICreateConnectionRequest struct {
	ServerURL         string                `json:"serverUrl"`
	Email             string                `json:"email"`
	Password          string                `json:"password"`
	SelectedCalendars []db.SelectedCalendar `json:"selectedCalendars"`
	SyncPastDays      *int                  `json:"syncPastDays"`
	SyncFutureDays    *int                  `json:"syncFutureDays"`
}

// APICreateConnection tests and stores a new connection, then starts its
// first sync in the background.
func (h *Handlers) APICreateConnection(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req APICreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.ServerURL == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}

	if _, ok := h.testServer(c, req.ServerURL, req.Email, req.Password); !ok {
		return
	}

	conn, err := h.registry.Create(calsync.ConnectionInput{
		UserID:            session.UserID,
		HouseholdID:       session.HouseholdID,
		Email:             req.Email,
		Password:          req.Password,
		ServerURL:         req.ServerURL,
		SelectedCalendars: req.SelectedCalendars,
		SyncPastDays:      req.SyncPastDays,
		SyncFutureDays:    req.SyncFutureDays,
	})
	if err != nil {
		if errors.Is(err, calsync.ErrInvalidConnection) || errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create connection")})
		return
	}

	h.scheduler.TriggerSync(conn.ID)

	c.JSON(http.StatusCreated, h.connectionToAPI(conn))
}

// APIUpdateConnectionRequest represents the request body for updating a
// connection. Omitted fields are kept; an empty password keeps the stored one.
type APIUpdateConnectionRequest struct {
	ServerURL         *string               `json:"serverUrl"`
	Email             *string               `json:"email"`
	Password          string                `json:"password,omitempty"`
	SelectedCalendars []db.SelectedCalendar `json:"selectedCalendars"`
	SyncPastDays      *int                  `json:"syncPastDays"`
	SyncFutureDays    *int                  `json:"syncFutureDays"`
}

// APIUpdateConnection updates an existing connection.
func (h *Handlers) APIUpdateConnection(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req APIUpdateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if req.ServerURL != nil {
		if err := h.validator.ValidateServerURL(c.Request.Context(), *req.ServerURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": categorizeConnectionError(err)})
			return
		}
	}

	conn, err := h.registry.Update(session.UserID, c.Param("id"), calsync.ConnectionUpdate{
		Email:             req.Email,
		Password:          req.Password,
		ServerURL:         req.ServerURL,
		SelectedCalendars: req.SelectedCalendars,
		SyncPastDays:      req.SyncPastDays,
		SyncFutureDays:    req.SyncFutureDays,
	})
	if err != nil {
		if errors.Is(err, calsync.ErrInvalidConnection) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.respondLookupError(c, err, "Connection not found")
		return
	}

	c.JSON(http.StatusOK, h.connectionToAPI(conn))
}

// APIToggleConnection pauses or resumes a connection.
func (h *Handlers) APIToggleConnection(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	connectionID := c.Param("id")
	conn, err := h.registry.Get(session.UserID, connectionID)
	if err != nil {
		h.respondLookupError(c, err, "Connection not found")
		return
	}

	conn, err = h.registry.SetEnabled(session.UserID, connectionID, !conn.Enabled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update connection")})
		return
	}

	c.JSON(http.StatusOK, h.connectionToAPI(conn))
}

// APIDeleteConnection deletes a connection. Its categories and events stay.
func (h *Handlers) APIDeleteConnection(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	connectionID := c.Param("id")
	if err := h.registry.Delete(session.UserID, connectionID); err != nil {
		h.respondLookupError(c, err, "Connection not found")
		return
	}
	if h.notifier != nil {
		h.notifier.ClearState(connectionID)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Connection deleted"})
}

// APIGetConnectionLogs returns the recent sync logs of a connection.
func (h *Handlers) APIGetConnectionLogs(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	connectionID := c.Param("id")
	if _, err := h.registry.Get(session.UserID, connectionID); err != nil {
		h.respondLookupError(c, err, "Connection not found")
		return
	}

	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = min(parsed, maxLogLimit)
	}

	logs, err := h.db.GetSyncLogs(connectionID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load sync logs")})
		return
	}

	result := make([]*APISyncLog, 0, len(logs))
	for _, l := range logs {
		result = append(result, syncLogToAPI(l))
	}
	c.JSON(http.StatusOK, result)
}

// APISyncRequest selects one connection, or all of the user's when empty.
type APISyncRequest struct {
	ConnectionID string `json:"connectionId"`
}

// APISync runs an interactive sync and returns its results.
func (h *Handlers) APISync(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req APISyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	ctx := c.Request.Context()
	if req.ConnectionID == "" {
		results, err := h.scheduler.SyncUser(ctx, session.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to sync")})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": nonNilResults(results)})
		return
	}

	if _, err := h.registry.Get(session.UserID, req.ConnectionID); err != nil {
		h.respondLookupError(c, err, "Connection not found")
		return
	}

	result, err := h.scheduler.SyncNow(ctx, req.ConnectionID)
	switch {
	case errors.Is(err, scheduler.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is already running for this connection"})
		return
	case errors.Is(err, scheduler.ErrConnectionDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Connection is disabled"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to sync")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": []*calsync.SyncResult{result}})
}

// APICronSync syncs every enabled connection. It is called by an external
// scheduler holding the cron secret.
func (h *Handlers) APICronSync(c *gin.Context) {
	results := h.scheduler.RunAll(c.Request.Context())

	succeeded := 0
	for _, result := range results {
		if result.Success {
			succeeded++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"connections": len(results),
		"succeeded":   succeeded,
		"results":     nonNilResults(results),
	})
}

// APIPushRetryRequest selects one event or every failed push.
type APIPushRetryRequest struct {
	EventID  string `json:"eventId"`
	RetryAll bool   `json:"retryAll"`
}

// APIPushRetry pushes failed events again.
func (h *Handlers) APIPushRetry(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req APIPushRetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	switch {
	case req.EventID != "":
		err := h.scheduler.RetryPush(ctx, session.HouseholdID, req.EventID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"success": true})
		case errors.Is(err, scheduler.ErrSyncInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "A sync is already running for this connection"})
		case errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		case errors.Is(err, calsync.ErrNotSynced), errors.Is(err, calsync.ErrInvalidConnection):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": sanitizeError(err, "Push failed")})
		}
	case req.RetryAll:
		result, err := h.scheduler.RetryFailedPushes(ctx, session.HouseholdID)
		if errors.Is(err, scheduler.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "A sync is already running for this connection"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to retry pushes")})
			return
		}
		c.JSON(http.StatusOK, result)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "eventId or retryAll is required"})
	}
}

// APISyncActivity returns running and recent sync cycles.
func (h *Handlers) APISyncActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.activity.GetAll())
}

// APIDeleteEvent deletes a household event and its remote copies.
func (h *Handlers) APIDeleteEvent(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	err := h.scheduler.DeleteEvent(c.Request.Context(), session.HouseholdID, c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Event deleted"})
	case errors.Is(err, scheduler.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is already running for this connection"})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
	case errors.Is(err, calsync.ErrRemoteDeleteFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": sanitizeError(err, "Failed to delete the event from the remote calendar")})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete event")})
	}
}

func (h *Handlers) respondLookupError(c *gin.Context, err error, notFound string) {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Internal error")})
}

func nonNilResults(results []*calsync.SyncResult) []*calsync.SyncResult {
	if results == nil {
		return []*calsync.SyncResult{}
	}
	return results
}
