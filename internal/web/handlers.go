package web

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/antedwards/home-dashboard/internal/activity"
	"github.com/antedwards/home-dashboard/internal/auth"
	"github.com/antedwards/home-dashboard/internal/calsync"
	"github.com/antedwards/home-dashboard/internal/config"
	"github.com/antedwards/home-dashboard/internal/db"
	"github.com/antedwards/home-dashboard/internal/health"
	"github.com/antedwards/home-dashboard/internal/notify"
	"github.com/antedwards/home-dashboard/internal/scheduler"
	"github.com/antedwards/home-dashboard/internal/validator"
	"github.com/gin-gonic/gin"
)

// LoginProvider is the OIDC flow used by the auth handlers.
type LoginProvider interface {
	AuthCodeURL(state string) string
	Authenticate(ctx context.Context, code string) (*auth.OIDCClaims, error)
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Config    *config.Config
	DB        *db.DB
	OIDC      LoginProvider
	Session   *auth.SessionManager
	Registry  *calsync.Registry
	Scheduler *scheduler.Scheduler
	Activity  *activity.Tracker
	Notifier  *notify.Notifier
	Validator *validator.Validator
	Health    *health.Checker
	Logger    *slog.Logger
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	db        *db.DB
	oidc      LoginProvider
	session   *auth.SessionManager
	registry  *calsync.Registry
	scheduler *scheduler.Scheduler
	activity  *activity.Tracker
	notifier  *notify.Notifier
	validator *validator.Validator
	health    *health.Checker
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := deps.Validator
	if v == nil {
		v = validator.New()
	}
	return &Handlers{
		cfg:       deps.Config,
		db:        deps.DB,
		oidc:      deps.OIDC,
		session:   deps.Session,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		activity:  deps.Activity,
		notifier:  deps.Notifier,
		validator: v,
		health:    deps.Health,
		logger:    logger.With("component", "web"),
	}
}

// HealthCheck returns a full health report.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, h.health.Liveness())
}

// Readiness checks all dependencies. Degraded still counts as ready.
func (h *Handlers) Readiness(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	if report.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Login initiates OIDC authentication.
func (h *Handlers) Login(c *gin.Context) {
	state, err := auth.GenerateState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to generate state")})
		return
	}

	if err := h.session.SetOAuthState(c.Writer, c.Request, state); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to save state")})
		return
	}

	c.Redirect(http.StatusFound, h.oidc.AuthCodeURL(state))
}

// Callback handles the OIDC callback.
func (h *Handlers) Callback(c *gin.Context) {
	// Verify state
	state := c.Query("state")
	savedState, err := h.session.GetOAuthState(c.Writer, c.Request)
	if err != nil || state == "" || state != savedState {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state parameter"})
		return
	}

	// Check for error from OIDC provider
	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Authentication failed: " + errParam})
		return
	}

	claims, err := h.oidc.Authenticate(c.Request.Context(), c.Query("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(err, "Failed to verify login")})
		return
	}

	// First login creates the user together with a household
	user, err := h.db.GetOrCreateUser(claims.Email, claims.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create user")})
		return
	}

	sessionData := &auth.SessionData{
		UserID:      user.ID,
		HouseholdID: user.HouseholdID,
		Email:       user.Email,
		Name:        user.Name,
	}
	if err := h.session.Set(c.Writer, c.Request, sessionData); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create session")})
		return
	}

	// Check for redirect cookie with validation to prevent open redirect
	redirectURL := "/"
	if cookie, err := c.Cookie("redirect_after_login"); err == nil && cookie != "" {
		if IsSafeRedirectURL(cookie) {
			redirectURL = cookie
		}
		c.SetCookie("redirect_after_login", "", -1, "/", "", h.cfg.IsProduction(), true)
	}

	h.logger.Info("user logged in", "user_id", user.ID)
	c.Redirect(http.StatusFound, redirectURL)
}

// Logout clears the session.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.session.Clear(c.Writer, c.Request); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to logout"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}
