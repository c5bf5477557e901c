package web

import (
	"github.com/antedwards/home-dashboard/internal/auth"
	"github.com/antedwards/home-dashboard/internal/config"
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, sm *auth.SessionManager, cfg *config.Config) {
	r.Use(SecurityHeaders())

	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	// Auth endpoints with rate limiting to prevent brute force attacks
	authGroup := r.Group("/auth")
	authGroup.Use(RateLimiter(5, 10))
	{
		authGroup.GET("/login", h.Login)
		authGroup.GET("/callback", h.Callback)
		authGroup.POST("/logout", h.Logout)
	}

	apiRateLimiter := RateLimiter(cfg.RateLimiting.RPS, cfg.RateLimiting.Burst)

	// Cron endpoint authenticates with the shared secret, not a session
	cronGroup := r.Group("/api/cron")
	cronGroup.Use(RateLimiter(1, 2))
	cronGroup.Use(RequireCronSecret(cfg.Security.CronSecret))
	{
		cronGroup.GET("/sync", h.APICronSync)
	}

	apiGroup := r.Group("/api")
	apiGroup.Use(apiRateLimiter)
	apiGroup.Use(auth.OptionalAuth(sm))
	{
		apiGroup.GET("/auth/status", h.APIAuthStatus)
	}

	origins := AllowedOrigins(cfg.Server.BaseURL, cfg.IsDevelopment())

	// Protected API routes with rate limiting, origin validation, and content-type validation
	protectedAPI := r.Group("/api")
	protectedAPI.Use(apiRateLimiter)
	protectedAPI.Use(auth.RequireAuth(sm))
	protectedAPI.Use(ValidateOrigin(origins))
	protectedAPI.Use(auth.ValidateCSRF())
	protectedAPI.Use(RequireJSONContentType())
	{
		protectedAPI.GET("/connections", h.APIListConnections)
		protectedAPI.GET("/connections/:id", h.APIGetConnection)
		protectedAPI.PUT("/connections/:id", h.APIUpdateConnection)
		protectedAPI.POST("/connections/:id/toggle", h.APIToggleConnection)
		protectedAPI.DELETE("/connections/:id", h.APIDeleteConnection)
		protectedAPI.GET("/connections/:id/logs", h.APIGetConnectionLogs)
		protectedAPI.GET("/sync/activity", h.APISyncActivity)
		protectedAPI.DELETE("/events/:id", h.APIDeleteEvent)
	}

	// Expensive operations with stricter rate limiting (network calls, credential testing)
	expensiveAPI := r.Group("/api")
	expensiveAPI.Use(RateLimiter(2, 5))
	expensiveAPI.Use(auth.RequireAuth(sm))
	expensiveAPI.Use(ValidateOrigin(origins))
	expensiveAPI.Use(auth.ValidateCSRF())
	expensiveAPI.Use(RequireJSONContentType())
	{
		expensiveAPI.POST("/connections/test", h.APITestConnection)
		expensiveAPI.POST("/connections", h.APICreateConnection)
		expensiveAPI.POST("/sync", h.APISync)
		expensiveAPI.POST("/sync/push-retry", h.APIPushRetry)
	}
}
