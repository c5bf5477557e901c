package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeySession is the key used to store session data in the Gin context.
	ContextKeySession = "session"
)

// RequireAuth rejects requests without a valid session.
func RequireAuth(sm *SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := sm.Get(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		// Store session data in context for handlers to use
		c.Set(ContextKeySession, session)
		c.Next()
	}
}

// GetCurrentUser retrieves the current user's session data from the Gin context.
func GetCurrentUser(c *gin.Context) *SessionData {
	session, exists := c.Get(ContextKeySession)
	if !exists {
		return nil
	}

	sessionData, ok := session.(*SessionData)
	if !ok {
		return nil
	}

	return sessionData
}

// ValidateCSRF checks the X-CSRF-Token header of state-changing requests
// against the token in the session. It must run after RequireAuth.
func ValidateCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip for safe methods
		if c.Request.Method == http.MethodGet ||
			c.Request.Method == http.MethodHead ||
			c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		session := GetCurrentUser(c)
		if session == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session required"})
			return
		}

		csrfToken := c.GetHeader("X-CSRF-Token")
		if csrfToken == "" || subtle.ConstantTimeCompare([]byte(csrfToken), []byte(session.CSRFToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid CSRF token"})
			return
		}

		c.Next()
	}
}

// OptionalAuth is a middleware that loads session data if available but doesn't require it.
func OptionalAuth(sm *SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := sm.Get(c.Request)
		if err == nil {
			c.Set(ContextKeySession, session)
		}
		c.Next()
	}
}
