package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// CronSecretHeader carries the shared secret of the cron endpoint.
const CronSecretHeader = "X-Cron-Secret"

// SecurityHeaders adds security headers to all responses.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// HSTS only when the request already arrived over HTTPS
		if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Header("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		c.Next()
	}
}

// RateLimiter creates a rate limiting middleware.
func RateLimiter(rps float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RequestLogger logs HTTP requests without bodies or query strings, which
// may carry credentials or OAuth codes.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// RequireJSONContentType validates that POST/PUT/PATCH requests have JSON content type.
func RequireJSONContentType() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut || c.Request.Method == http.MethodPatch {
			contentType := c.GetHeader("Content-Type")
			// Allow empty content type for requests without body, or require JSON
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
					"error": "Content-Type must be application/json",
				})
				return
			}
		}
		c.Next()
	}
}

// RequireCronSecret guards the cron endpoint with a shared secret.
func RequireCronSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(CronSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid cron secret"})
			return
		}
		c.Next()
	}
}

// ValidateOrigin validates the Origin header of state-changing requests
// against the allowed origins.
func ValidateOrigin(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		origin := c.GetHeader("Origin")
		// Some browsers send only Referer
		if origin == "" {
			origin = originOf(c.GetHeader("Referer"))
		}

		if origin == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing Origin header",
			})
			return
		}

		if !allowed[origin] {
			slog.Warn("CSRF: rejected request", "origin", origin)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Invalid origin",
			})
			return
		}

		c.Next()
	}
}

// originOf returns the scheme://host part of a URL, or "".
func originOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// AllowedOrigins returns the origin of baseURL plus any listed in
// ALLOWED_ORIGINS. In development the local frontend origins are added.
func AllowedOrigins(baseURL string, development bool) []string {
	var origins []string
	if o := originOf(baseURL); o != "" {
		origins = append(origins, o)
	}

	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" {
		for _, o := range strings.Split(env, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	if development {
		origins = append(origins,
			"http://localhost:8080",
			"http://localhost:5173",
			"http://127.0.0.1:8080",
			"http://127.0.0.1:5173",
		)
	}

	return origins
}

// IsSafeRedirectURL validates that a URL is safe for redirects (relative paths only).
func IsSafeRedirectURL(url string) bool {
	if url == "" {
		return false
	}
	// Must start with / (relative path)
	if !strings.HasPrefix(url, "/") {
		return false
	}
	// Must not be a protocol-relative URL (//evil.com)
	if strings.HasPrefix(url, "//") {
		return false
	}
	// Must not contain URL-encoded slashes that could bypass checks
	if strings.Contains(strings.ToLower(url), "%2f%2f") {
		return false
	}
	// Must not contain backslashes (IE compatibility)
	if strings.Contains(url, "\\") {
		return false
	}
	return true
}
