package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/antedwards/home-dashboard/internal/notify"
	"github.com/antedwards/home-dashboard/internal/validator"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingRequired   = errors.New("missing required configuration")
	ErrInvalidValue      = errors.New("invalid configuration value")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Mode selects which settings are required.
type Mode int

const (
	// ModeServe runs the web server and needs the login and cron secrets.
	ModeServe Mode = iota
	// ModeCLI runs one-shot commands against the store.
	ModeCLI
)

const minSessionSecretLen = 32

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	OIDC         OIDCConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	CalDAV       CalDAVConfig
	RateLimiting RateLimitConfig
	Sync         SyncConfig
	Alerts       AlertConfig
	Logging      LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// OIDCConfig holds OIDC authentication configuration.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// SecurityConfig holds secrets.
type SecurityConfig struct {
	EncryptionSecret string
	SessionSecret    string
	SessionMaxAge    int
	CronSecret       string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// CalDAVConfig tunes the CalDAV client.
type CalDAVConfig struct {
	Timeout           time.Duration
	RequestsPerSecond float64
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SyncConfig holds scheduling and sync window defaults.
type SyncConfig struct {
	Schedule         string
	PastDays         int
	FutureDays       int
	LogRetentionDays int
}

// AlertConfig holds webhook alert configuration.
type AlertConfig struct {
	WebhookURL string
	Cooldown   time.Duration
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  slog.Level
	Format string
}

// fileConfig is the optional YAML file named by CONFIG_FILE. Its values
// replace the built-in defaults; environment variables still win.
type fileConfig struct {
	Server struct {
		Port        int    `yaml:"port"`
		BaseURL     string `yaml:"base_url"`
		Environment string `yaml:"environment"`
	} `yaml:"server"`
	Sync struct {
		Schedule          string  `yaml:"schedule"`
		PastDays          int     `yaml:"past_days"`
		FutureDays        int     `yaml:"future_days"`
		LogRetentionDays  int     `yaml:"log_retention_days"`
		CalDAVTimeoutSecs int     `yaml:"caldav_timeout_secs"`
		RequestsPerSecond float64 `yaml:"caldav_requests_per_second"`
	} `yaml:"sync"`
	Alerts struct {
		WebhookURL      string `yaml:"webhook_url"`
		CooldownMinutes int    `yaml:"cooldown_minutes"`
	} `yaml:"alerts"`
}

func defaultFileConfig() *fileConfig {
	fc := &fileConfig{}
	fc.Server.Port = 8080
	fc.Server.Environment = string(EnvProduction)
	fc.Sync.Schedule = "*/15 * * * *"
	fc.Sync.PastDays = 30
	fc.Sync.FutureDays = 365
	fc.Sync.LogRetentionDays = 30
	fc.Sync.CalDAVTimeoutSecs = 30
	fc.Sync.RequestsPerSecond = 5
	fc.Alerts.CooldownMinutes = 60
	return fc
}

// loadFile overlays the YAML file on the defaults. Zero values in the file
// keep the default.
func loadFile(path string) (*fileConfig, error) {
	fc := defaultFileConfig()
	if path == "" {
		return fc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: CONFIG_FILE: %w", ErrInvalidValue, err)
	}

	var overlay fileConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("%w: CONFIG_FILE: %w", ErrInvalidValue, err)
	}

	setInt(&fc.Server.Port, overlay.Server.Port)
	setString(&fc.Server.BaseURL, overlay.Server.BaseURL)
	setString(&fc.Server.Environment, overlay.Server.Environment)
	setString(&fc.Sync.Schedule, overlay.Sync.Schedule)
	setInt(&fc.Sync.PastDays, overlay.Sync.PastDays)
	setInt(&fc.Sync.FutureDays, overlay.Sync.FutureDays)
	setInt(&fc.Sync.LogRetentionDays, overlay.Sync.LogRetentionDays)
	setInt(&fc.Sync.CalDAVTimeoutSecs, overlay.Sync.CalDAVTimeoutSecs)
	if overlay.Sync.RequestsPerSecond != 0 {
		fc.Sync.RequestsPerSecond = overlay.Sync.RequestsPerSecond
	}
	setString(&fc.Alerts.WebhookURL, overlay.Alerts.WebhookURL)
	setInt(&fc.Alerts.CooldownMinutes, overlay.Alerts.CooldownMinutes)
	return fc, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Load loads configuration from .env, the optional CONFIG_FILE and the
// environment, in increasing precedence. Missing required values are
// reported together.
func Load(mode Mode) (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	fc, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	p := &parser{}
	cfg := &Config{}

	// Server configuration
	cfg.Server.Port = p.int("PORT", fc.Server.Port)
	cfg.Server.BaseURL = getEnv("BASE_URL", fc.Server.BaseURL)
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", fc.Server.Environment)))

	// OIDC configuration
	cfg.OIDC.Issuer = getEnvRequired("OIDC_ISSUER")
	cfg.OIDC.ClientID = getEnvRequired("OIDC_CLIENT_ID")
	cfg.OIDC.ClientSecret = getEnvRequired("OIDC_CLIENT_SECRET")
	cfg.OIDC.RedirectURL = getEnvRequired("OIDC_REDIRECT_URL")

	// Security configuration
	cfg.Security.EncryptionSecret = getEnvRequired("ENCRYPTION_SECRET")
	cfg.Security.SessionSecret = getEnvRequired("SESSION_SECRET")
	cfg.Security.SessionMaxAge = p.int("SESSION_MAX_AGE_SECS", 7*24*3600)
	cfg.Security.CronSecret = getEnvRequired("CRON_SECRET")

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/homecal.db")

	// CalDAV configuration
	cfg.CalDAV.Timeout = time.Duration(p.int("CALDAV_TIMEOUT_SECS", fc.Sync.CalDAVTimeoutSecs)) * time.Second
	cfg.CalDAV.RequestsPerSecond = p.float("CALDAV_REQUESTS_PER_SECOND", fc.Sync.RequestsPerSecond)

	// Rate limiting configuration
	cfg.RateLimiting.RPS = p.float("RATE_LIMIT_RPS", 10.0)
	cfg.RateLimiting.Burst = p.int("RATE_LIMIT_BURST", 20)

	// Sync configuration
	cfg.Sync.Schedule = getEnv("SYNC_SCHEDULE", fc.Sync.Schedule)
	cfg.Sync.PastDays = p.int("SYNC_DEFAULT_PAST_DAYS", fc.Sync.PastDays)
	cfg.Sync.FutureDays = p.int("SYNC_DEFAULT_FUTURE_DAYS", fc.Sync.FutureDays)
	cfg.Sync.LogRetentionDays = p.int("SYNC_LOG_RETENTION_DAYS", fc.Sync.LogRetentionDays)

	// Alert configuration
	cfg.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", fc.Alerts.WebhookURL)
	cfg.Alerts.Cooldown = time.Duration(p.int("ALERT_COOLDOWN_MINUTES", fc.Alerts.CooldownMinutes)) * time.Minute

	// Logging configuration
	cfg.Logging.Level = p.level("LOG_LEVEL")
	cfg.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", "text"))

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.checkValues(); err != nil {
		return nil, err
	}

	// Check for missing required configuration
	missing := cfg.getMissingRequired(mode)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}

	if mode == ModeServe && len(cfg.Security.SessionSecret) < minSessionSecretLen {
		return nil, ErrSessionSecretSize
	}

	return cfg, nil
}

// checkValues rejects values that parse but cannot be used.
func (c *Config) checkValues() error {
	if c.Server.Environment != EnvDevelopment && c.Server.Environment != EnvProduction {
		return fmt.Errorf("%w: ENVIRONMENT: %q", ErrInvalidValue, c.Server.Environment)
	}
	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		return fmt.Errorf("%w: SYNC_SCHEDULE: %w", ErrInvalidValue, err)
	}
	if c.Sync.PastDays < 0 || c.Sync.FutureDays < 0 {
		return fmt.Errorf("%w: sync window days must not be negative", ErrInvalidValue)
	}
	if c.Sync.LogRetentionDays <= 0 {
		return fmt.Errorf("%w: SYNC_LOG_RETENTION_DAYS must be positive", ErrInvalidValue)
	}
	if c.CalDAV.Timeout <= 0 {
		return fmt.Errorf("%w: CALDAV_TIMEOUT_SECS must be positive", ErrInvalidValue)
	}
	if c.CalDAV.RequestsPerSecond <= 0 || c.RateLimiting.RPS <= 0 || c.RateLimiting.Burst <= 0 {
		return fmt.Errorf("%w: rate limits must be positive", ErrInvalidValue)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("%w: LOG_FORMAT: %q", ErrInvalidValue, c.Logging.Format)
	}
	if c.Alerts.WebhookURL != "" {
		if err := notify.ValidateConfig(c.NotifyConfig()); err != nil {
			return fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrInvalidValue, err)
		}
	}
	return nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired(mode Mode) []string {
	var missing []string

	if c.Security.EncryptionSecret == "" {
		missing = append(missing, "ENCRYPTION_SECRET")
	}
	if mode != ModeServe {
		return missing
	}

	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.Security.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if c.Security.CronSecret == "" {
		missing = append(missing, "CRON_SECRET")
	}
	if c.OIDC.Issuer == "" {
		missing = append(missing, "OIDC_ISSUER")
	}
	if c.OIDC.ClientID == "" {
		missing = append(missing, "OIDC_CLIENT_ID")
	}
	if c.OIDC.ClientSecret == "" {
		missing = append(missing, "OIDC_CLIENT_SECRET")
	}
	if c.OIDC.RedirectURL == "" {
		missing = append(missing, "OIDC_REDIRECT_URL")
	}

	return missing
}

// Validate checks the server URLs and that the OIDC issuer is reachable.
func (c *Config) Validate(ctx context.Context) error {
	v := c.Validator()

	if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}

	if err := v.ValidateOIDCIssuer(ctx, c.OIDC.Issuer); err != nil {
		return fmt.Errorf("%w: OIDC_ISSUER: %w", ErrValidationFailed, err)
	}

	if err := v.ValidateURL(c.OIDC.RedirectURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: OIDC_REDIRECT_URL: %w", ErrValidationFailed, err)
	}

	return nil
}

// Validator returns a URL validator matching the environment: development
// accepts plain HTTP and private addresses.
func (c *Config) Validator() *validator.Validator {
	if c.IsDevelopment() {
		return validator.New(validator.WithAllowHTTP(), validator.WithAllowPrivateIPs())
	}
	return validator.New()
}

// NotifyConfig returns the alert settings for the notifier.
func (c *Config) NotifyConfig() *notify.Config {
	return &notify.Config{
		WebhookURL:     c.Alerts.WebhookURL,
		CooldownPeriod: c.Alerts.Cooldown,
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// parser reads typed environment values and keeps the first error.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %w", ErrInvalidValue, key, err)
	}
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, err)
		return defaultValue
	}
	return parsed
}

func (p *parser) float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, err)
		return defaultValue
	}
	return parsed
}

func (p *parser) level(key string) slog.Level {
	var level slog.Level
	value := os.Getenv(key)
	if value == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(value)); err != nil {
		p.fail(key, err)
		return slog.LevelInfo
	}
	return level
}
