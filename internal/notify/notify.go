package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var ErrInvalidWebhook = errors.New("invalid webhook configuration")

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeFailure  AlertType = "failure"
	AlertTypeRecovery AlertType = "recovery"
)

// Alert represents a notification about a connection's sync state.
type Alert struct {
	Type           AlertType
	ConnectionID   string
	ConnectionName string
	Message        string
	Details        string
	Timestamp      time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string

	// How long to wait before re-alerting for the same connection.
	CooldownPeriod time.Duration
}

// Notifier sends webhook alerts when a connection starts failing and when
// it recovers.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	failing        map[string]bool
	wg             sync.WaitGroup
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:         slog.Default().With("component", "notify"),
		now:            time.Now,
		lastAlertTimes: make(map[string]time.Time),
		failing:        make(map[string]bool),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
		}
	}
	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("%w: cooldown period must be at least 1 minute", ErrInvalidWebhook)
	}
	return nil
}

// validateWebhookURL rejects webhooks that are not HTTPS or that point at
// loopback, link-local or private addresses.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return errors.New("webhook URL must use HTTPS")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.New("webhook URL has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return errors.New("webhook URL cannot point to internal hosts")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return errors.New("webhook URL cannot point to private IP addresses")
		}
	}

	return nil
}

// IsEnabled returns true if a webhook is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != ""
}

// SendFailureAlert marks the connection as failing and sends an alert unless
// one was sent within the cooldown period. It reports whether an alert was
// sent.
func (n *Notifier) SendFailureAlert(ctx context.Context, connectionID, connectionName, message string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	now := n.now()
	if n.failing[connectionID] {
		if last, ok := n.lastAlertTimes[connectionID]; ok && now.Sub(last) < n.cfg.CooldownPeriod {
			n.mu.Unlock()
			return false
		}
	}
	n.failing[connectionID] = true
	n.lastAlertTimes[connectionID] = now
	n.mu.Unlock()

	n.dispatch(ctx, Alert{
		Type:           AlertTypeFailure,
		ConnectionID:   connectionID,
		ConnectionName: connectionName,
		Message:        fmt.Sprintf("Calendar sync for '%s' is failing", connectionName),
		Details:        message,
		Timestamp:      now,
	})
	return true
}

// SendRecoveryAlert sends an alert if the connection was failing, and
// clears its failing state.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, connectionID, connectionName string) bool {
	n.mu.Lock()
	wasFailing := n.failing[connectionID]
	delete(n.failing, connectionID)
	delete(n.lastAlertTimes, connectionID)
	now := n.now()
	n.mu.Unlock()

	if !wasFailing || !n.IsEnabled() {
		return false
	}

	n.dispatch(ctx, Alert{
		Type:           AlertTypeRecovery,
		ConnectionID:   connectionID,
		ConnectionName: connectionName,
		Message:        fmt.Sprintf("Calendar sync for '%s' has recovered", connectionName),
		Details:        "Connection is syncing normally",
		Timestamp:      now,
	})
	return true
}

// FailingConnectionIDs returns the connections currently in failing state.
func (n *Notifier) FailingConnectionIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]string, 0, len(n.failing))
	for id := range n.failing {
		ids = append(ids, id)
	}
	return ids
}

// ClearState forgets a connection, e.g. after it is deleted.
func (n *Notifier) ClearState(connectionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failing, connectionID)
	delete(n.lastAlertTimes, connectionID)
}

// Wait blocks until in-flight alerts are delivered.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// dispatch delivers the alert in the background. The request outlives the
// caller's context cancellation but keeps its values.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.sendWebhook(ctx, alert); err != nil {
			n.logger.Error("webhook delivery failed", "connection_id", alert.ConnectionID, "error", err)
		}
	}()
}

// WebhookPayload is the JSON body posted to the webhook.
type WebhookPayload struct {
	AlertType      string `json:"alertType"`
	ConnectionID   string `json:"connectionId"`
	ConnectionName string `json:"connectionName"`
	Message        string `json:"message"`
	Details        string `json:"details"`
	Timestamp      string `json:"timestamp"`
	// Text is for Slack-compatible receivers.
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ":x:"
	if alert.Type == AlertTypeRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType:      string(alert.Type),
		ConnectionID:   alert.ConnectionID,
		ConnectionName: alert.ConnectionName,
		Message:        alert.Message,
		Details:        alert.Details,
		Timestamp:      alert.Timestamp.Format(time.RFC3339),
		Text:           fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info("webhook sent", "alert_type", alert.Type, "connection_id", alert.ConnectionID)
	return nil
}
