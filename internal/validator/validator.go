package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL        = errors.New("invalid URL format")
	ErrHTTPSRequired     = errors.New("HTTPS is required")
	ErrPrivateIP         = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrInvalidOIDCIssuer = errors.New("invalid OIDC issuer")
)

const (
	maxRedirects   = 3
	defaultTimeout = 10 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Validator checks user-supplied server URLs and the OIDC issuer.
type Validator struct {
	client          *http.Client
	allowPrivateIPs bool
	allowHTTP       bool
	lookupIP        func(ctx context.Context, host string) ([]net.IP, error)
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs allows servers on private networks, e.g. a CalDAV
// server on the same LAN as the dashboard.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// WithAllowHTTP accepts plain HTTP server URLs. Only for development.
func WithAllowHTTP() Option {
	return func(v *Validator) {
		v.allowHTTP = true
	}
}

// New creates a new Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
	}

	for _, opt := range opts {
		opt(v)
	}

	v.client = v.createHTTPClient()
	return v
}

func (v *Validator) createHTTPClient() *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		DialContext:           v.dialWithIPCheck,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

func (v *Validator) dialWithIPCheck(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	if err := v.checkHost(ctx, host); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   defaultTimeout,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, addr)
}

// checkHost rejects hosts that are or resolve to private addresses.
func (v *Validator) checkHost(ctx context.Context, host string) error {
	if v.allowPrivateIPs {
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return ErrPrivateIP
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
		return nil
	}

	ips, err := v.lookupIP(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: DNS resolution failed: %w", ErrConnectionFailed, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
	}
	return nil
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}

	return nil
}

// ValidateServerURL checks a CalDAV server URL before credentials are sent
// to it: HTTPS unless plain HTTP is allowed, and no private addresses unless
// those are allowed.
func (v *Validator) ValidateServerURL(ctx context.Context, rawURL string) error {
	if err := v.ValidateURL(rawURL, !v.allowHTTP); err != nil {
		return err
	}

	parsed, _ := url.Parse(rawURL)
	return v.checkHost(ctx, parsed.Hostname())
}

// ValidateOIDCIssuer validates an OIDC issuer URL by checking its discovery endpoint.
func (v *Validator) ValidateOIDCIssuer(ctx context.Context, issuerURL string) error {
	if err := v.ValidateURL(issuerURL, !v.allowHTTP); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOIDCIssuer, err)
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidOIDCIssuer, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: discovery endpoint returned status %d", ErrInvalidOIDCIssuer, resp.StatusCode)
	}

	return nil
}
