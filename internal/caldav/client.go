// Package caldav is the CalDAV client used by the sync engine: calendar
// discovery, time-ranged object queries, and conditional object writes.
package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"golang.org/x/time/rate"
)

var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrNotFound           = errors.New("resource not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrRequestFailed      = errors.New("request failed")
)

const (
	defaultTimeout           = 30 * time.Second
	defaultRequestsPerSecond = 5
	minTLSVersion            = tls.VersionTLS12
	calendarContentType      = "text/calendar; charset=utf-8"
	maxErrorBody             = 512
)

// RemoteCalendar is a calendar collection on the server.
type RemoteCalendar struct {
	DisplayName string `json:"displayName"`
	URL         string `json:"url"`
	Color       string `json:"color,omitempty"`
	CTag        string `json:"ctag,omitempty"`
	SyncToken   string `json:"syncToken,omitempty"`
}

// RemoteObject is one calendar object resource and its raw iCalendar body.
type RemoteObject struct {
	URL  string
	ETag string
	Data string
}

// TimeRange limits a query to objects overlapping [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// ObjectRef identifies a stored object after a write.
type ObjectRef struct {
	URL  string
	ETag string
}

// ObjectUpdate replaces the object at URL. A non-empty ETag makes the write
// conditional.
type ObjectUpdate struct {
	URL  string
	Data string
	ETag string
}

type clientOptions struct {
	timeout           time.Duration
	requestsPerSecond float64
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRequestsPerSecond paces requests to the server. Zero or less disables
// pacing.
func WithRequestsPerSecond(rps float64) ClientOption {
	return func(o *clientOptions) {
		o.requestsPerSecond = rps
	}
}

// Client provides CalDAV operations for one account.
type Client struct {
	baseURL      string
	http         webdav.HTTPClient
	caldavClient *caldav.Client
}

// NewClient creates a client authenticating with HTTP Basic credentials.
func NewClient(baseURL, username, password string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	options := clientOptions{
		timeout:           defaultTimeout,
		requestsPerSecond: defaultRequestsPerSecond,
	}
	for _, opt := range opts {
		opt(&options)
	}

	var limiter *rate.Limiter
	if options.requestsPerSecond > 0 {
		burst := int(options.requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(options.requestsPerSecond), burst)
	}

	httpClient := &http.Client{
		Timeout: options.timeout,
		Transport: &transport{
			base: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: minTLSVersion,
				},
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			limiter: limiter,
		},
	}

	authed := webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	caldavClient, err := caldav.NewClient(authed, baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      baseURL,
		http:         authed,
		caldavClient: caldavClient,
	}, nil
}

// transport paces requests and turns credential rejections into
// ErrAuthFailed so every caller can match them with errors.Is.
type transport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	slog.Debug("caldav request", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrAuthFailed, req.Method, req.URL.Path, resp.StatusCode)
	}

	return resp, nil
}

// TestConnection checks that the server answers and accepts the credentials.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.caldavClient.FindCurrentUserPrincipal(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// FetchCalendars discovers the calendars in the user's home set.
func (c *Client) FetchCalendars(ctx context.Context) ([]RemoteCalendar, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrConnectionFailed, err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrConnectionFailed, err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find calendars: %w", ErrConnectionFailed, err)
	}

	calendars := make([]RemoteCalendar, 0, len(cals))
	for _, cal := range cals {
		if !supportsEvents(cal.SupportedComponentSet) {
			continue
		}
		name := cal.Name
		if name == "" {
			name = lastPathSegment(cal.Path)
		}
		calendars = append(calendars, RemoteCalendar{
			DisplayName: name,
			URL:         cal.Path,
		})
	}

	return calendars, nil
}

// supportsEvents reports whether a calendar can hold VEVENTs. An empty set
// means the server did not say.
func supportsEvents(components []string) bool {
	if len(components) == 0 {
		return true
	}
	for _, comp := range components {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// FetchCalendarObjects returns the calendar's objects, limited to tr when
// it is non-nil. Servers that reject calendar-query are read with PROPFIND
// and individual GETs instead, without time filtering.
func (c *Client) FetchCalendarObjects(ctx context.Context, cal RemoteCalendar, tr *TimeRange) ([]RemoteObject, error) {
	calendarPath := hrefPath(cal.URL)

	objects, err := c.queryObjects(ctx, calendarPath, tr)
	if err == nil {
		return objects, nil
	}
	if errors.Is(err, ErrAuthFailed) || ctx.Err() != nil {
		return nil, err
	}

	slog.Warn("calendar query failed, falling back to PROPFIND", "calendar", cal.DisplayName, "error", err)
	return c.listObjects(ctx, calendarPath)
}

func (c *Client) queryObjects(ctx context.Context, calendarPath string, tr *TimeRange) ([]RemoteObject, error) {
	eventFilter := caldav.CompFilter{Name: ical.CompEvent}
	if tr != nil {
		eventFilter.Start = tr.Start.UTC()
		eventFilter.End = tr.End.UTC()
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{eventFilter},
		},
	}

	results, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query calendar: %w", ErrConnectionFailed, err)
	}

	objects := make([]RemoteObject, 0, len(results))
	for _, obj := range results {
		if obj.Data == nil {
			continue
		}
		objects = append(objects, RemoteObject{
			URL:  obj.Path,
			ETag: normalizeETag(obj.ETag),
			Data: encodeCalendar(obj.Data),
		})
	}
	return objects, nil
}

// listObjects lists the collection with PROPFIND and fetches each object.
// Bodies are returned raw so malformed objects reach the decoder intact.
func (c *Client) listObjects(ctx context.Context, calendarPath string) ([]RemoteObject, error) {
	body := `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getetag/>
    <D:getcontenttype/>
  </D:prop>
</D:propfind>`

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", c.resolve(calendarPath), strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrConnectionFailed, err)
	}

	paths := parseEventPaths(data, calendarPath)
	objects := make([]RemoteObject, 0, len(paths))
	for _, path := range paths {
		obj, err := c.getObject(ctx, path)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return nil, err
			}
			slog.Warn("failed to fetch calendar object", "path", path, "error", err)
			continue
		}
		objects = append(objects, *obj)
	}

	return objects, nil
}

func (c *Client) getObject(ctx context.Context, path string) (*RemoteObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrRequestFailed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read object: %w", ErrConnectionFailed, err)
	}

	return &RemoteObject{
		URL:  path,
		ETag: normalizeETag(resp.Header.Get("ETag")),
		Data: string(data),
	}, nil
}

// CreateObject stores a new object named filename in cal. It fails with
// ErrPreconditionFailed if the name is already taken.
func (c *Client) CreateObject(ctx context.Context, cal RemoteCalendar, filename, data string) (*ObjectRef, error) {
	path := strings.TrimSuffix(hrefPath(cal.URL), "/") + "/" + url.PathEscape(filename)

	header := http.Header{}
	header.Set("If-None-Match", "*")

	return c.put(ctx, path, data, header)
}

// UpdateObject replaces an existing object, conditional on its ETag.
func (c *Client) UpdateObject(ctx context.Context, update ObjectUpdate) (*ObjectRef, error) {
	header := http.Header{}
	if update.ETag != "" {
		header.Set("If-Match", quoteETag(update.ETag))
	}

	return c.put(ctx, hrefPath(update.URL), update.Data, header)
}

func (c *Client) put(ctx context.Context, path, data string, header http.Header) (*ObjectRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(path), strings.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrRequestFailed, err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	req.Header.Set("Content-Type", calendarContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	ref := &ObjectRef{
		URL:  path,
		ETag: normalizeETag(resp.Header.Get("ETag")),
	}
	if location := resp.Header.Get("Location"); location != "" {
		ref.URL = hrefPath(location)
	}
	return ref, nil
}

// DeleteObject removes an object. A non-empty etag makes the delete
// conditional. A missing object yields ErrNotFound.
func (c *Client) DeleteObject(ctx context.Context, objectURL, etag string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.resolve(hrefPath(objectURL)), nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrRequestFailed, err)
	}
	if etag != "" {
		req.Header.Set("If-Match", quoteETag(etag))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	return nil
}

// statusError maps a non-success response to a sentinel error.
func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(snippet))

	var sentinel error
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = ErrAuthFailed
	case http.StatusNotFound, http.StatusGone:
		sentinel = ErrNotFound
	case http.StatusPreconditionFailed:
		sentinel = ErrPreconditionFailed
	default:
		sentinel = ErrRequestFailed
	}

	if detail == "" {
		return fmt.Errorf("%w: %s %s returned %d", sentinel, resp.Request.Method, resp.Request.URL.Path, resp.StatusCode)
	}
	return fmt.Errorf("%w: %s %s returned %d: %s", sentinel, resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, detail)
}

// parseEventPaths extracts .ics object paths from a PROPFIND multistatus response.
func parseEventPaths(body []byte, basePath string) []string {
	type propfindResponse struct {
		XMLName   xml.Name `xml:"DAV: multistatus"`
		Responses []struct {
			Href     string `xml:"href"`
			PropStat struct {
				Prop struct {
					ContentType string `xml:"getcontenttype"`
				} `xml:"prop"`
				Status string `xml:"status"`
			} `xml:"propstat"`
		} `xml:"response"`
	}

	var ms propfindResponse
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil
	}

	base := strings.TrimSuffix(basePath, "/")
	paths := make([]string, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		href := hrefPath(resp.Href)
		if strings.TrimSuffix(href, "/") == base {
			continue
		}
		if strings.HasSuffix(href, ".ics") || strings.Contains(resp.PropStat.Prop.ContentType, "calendar") {
			decoded, err := url.PathUnescape(href)
			if err != nil {
				decoded = href
			}
			paths = append(paths, decoded)
		}
	}
	return paths
}

// resolve turns an href into an absolute URL on the client's server.
func (c *Client) resolve(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if href == "" {
		return c.baseURL
	}

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return strings.TrimSuffix(c.baseURL, "/") + "/" + strings.TrimPrefix(href, "/")
	}

	if strings.HasPrefix(href, "/") {
		return (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: href}).String()
	}
	return strings.TrimSuffix(c.baseURL, "/") + "/" + href
}

// hrefPath reduces an absolute URL to its path; paths are returned as-is.
func hrefPath(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		if u, err := url.Parse(href); err == nil {
			return u.Path
		}
	}
	return href
}

func lastPathSegment(path string) string {
	path = strings.TrimSuffix(path, "/")
	if idx := strings.LastIndex(path, "/"); idx != -1 {
		return path[idx+1:]
	}
	return path
}

// normalizeETag strips the quotes so stored ETags compare equal whether
// they came from a header or a multistatus body.
func normalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	if len(etag) >= 2 && strings.HasPrefix(etag, `"`) && strings.HasSuffix(etag, `"`) {
		return etag[1 : len(etag)-1]
	}
	return etag
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, "W/") {
		return etag
	}
	return `"` + etag + `"`
}

// encodeCalendar encodes a calendar object to iCalendar text.
func encodeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}
