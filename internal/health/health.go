package health

import (
	"context"
	"time"
)

// Status is the overall or per-component health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 5 * time.Second

// Pinger is satisfied by the database.
type Pinger interface {
	Ping() error
}

// ComponentCheck is the result of one dependency check.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is a health report.
type Report struct {
	Status     Status                    `json:"status"`
	Timestamp  time.Time                 `json:"timestamp"`
	Uptime     string                    `json:"uptime"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
}

// Checker reports the health of the service and its dependencies.
type Checker struct {
	db        Pinger
	startedAt time.Time
	optional  map[string]func(ctx context.Context) error
}

// NewChecker creates a checker for the given database.
func NewChecker(database Pinger) *Checker {
	return &Checker{
		db:        database,
		startedAt: time.Now(),
		optional:  make(map[string]func(ctx context.Context) error),
	}
}

// AddCheck registers a non-critical check. A failing optional check
// degrades the report but does not make it unhealthy.
func (c *Checker) AddCheck(name string, check func(ctx context.Context) error) {
	c.optional[name] = check
}

// Liveness reports that the process is up without checking dependencies.
func (c *Checker) Liveness() Report {
	return Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(c.startedAt).Round(time.Second).String(),
	}
}

// Check runs every dependency check. The database is critical.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	report := c.Liveness()
	report.Components = make(map[string]ComponentCheck, len(c.optional)+1)

	dbCheck := run(ctx, func(context.Context) error { return c.db.Ping() })
	report.Components["database"] = dbCheck
	if dbCheck.Status != StatusHealthy {
		report.Status = StatusUnhealthy
	}

	for name, check := range c.optional {
		result := run(ctx, check)
		if result.Status != StatusHealthy {
			result.Status = StatusDegraded
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
		report.Components[name] = result
	}

	return report
}

func run(ctx context.Context, check func(ctx context.Context) error) ComponentCheck {
	start := time.Now()
	err := check(ctx)
	result := ComponentCheck{
		Status:  StatusHealthy,
		Latency: time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	return result
}
