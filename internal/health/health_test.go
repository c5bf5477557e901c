package health

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping() error {
	return f.err
}

func TestCheck(t *testing.T) {
	testCases := []struct {
		name        string
		dbErr       error
		optionalErr error
		expected    Status
	}{
		{"all healthy", nil, nil, StatusHealthy},
		{"database down", errors.New("disk I/O error"), nil, StatusUnhealthy},
		{"optional check failing", nil, errors.New("unreachable"), StatusDegraded},
		{"both failing", errors.New("disk I/O error"), errors.New("unreachable"), StatusUnhealthy},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			checker := NewChecker(fakePinger{err: tc.dbErr})
			checker.AddCheck("scheduler", func(ctx context.Context) error { return tc.optionalErr })

			report := checker.Check(context.Background())
			if report.Status != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, report.Status)
			}

			db, ok := report.Components["database"]
			if !ok {
				t.Fatal("expected database component")
			}
			if (tc.dbErr != nil) != (db.Status == StatusUnhealthy) {
				t.Errorf("unexpected database status %+v", db)
			}
			if tc.dbErr != nil && db.Message != tc.dbErr.Error() {
				t.Errorf("expected error message, got %q", db.Message)
			}

			if tc.optionalErr != nil && report.Components["scheduler"].Status != StatusDegraded {
				t.Errorf("expected degraded optional check, got %+v", report.Components["scheduler"])
			}
		})
	}
}

func TestLiveness(t *testing.T) {
	checker := NewChecker(fakePinger{err: errors.New("down")})

	report := checker.Liveness()
	if report.Status != StatusHealthy {
		t.Errorf("liveness must not depend on the database, got %q", report.Status)
	}
	if report.Components != nil {
		t.Error("liveness should not include components")
	}
	if report.Uptime == "" {
		t.Error("expected uptime")
	}
}
