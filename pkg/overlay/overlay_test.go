package overlay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testDefaults() Defaults {
	return Defaults{
		PollInterval:  60 * time.Second,
		MaxRetryCount: 5,
		LogLevel:      "INFO",
	}
}

func TestResolveEmptyUsesDefaults(t *testing.T) {
	eff := testDefaults().Resolve(nil)
	if eff.PollInterval != 60*time.Second {
		t.Errorf("pollInterval = %v", eff.PollInterval)
	}
	if eff.MaxRetryCount != 5 {
		t.Errorf("maxRetryCount = %d", eff.MaxRetryCount)
	}
	if eff.Cutoff != nil {
		t.Errorf("cutoff should be nil, got %v", eff.Cutoff)
	}
	if eff.LogLevel != "INFO" {
		t.Errorf("logLevel = %q", eff.LogLevel)
	}
	if eff.DashboardRefresh != 30*time.Second {
		t.Errorf("dashboardRefresh = %v", eff.DashboardRefresh)
	}
}

func TestResolveOverrides(t *testing.T) {
	eff := testDefaults().Resolve(map[string]any{
		"pollInterval":        int64(5),
		"maxRetryCount":       2,
		"processFromAfter":    "2025-01-01",
		"logLevel":            "debug",
		"dashboardRefreshSec": 10,
	})
	if eff.PollInterval != 5*time.Second {
		t.Errorf("pollInterval = %v", eff.PollInterval)
	}
	if eff.MaxRetryCount != 2 {
		t.Errorf("maxRetryCount = %d", eff.MaxRetryCount)
	}
	if eff.Cutoff == nil || !eff.Cutoff.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("cutoff = %v", eff.Cutoff)
	}
	if eff.LogLevel != "DEBUG" {
		t.Errorf("logLevel = %q", eff.LogLevel)
	}
	if eff.DashboardRefresh != 10*time.Second {
		t.Errorf("dashboardRefresh = %v", eff.DashboardRefresh)
	}
}

func TestResolveDiscardsInvalid(t *testing.T) {
	eff := testDefaults().Resolve(map[string]any{
		"pollInterval":     0,
		"maxRetryCount":    -1,
		"processFromAfter": "not a date",
		"logLevel":         "VERBOSE",
	})
	if eff.PollInterval != 60*time.Second {
		t.Errorf("invalid pollInterval not discarded: %v", eff.PollInterval)
	}
	if eff.MaxRetryCount != 5 {
		t.Errorf("invalid maxRetryCount not discarded: %d", eff.MaxRetryCount)
	}
	if eff.Cutoff != nil {
		t.Errorf("invalid cutoff not discarded: %v", eff.Cutoff)
	}
	if eff.LogLevel != "INFO" {
		t.Errorf("invalid logLevel not discarded: %q", eff.LogLevel)
	}
}

func TestResolveNonIntegerDiscarded(t *testing.T) {
	eff := testDefaults().Resolve(map[string]any{"pollInterval": 5.5})
	if eff.PollInterval != 60*time.Second {
		t.Errorf("fractional pollInterval not discarded: %v", eff.PollInterval)
	}
}

func TestParseCutoff(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2025-01-01", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2025-08-07T00:00:00Z", time.Date(2025, 8, 7, 0, 0, 0, 0, time.UTC)},
		{"2025-08-07T02:00:00+02:00", time.Date(2025, 8, 7, 0, 0, 0, 0, time.UTC)},
		{"2025-08-07T12:30:00", time.Date(2025, 8, 7, 12, 30, 0, 0, time.UTC)},
		{"2025-08-07 12:30:00", time.Date(2025, 8, 7, 12, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got := ParseCutoff(tc.in)
		if got == nil || !got.Equal(tc.want) {
			t.Errorf("ParseCutoff(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	for _, in := range []string{"", "garbage", "2025-13-40", "07/08/2025"} {
		if got := ParseCutoff(in); got != nil {
			t.Errorf("ParseCutoff(%q) = %v, want nil", in, got)
		}
	}
}

type mapSource struct {
	doc map[string]any
	err error
}

func (s mapSource) AdminConfig(context.Context) (map[string]any, error) {
	return s.doc, s.err
}

func TestRefreshMergesSource(t *testing.T) {
	src := &mapSource{doc: map[string]any{"pollInterval": 5}}
	o := New(src, testDefaults())

	eff := o.Refresh(context.Background())
	if eff.PollInterval != 5*time.Second {
		t.Errorf("pollInterval = %v", eff.PollInterval)
	}

	// An invalid edit leaves the effective value unchanged.
	src.doc = map[string]any{"pollInterval": -1}
	eff = o.Refresh(context.Background())
	if eff.PollInterval != 5*time.Second {
		t.Errorf("pollInterval after invalid override = %v", eff.PollInterval)
	}

	// Removing the option falls back to the process default.
	src.doc = map[string]any{}
	eff = o.Refresh(context.Background())
	if eff.PollInterval != 60*time.Second {
		t.Errorf("pollInterval after removal = %v", eff.PollInterval)
	}
}

func TestResolveNullDropsOverride(t *testing.T) {
	src := &mapSource{doc: map[string]any{"pollInterval": 5}}
	o := New(src, testDefaults())
	o.Refresh(context.Background())

	// The config editor clears an option by writing null.
	src.doc = map[string]any{"pollInterval": nil}
	eff := o.Refresh(context.Background())
	if eff.PollInterval != 60*time.Second {
		t.Errorf("null override should fall back to default, got %v", eff.PollInterval)
	}
}

func TestResolveNonStringCutoffKeepsPrevious(t *testing.T) {
	src := &mapSource{doc: map[string]any{"processFromAfter": "2025-01-01"}}
	o := New(src, testDefaults())
	o.Refresh(context.Background())

	// A number where a date string belongs is invalid, not a removal.
	src.doc = map[string]any{"processFromAfter": int64(20250101)}
	eff := o.Refresh(context.Background())
	if eff.Cutoff == nil || !eff.Cutoff.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("invalid cutoff type should keep previous value, got %v", eff.Cutoff)
	}
	if eff.CutoffRaw != "2025-01-01" {
		t.Errorf("cutoffRaw = %q", eff.CutoffRaw)
	}

	// An empty string clears the override like null does.
	src.doc = map[string]any{"processFromAfter": ""}
	eff = o.Refresh(context.Background())
	if eff.Cutoff != nil {
		t.Errorf("empty cutoff should fall back to default, got %v", eff.Cutoff)
	}
}

func TestRefreshKeepsCurrentOnReadError(t *testing.T) {
	src := &mapSource{doc: map[string]any{"pollInterval": 5}}
	o := New(src, testDefaults())
	o.Refresh(context.Background())

	src.err = errors.New("store down")
	eff := o.Refresh(context.Background())
	if eff.PollInterval != 5*time.Second {
		t.Errorf("read failure should keep previous config, got %v", eff.PollInterval)
	}
}
