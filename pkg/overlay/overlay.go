// Package overlay merges the admin-config document over the process defaults.
// The delivery engine refreshes the overlay at the start of every tick, so
// operator edits take effect without a restart.
package overlay

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// Defaults are the process-level settings the overlay falls back to.
type Defaults struct {
	PollInterval  time.Duration
	MaxRetryCount int
	Cutoff        *time.Time
	CutoffRaw     string
	LogLevel      string
}

// Effective is the merged configuration for one tick.
type Effective struct {
	PollInterval     time.Duration
	MaxRetryCount    int
	Cutoff           *time.Time
	CutoffRaw        string
	LogLevel         string
	DashboardRefresh time.Duration
}

// Source reads the raw admin-config document.
type Source interface {
	AdminConfig(ctx context.Context) (map[string]any, error)
}

// Overlay tracks the effective configuration across refreshes.
type Overlay struct {
	src      Source
	defaults Defaults

	mu      sync.Mutex
	current Effective
	primed  bool
}

// New creates an overlay over src. The defaults are effective until the first
// Refresh.
func New(src Source, d Defaults) *Overlay {
	o := &Overlay{src: src, defaults: d, current: d.Resolve(nil)}
	return o
}

// Refresh fetches the admin-config document, resolves it over the defaults,
// logs any change to an effective value, and applies the log level to the
// global logger. A failing read keeps the previous effective config.
func (o *Overlay) Refresh(ctx context.Context) Effective {
	raw, err := o.src.AdminConfig(ctx)
	if err != nil {
		logx.Errorw("admin config read failed, keeping previous effective config",
			logx.Field("error", err.Error()))
		return o.Current()
	}

	o.mu.Lock()
	prev := o.current
	o.mu.Unlock()

	next := o.defaults.resolveWith(prev, raw)

	o.mu.Lock()
	primed := o.primed
	o.current = next
	o.primed = true
	o.mu.Unlock()

	if primed {
		logChanges(prev, next)
	}
	if !primed || prev.LogLevel != next.LogLevel {
		ApplyLogLevel(next.LogLevel)
	}
	return next
}

// Current returns the last resolved configuration.
func (o *Overlay) Current() Effective {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Resolve merges a raw admin-config document over the defaults, field by
// field. Invalid values (non-positive integers, unknown log level,
// unparseable cutoff) are silently discarded.
func (d Defaults) Resolve(raw map[string]any) Effective {
	return d.resolveWith(d.base(), raw)
}

func (d Defaults) base() Effective {
	return Effective{
		PollInterval:     d.PollInterval,
		MaxRetryCount:    d.MaxRetryCount,
		Cutoff:           d.Cutoff,
		CutoffRaw:        d.CutoffRaw,
		LogLevel:         d.LogLevel,
		DashboardRefresh: 30 * time.Second,
	}
}

// resolveWith applies raw over the defaults. An absent or null option falls
// back to the process default; a present-but-invalid option leaves the
// previously effective value unchanged.
func (d Defaults) resolveWith(prev Effective, raw map[string]any) Effective {
	eff := d.base()

	if v, present := present(raw, "pollInterval"); present {
		if n, ok := asPositiveInt(v); ok {
			eff.PollInterval = time.Duration(n) * time.Second
		} else {
			eff.PollInterval = prev.PollInterval
		}
	}
	if v, present := present(raw, "maxRetryCount"); present {
		if n, ok := asPositiveInt(v); ok {
			eff.MaxRetryCount = n
		} else {
			eff.MaxRetryCount = prev.MaxRetryCount
		}
	}
	if v, ok := present(raw, "processFromAfter"); ok {
		s, isString := v.(string)
		if isString && s == "" {
			// empty string clears the override, same as null
		} else if t := ParseCutoff(s); isString && t != nil {
			eff.Cutoff = t
			eff.CutoffRaw = s
		} else {
			eff.Cutoff = prev.Cutoff
			eff.CutoffRaw = prev.CutoffRaw
		}
	}
	if v, present := present(raw, "logLevel"); present {
		if lvl, ok := normalizeLevel(asString(v)); ok {
			eff.LogLevel = lvl
		} else {
			eff.LogLevel = prev.LogLevel
		}
	}
	if v, present := present(raw, "dashboardRefreshSec"); present {
		if n, ok := asPositiveInt(v); ok {
			eff.DashboardRefresh = time.Duration(n) * time.Second
		} else {
			eff.DashboardRefresh = prev.DashboardRefresh
		}
	}

	return eff
}

// present treats an explicit null the same as an absent key: clearing an
// option in the config editor writes null, which must drop the override.
func present(raw map[string]any, key string) (any, bool) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func logChanges(prev, next Effective) {
	if prev.PollInterval != next.PollInterval {
		logx.Infow("applying override: pollInterval",
			logx.Field("from", prev.PollInterval.String()),
			logx.Field("to", next.PollInterval.String()))
	}
	if prev.MaxRetryCount != next.MaxRetryCount {
		logx.Infow("applying override: maxRetryCount",
			logx.Field("from", prev.MaxRetryCount),
			logx.Field("to", next.MaxRetryCount))
	}
	if prev.CutoffRaw != next.CutoffRaw {
		logx.Infow("applying override: processFromAfter",
			logx.Field("from", prev.CutoffRaw),
			logx.Field("to", next.CutoffRaw))
	}
	if prev.LogLevel != next.LogLevel {
		logx.Infow("applying override: logLevel",
			logx.Field("from", prev.LogLevel),
			logx.Field("to", next.LogLevel))
	}
}

// ParseCutoff parses the processFromAfter option: a bare YYYY-MM-DD date
// (midnight UTC), an ISO-8601 instant (trailing Z accepted), or a naive
// timestamp assumed UTC. Anything else yields nil, meaning no cutoff.
func ParseCutoff(v string) *time.Time {
	layouts := []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// ApplyLogLevel retunes the global logger. WARNING maps to info: logx has no
// separate warn level.
func ApplyLogLevel(level string) {
	switch level {
	case "DEBUG":
		logx.SetLevel(logx.DebugLevel)
	case "INFO", "WARNING":
		logx.SetLevel(logx.InfoLevel)
	case "ERROR":
		logx.SetLevel(logx.ErrorLevel)
	}
}

func normalizeLevel(s string) (string, bool) {
	switch up := strings.ToUpper(s); up {
	case "DEBUG", "INFO", "WARNING", "ERROR":
		return up, true
	}
	return "", false
}

func asPositiveInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		if t > 0 {
			return t, true
		}
	case int64:
		if t > 0 {
			return int(t), true
		}
	case float64:
		if t > 0 && t == float64(int(t)) {
			return int(t), true
		}
	case string:
		if n, err := strconv.Atoi(t); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}
