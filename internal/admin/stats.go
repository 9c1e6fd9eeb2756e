package admin

import (
	"context"
	"time"

	"github.com/joeblew999/plat-smtp-agent/pkg/store"
)

// Bucket counts delivery outcomes in a time window.
type Bucket struct {
	Sent  int `json:"sent"`
	Error int `json:"error"`
}

// Status is the traffic-light summary shown on the dashboard.
type Status struct {
	Indicator        string     `json:"indicator"`
	Since            *time.Time `json:"since,omitempty"`
	ErrorsSinceReset int        `json:"errorsSinceReset"`
}

// Stats is the aggregate view over the last 24 hours of agent activity.
type Stats struct {
	H1              Bucket     `json:"h1"`
	H24             Bucket     `json:"h24"`
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
	Status          Status     `json:"status"`
	ServerTime      time.Time  `json:"serverTime"`
}

// ComputeStats derives the dashboard aggregates from a single scan of the
// documents touched in the last 24 hours. The error indicator resets from
// admin/smtpAgentStatus.statusResetAt; without a reset it looks back the
// full day.
func ComputeStats(ctx context.Context, st store.Store, now time.Time) (Stats, error) {
	since24 := now.Add(-24 * time.Hour)
	docs, err := st.ProcessedSince(ctx, since24)
	if err != nil {
		return Stats{}, err
	}

	resetAt, err := st.StatusResetAt(ctx)
	if err != nil || resetAt == nil || resetAt.Before(since24) {
		resetAt = &since24
	}

	s := Stats{ServerTime: now, Status: Status{Since: resetAt}}
	since1 := now.Add(-time.Hour)
	for _, m := range docs {
		lu := m.Agent.LastUpdatedAt
		if lu == nil {
			continue
		}
		switch m.Agent.State {
		case store.StateSent:
			s.H24.Sent++
			if lu.After(since1) {
				s.H1.Sent++
			}
		case store.StateError:
			s.H24.Error++
			if lu.After(since1) {
				s.H1.Error++
			}
			if lu.After(*resetAt) {
				s.Status.ErrorsSinceReset++
			}
		}
		if s.LastProcessedAt == nil || lu.After(*s.LastProcessedAt) {
			s.LastProcessedAt = lu
		}
	}

	if s.Status.ErrorsSinceReset == 0 {
		s.Status.Indicator = "green"
	} else {
		s.Status.Indicator = "red"
	}
	return s, nil
}
