// Package store wraps the document store behind a typed API. The mail
// collection is the queue, the coordination medium, and the result log; the
// agent owns the smtpAgent subtree of each document and nothing else.
package store

import (
	"context"
	"time"
)

// Collection is the mail collection name.
const Collection = "mail"

// Singleton document paths owned by the admin surface.
const (
	AdminConfigDoc = "admin/smtpAgentConfig"
	StatusDoc      = "admin/smtpAgentStatus"
)

// State is the smtpAgent.state value of a mail document. The absence of the
// field in the store reads as StatePending.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateSent       State = "SENT"
	StateError      State = "ERROR"
	StateSkipped    State = "SKIPPED"
)

// Terminal reports whether the engine may never transition out of s.
func (s State) Terminal() bool {
	return s == StateSent || s == StateSkipped
}

// Fields is a nested field-merge write. Values may be literals, nested Fields,
// or one of the write sentinels below.
type Fields = map[string]any

type serverNow struct{}

// ServerNow is replaced by the store's server-side timestamp.
var ServerNow = serverNow{}

// Inc atomically adds to a numeric field.
type Inc int64

type nullValue struct{}

// Null writes an explicit null, distinct from leaving a field untouched.
var Null = nullValue{}

// Store is the document store surface used by the engine and the admin UI.
type Store interface {
	// ListCandidates returns mail documents eligible for inspection this
	// tick: createdAt >= cutoff (when non-nil) and, when the store supports
	// it, smtpAgent.state not in the terminal set. The bool reports whether
	// terminal states were filtered server-side; when false the caller must
	// filter in code. A failing primary query falls back to the cutoff-only
	// query before an error is returned.
	ListCandidates(ctx context.Context, cutoff *time.Time) ([]Mail, bool, error)

	// GetMail fetches one mail document, nil if absent.
	GetMail(ctx context.Context, id string) (*Mail, error)

	// MergeMail field-merges into a mail document, translating sentinels.
	MergeMail(ctx context.Context, id string, fields Fields) error

	// ListByState returns up to limit documents with the given agent state
	// (all states when empty), newest smtpAgent.lastUpdatedAt first.
	ListByState(ctx context.Context, state State, limit int) ([]Mail, error)

	// ProcessedSince returns documents with smtpAgent.lastUpdatedAt >= since.
	ProcessedSince(ctx context.Context, since time.Time) ([]Mail, error)

	// AdminConfig reads the admin-config document; empty map if absent.
	AdminConfig(ctx context.Context) (map[string]any, error)

	// SetAdminConfig field-merges into the admin-config document.
	SetAdminConfig(ctx context.Context, fields Fields) error

	// StatusResetAt reads admin/smtpAgentStatus.statusResetAt, nil if unset.
	StatusResetAt(ctx context.Context) (*time.Time, error)

	// SetStatusResetAt writes admin/smtpAgentStatus.statusResetAt.
	SetStatusResetAt(ctx context.Context, at time.Time) error

	// Ping probes store reachability.
	Ping(ctx context.Context) error
}
