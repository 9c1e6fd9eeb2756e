// Package storetest provides an in-memory Store with the same merge and
// sentinel semantics as the Firestore adapter, for engine and admin tests.
package storetest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/joeblew999/plat-smtp-agent/pkg/store"
)

// Memory is an in-memory document store. Failure modes are toggled by the
// exported flags; the zero values behave like a healthy store.
type Memory struct {
	// RejectNotIn makes the primary candidate query fail, forcing the
	// cutoff-only fallback (ListCandidates reports serverFiltered=false).
	RejectNotIn bool
	// FailQueries makes both candidate queries fail.
	FailQueries bool
	// FailWrites makes MergeMail fail.
	FailWrites bool
	// DuplicateCandidates returns every candidate twice in one listing.
	DuplicateCandidates bool
	// PingErr is returned from Ping when set.
	PingErr error

	now func() time.Time

	docs          map[string]map[string]any
	stateWrites   map[string][]string
	writeCounts   map[string]int
	adminConfig   map[string]any
	statusResetAt *time.Time
}

// New creates a memory store; now supplies the server timestamp.
func New(now func() time.Time) *Memory {
	return &Memory{
		now:         now,
		docs:        make(map[string]map[string]any),
		stateWrites: make(map[string][]string),
		writeCounts: make(map[string]int),
		adminConfig: make(map[string]any),
	}
}

// Seed inserts a mail document as a producer would.
func (m *Memory) Seed(id string, doc map[string]any) {
	m.docs[id] = copyMap(doc)
}

// Doc returns a deep copy of a stored document, nil if absent.
func (m *Memory) Doc(id string) map[string]any {
	d, ok := m.docs[id]
	if !ok {
		return nil
	}
	return copyMap(d)
}

// Mail returns the parsed view of a stored document.
func (m *Memory) Mail(id string) *store.Mail {
	d := m.Doc(id)
	if d == nil {
		return nil
	}
	parsed := store.ParseMail(id, d)
	return &parsed
}

// WriteCount returns how many merges hit the document.
func (m *Memory) WriteCount(id string) int {
	return m.writeCounts[id]
}

// StateWrites returns the sequence of smtpAgent.state values written to the
// document, oldest first. Merges that did not touch state are omitted.
func (m *Memory) StateWrites(id string) []string {
	return m.stateWrites[id]
}

// SetAdminConfigRaw replaces the admin-config document wholesale, as the
// operator-facing config editor would.
func (m *Memory) SetAdminConfigRaw(doc map[string]any) {
	m.adminConfig = copyMap(doc)
}

func (m *Memory) ListCandidates(ctx context.Context, cutoff *time.Time) ([]store.Mail, bool, error) {
	if m.FailQueries {
		return nil, false, errors.New("storetest: query failed")
	}

	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	serverFiltered := !m.RejectNotIn
	var out []store.Mail
	for _, id := range ids {
		parsed := store.ParseMail(id, copyMap(m.docs[id]))
		if cutoff != nil && parsed.CreatedAt != nil && parsed.CreatedAt.Before(*cutoff) {
			continue
		}
		if serverFiltered && parsed.Agent.State.Terminal() {
			continue
		}
		out = append(out, parsed)
		if m.DuplicateCandidates {
			out = append(out, parsed)
		}
	}
	return out, serverFiltered, nil
}

func (m *Memory) GetMail(ctx context.Context, id string) (*store.Mail, error) {
	return m.Mail(id), nil
}

func (m *Memory) MergeMail(ctx context.Context, id string, fields store.Fields) error {
	if m.FailWrites {
		return errors.New("storetest: write failed")
	}
	doc, ok := m.docs[id]
	if !ok {
		doc = make(map[string]any)
		m.docs[id] = doc
	}
	merge(doc, fields, m.now())
	m.writeCounts[id]++
	if agent, ok := fields["smtpAgent"].(store.Fields); ok {
		if s, ok := agent["state"].(string); ok {
			m.stateWrites[id] = append(m.stateWrites[id], s)
		}
	}
	return nil
}

func (m *Memory) ListByState(ctx context.Context, state store.State, limit int) ([]store.Mail, error) {
	var out []store.Mail
	for id, doc := range m.docs {
		parsed := store.ParseMail(id, copyMap(doc))
		if state != "" && parsed.Agent.State != state {
			continue
		}
		out = append(out, parsed)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Agent.LastUpdatedAt, out[j].Agent.LastUpdatedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		case !ti.Equal(*tj):
			return ti.After(*tj)
		default:
			return out[i].ID < out[j].ID
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ProcessedSince(ctx context.Context, since time.Time) ([]store.Mail, error) {
	var out []store.Mail
	for id, doc := range m.docs {
		parsed := store.ParseMail(id, copyMap(doc))
		if parsed.Agent.LastUpdatedAt == nil || parsed.Agent.LastUpdatedAt.Before(since) {
			continue
		}
		out = append(out, parsed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AdminConfig(ctx context.Context) (map[string]any, error) {
	return copyMap(m.adminConfig), nil
}

func (m *Memory) SetAdminConfig(ctx context.Context, fields store.Fields) error {
	merge(m.adminConfig, fields, m.now())
	return nil
}

func (m *Memory) StatusResetAt(ctx context.Context) (*time.Time, error) {
	if m.statusResetAt == nil {
		return nil, nil
	}
	t := *m.statusResetAt
	return &t, nil
}

func (m *Memory) SetStatusResetAt(ctx context.Context, at time.Time) error {
	u := at.UTC()
	m.statusResetAt = &u
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.PingErr
}

// merge applies fields into dst with the store's merge semantics: nested maps
// merge field-by-field, sentinels resolve against now.
func merge(dst map[string]any, fields store.Fields, now time.Time) {
	for k, v := range fields {
		switch t := v.(type) {
		case store.Fields:
			sub, ok := dst[k].(map[string]any)
			if !ok {
				sub = make(map[string]any)
				dst[k] = sub
			}
			merge(sub, t, now)
		case store.Inc:
			cur := 0
			switch c := dst[k].(type) {
			case int:
				cur = c
			case int64:
				cur = int(c)
			case float64:
				cur = int(c)
			}
			dst[k] = cur + int(t)
		case []string:
			cp := make([]string, len(t))
			copy(cp, t)
			dst[k] = cp
		default:
			if v == store.ServerNow {
				dst[k] = now
			} else if v == store.Null {
				dst[k] = nil
			} else {
				dst[k] = v
			}
		}
	}
}

func copyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		switch t := v.(type) {
		case map[string]any:
			out[k] = copyMap(t)
		case []string:
			cp := make([]string, len(t))
			copy(cp, t)
			out[k] = cp
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
