package store

import "time"

// Mail is a parsed snapshot of one mail document. To is normalized to a list
// preserving producer order; Subject and HTML fall back from message.* to the
// top level.
type Mail struct {
	ID        string
	To        []string
	Subject   string
	HTML      string
	CreatedAt *time.Time
	Agent     Agent

	// Raw is the full document as stored, for the admin detail view.
	Raw map[string]any
}

// Agent is the parsed smtpAgent subtree.
type Agent struct {
	State         State
	Attempts      int
	NextRetryAt   *time.Time
	LastUpdatedAt *time.Time
	LastSuccessAt *time.Time
	LastError     string
	ProcessingBy  string
	MessageHash   string
}

// ParseMail builds a Mail from a raw document snapshot. Unknown shapes
// degrade to zero values; a missing smtpAgent.state reads as StatePending.
func ParseMail(id string, data map[string]any) Mail {
	m := Mail{
		ID:  id,
		Raw: data,
		Agent: Agent{
			State: StatePending,
		},
	}

	m.To = normalizeTo(data["to"])
	msg, _ := data["message"].(map[string]any)
	m.Subject = firstString(msg["subject"], data["subject"])
	m.HTML = firstString(msg["html"], data["html"])
	m.CreatedAt = asTime(data["createdAt"])

	agent, _ := data["smtpAgent"].(map[string]any)
	if agent == nil {
		return m
	}

	if s, ok := agent["state"].(string); ok && s != "" {
		m.Agent.State = State(s)
	}
	m.Agent.Attempts = asInt(agent["attempts"])
	m.Agent.NextRetryAt = asTime(agent["nextRetryAt"])
	m.Agent.LastUpdatedAt = asTime(agent["lastUpdatedAt"])
	m.Agent.LastSuccessAt = asTime(agent["lastSuccessAt"])

	if la, ok := agent["lastAttempt"].(map[string]any); ok {
		m.Agent.LastError = firstString(la["errorMessage"])
	}
	if p, ok := agent["processing"].(map[string]any); ok {
		m.Agent.ProcessingBy = firstString(p["by"])
	}
	if idem, ok := agent["idempotency"].(map[string]any); ok {
		m.Agent.MessageHash = firstString(idem["messageHash"])
	}

	return m
}

// normalizeTo accepts a single address or an ordered list of addresses.
func normalizeTo(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func firstString(vs ...any) string {
	for _, v := range vs {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func asTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		u := t.UTC()
		return &u
	case *time.Time:
		if t == nil {
			return nil
		}
		u := t.UTC()
		return &u
	default:
		return nil
	}
}
