// Package admin serves the operator dashboard: live stats, mail browsing,
// config editing, and log tailing over one small HTTP surface.
package admin

import (
	"fmt"
	"strings"
	"time"

	g "maragu.dev/gomponents"
	h "maragu.dev/gomponents/html"

	data "maragu.dev/gomponents-datastar"

	"github.com/joeblew999/plat-smtp-agent/pkg/overlay"
	"github.com/joeblew999/plat-smtp-agent/pkg/store"
)

// Layout wraps content in the base HTML layout.
func Layout(title string, content ...g.Node) g.Node {
	return h.HTML(
		h.Lang("en"),
		h.Head(
			h.Meta(h.Charset("utf-8")),
			h.Meta(h.Name("viewport"), h.Content("width=device-width, initial-scale=1")),
			h.TitleEl(g.Text(title)),
			h.Script(h.Type("module"), h.Src("https://cdn.jsdelivr.net/gh/starfederation/datastar@1.0.0-RC.7/bundles/datastar.js")),
			h.StyleEl(h.Type("text/css"), g.Raw(styles)),
		),
		h.Body(
			h.Nav(h.Class("navbar"),
				h.Div(h.Class("nav-brand"), g.Text("smtp-agent")),
				h.Div(h.Class("nav-links"),
					h.A(h.Href("/"), g.Text("Dashboard")),
					h.A(h.Href("/emails"), g.Text("Emails")),
					h.A(h.Href("/config"), g.Text("Config")),
					h.A(h.Href("/logs"), g.Text("Logs")),
				),
			),
			h.Main(h.Class("container"), g.Group(content)),
			h.Footer(h.Class("footer"),
				g.Text("smtp-agent - Outbound Email Worker"),
			),
		),
	)
}

// Dashboard renders the main dashboard page. The refresh cadence follows the
// dashboardRefreshSec config option.
func Dashboard(eff overlay.Effective) g.Node {
	return Layout("Dashboard - smtp-agent",
		data.Signals(map[string]any{
			"stats":   map[string]any{},
			"loading": true,
		}),
		data.Init("@get('/api/stats')"),

		h.H1(g.Text("Delivery Dashboard")),

		h.Div(h.Class("stats-grid"),
			StatCard("$stats.h1?.sent || 0", "Sent (1h)"),
			StatCard("$stats.h24?.sent || 0", "Sent (24h)"),
			StatCard("$stats.h1?.error || 0", "Errors (1h)"),
			StatCard("$stats.h24?.error || 0", "Errors (24h)"),
		),

		h.Div(h.Class("section"),
			h.H2(g.Text("Status")),
			h.Div(h.Class("status-row"),
				h.Span(h.Class("status-dot"),
					data.Class("status-green", "$stats.status?.indicator === 'green'"),
					data.Class("status-red", "$stats.status?.indicator === 'red'"),
				),
				h.Span(data.Text("($stats.status?.errorsSinceReset || 0) + ' errors since reset'")),
				h.Button(
					data.On("click", "@post('/status/reset'); @get('/api/stats')"),
					g.Text("Reset"),
				),
			),
			h.P(h.Class("hint"),
				g.Text("Last processed: "),
				h.Span(data.Text("$stats.lastProcessedAt || 'never'")),
			),
		),

		h.Div(h.Class("section"),
			h.H2(g.Text("Effective Configuration")),
			configTable(eff),
		),

		data.OnInterval("@get('/api/stats')", data.ModifierDuration, data.Duration(eff.DashboardRefresh)),
		h.Div(
			data.Show("$loading"),
			h.Span(h.Class("loading-spinner")),
			g.Text(" Loading..."),
		),
	)
}

// StatCard renders a statistics card bound to a signal expression.
func StatCard(expr, label string) g.Node {
	return h.Div(h.Class("stat-card"),
		h.Div(h.Class("stat-value"), data.Text(expr)),
		h.Div(h.Class("stat-label"), g.Text(label)),
	)
}

func configTable(eff overlay.Effective) g.Node {
	cutoff := "none"
	if eff.CutoffRaw != "" {
		cutoff = eff.CutoffRaw
	}
	rows := [][2]string{
		{"collection", store.Collection},
		{"pollInterval", eff.PollInterval.String()},
		{"maxRetryCount", fmt.Sprintf("%d", eff.MaxRetryCount)},
		{"processFromAfter", cutoff},
		{"logLevel", eff.LogLevel},
		{"dashboardRefreshSec", eff.DashboardRefresh.String()},
	}
	var nodes []g.Node
	for _, row := range rows {
		nodes = append(nodes, h.Tr(
			h.Td(h.Class("key"), g.Text(row[0])),
			h.Td(g.Text(row[1])),
		))
	}
	return h.Table(h.Class("kv-table"), h.TBody(g.Group(nodes)))
}

// EmailsPage renders the mail browser, filtered by agent state.
func EmailsPage(state string, mails []store.Mail) g.Node {
	filters := []string{"", "PENDING", "PROCESSING", "SENT", "ERROR", "SKIPPED"}
	var filterNodes []g.Node
	for _, f := range filters {
		label := f
		href := "/emails"
		if f == "" {
			label = "All"
		} else {
			href = "/emails?state=" + f
		}
		node := h.A(h.Href(href), h.Class("filter-link"), g.Text(label))
		if f == state {
			node = h.A(h.Href(href), h.Class("filter-link active"), g.Text(label))
		}
		filterNodes = append(filterNodes, node)
	}

	detailQuery := ""
	if state != "" {
		detailQuery = "?state=" + state
	}
	var rows []g.Node
	for _, m := range mails {
		rows = append(rows, h.Tr(
			h.Td(h.A(h.Href("/emails/"+m.ID+detailQuery), g.Text(m.ID))),
			h.Td(g.Text(strings.Join(m.To, ", "))),
			h.Td(g.Text(m.Subject)),
			h.Td(stateBadge(m.Agent.State)),
			h.Td(g.Text(fmt.Sprintf("%d", m.Agent.Attempts))),
			h.Td(h.Class("muted"), g.Text(fmtTimePtr(m.CreatedAt))),
			h.Td(h.Class("muted"), g.Text(fmtTimePtr(m.Agent.LastUpdatedAt))),
			h.Td(h.Class("muted"), g.Text(m.Agent.LastError)),
		))
	}
	var body g.Node
	if len(rows) == 0 {
		body = h.P(h.Class("hint"), g.Text("No matching emails"))
	} else {
		body = h.Table(h.Class("list-table"),
			h.THead(h.Tr(
				h.Th(g.Text("ID")),
				h.Th(g.Text("To")),
				h.Th(g.Text("Subject")),
				h.Th(g.Text("State")),
				h.Th(g.Text("Attempts")),
				h.Th(g.Text("Created")),
				h.Th(g.Text("Updated")),
				h.Th(g.Text("Last Error")),
			)),
			h.TBody(g.Group(rows)),
		)
	}

	return Layout("Emails - smtp-agent",
		h.H1(g.Text("Emails")),
		h.Div(h.Class("filter-bar"), g.Group(filterNodes)),
		h.Div(h.Class("section"), body),
	)
}

// EmailDetailPage renders one mail document's delivery record. The state
// filter the visitor came from carries through the prev/next links.
func EmailDetailPage(m store.Mail, state, prevID, nextID string) g.Node {
	detailQuery := ""
	if state != "" {
		detailQuery = "?state=" + state
	}
	rows := [][2]string{
		{"id", m.ID},
		{"to", strings.Join(m.To, ", ")},
		{"subject", m.Subject},
		{"createdAt", fmtTimePtr(m.CreatedAt)},
		{"state", string(m.Agent.State)},
		{"attempts", fmt.Sprintf("%d", m.Agent.Attempts)},
		{"nextRetryAt", fmtTimePtr(m.Agent.NextRetryAt)},
		{"lastUpdatedAt", fmtTimePtr(m.Agent.LastUpdatedAt)},
		{"lastSuccessAt", fmtTimePtr(m.Agent.LastSuccessAt)},
		{"lastError", m.Agent.LastError},
		{"processedBy", m.Agent.ProcessingBy},
		{"messageHash", m.Agent.MessageHash},
	}
	var nodes []g.Node
	for _, row := range rows {
		nodes = append(nodes, h.Tr(
			h.Td(h.Class("key"), g.Text(row[0])),
			h.Td(g.Text(row[1])),
		))
	}

	var nav []g.Node
	if prevID != "" {
		nav = append(nav, h.A(h.Href("/emails/"+prevID+detailQuery), h.Class("filter-link"), g.Text("Newer")))
	}
	if nextID != "" {
		nav = append(nav, h.A(h.Href("/emails/"+nextID+detailQuery), h.Class("filter-link"), g.Text("Older")))
	}
	nav = append(nav, h.A(h.Href("/emails/"+m.ID+"?format=json"), h.Class("filter-link"), g.Text("JSON")))

	return Layout("Email "+m.ID+" - smtp-agent",
		h.H1(g.Text("Email "+m.ID)),
		h.Div(h.Class("filter-bar"), g.Group(nav)),
		h.Div(h.Class("section"),
			h.Table(h.Class("kv-table"), h.TBody(g.Group(nodes))),
		),
		h.Div(h.Class("section"),
			h.H2(g.Text("HTML Body")),
			h.IFrame(
				data.Attr("srcdoc", "'"+strings.ReplaceAll(m.HTML, "'", "\\'")+"'"),
				h.StyleAttr("width:100%;height:400px;border:1px solid var(--border);border-radius:8px;"),
			),
		),
	)
}

// ConfigPage renders the admin-config editor. It writes through a plain form
// so it still works when the datastar bundle cannot load.
func ConfigPage(raw map[string]any, eff overlay.Effective, saved bool, errMsg string) g.Node {
	var notice g.Node
	if errMsg != "" {
		notice = h.Div(h.Class("notice notice-error"), g.Text(errMsg))
	} else if saved {
		notice = h.Div(h.Class("notice"), g.Text("Saved. Takes effect on the next tick."))
	}

	return Layout("Config - smtp-agent",
		h.H1(g.Text("Runtime Configuration")),
		notice,
		h.Form(h.Class("config-form"), h.Method("post"), h.Action("/config"),
			formGroup("pollInterval", "Poll interval (seconds)", rawString(raw, "pollInterval"), eff.PollInterval.String()),
			formGroup("maxRetryCount", "Max retry count", rawString(raw, "maxRetryCount"), fmt.Sprintf("%d", eff.MaxRetryCount)),
			formGroup("processFromAfter", "Process from after (date or instant)", rawString(raw, "processFromAfter"), orNone(eff.CutoffRaw)),
			formGroup("logLevel", "Log level (DEBUG, INFO, WARNING, ERROR)", rawString(raw, "logLevel"), eff.LogLevel),
			formGroup("dashboardRefreshSec", "Dashboard refresh (seconds)", rawString(raw, "dashboardRefreshSec"), eff.DashboardRefresh.String()),
			h.Button(h.Type("submit"), g.Text("Save")),
		),
		h.P(h.Class("hint"), g.Text("Empty fields remove the override and fall back to the process default.")),
	)
}

func formGroup(name, label, value, effective string) g.Node {
	return h.Div(h.Class("form-group"),
		h.Label(h.For(name), g.Text(label)),
		h.Input(h.ID(name), h.Name(name), h.Type("text"), h.Value(value)),
		h.Span(h.Class("muted"), g.Text("effective: "+effective)),
	)
}

// LogsPage renders the tail of the agent log file.
func LogsPage(path string, lines []string) g.Node {
	var body g.Node
	switch {
	case path == "":
		body = h.P(h.Class("hint"), g.Text("No log file configured (LOG_FILE). Logs go to stdout."))
	case len(lines) == 0:
		body = h.P(h.Class("hint"), g.Text("Log file is empty."))
	default:
		body = h.Pre(h.Class("log-view"), g.Text(strings.Join(lines, "\n")))
	}
	return Layout("Logs - smtp-agent",
		h.H1(g.Text("Logs")),
		h.P(h.Class("hint"), g.Text(path)),
		h.Div(h.Class("section"), body),
	)
}

func stateBadge(s store.State) g.Node {
	class := "badge"
	switch s {
	case store.StateSent:
		class = "badge badge-sent"
	case store.StateError:
		class = "badge badge-error"
	case store.StateSkipped:
		class = "badge badge-skipped"
	case store.StateProcessing:
		class = "badge badge-processing"
	}
	return h.Span(h.Class(class), g.Text(string(s)))
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func rawString(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

const styles = `
:root {
	--primary: #6366f1;
	--primary-dark: #4f46e5;
	--success: #10b981;
	--warning: #f59e0b;
	--danger: #ef4444;
	--bg: #f8fafc;
	--card-bg: #ffffff;
	--text: #1e293b;
	--text-muted: #64748b;
	--border: #e2e8f0;
}

* { box-sizing: border-box; margin: 0; padding: 0; }

body {
	font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
	background: var(--bg);
	color: var(--text);
	line-height: 1.6;
}

.navbar {
	background: var(--primary);
	color: white;
	padding: 1rem 2rem;
	display: flex;
	justify-content: space-between;
	align-items: center;
	box-shadow: 0 2px 4px rgba(0,0,0,0.1);
}

.nav-brand { font-size: 1.5rem; font-weight: bold; }

.nav-links a {
	color: white;
	text-decoration: none;
	margin-left: 2rem;
	opacity: 0.9;
}

.nav-links a:hover { opacity: 1; }

.container { max-width: 1100px; margin: 0 auto; padding: 2rem; }

.footer {
	text-align: center;
	padding: 2rem;
	color: var(--text-muted);
	border-top: 1px solid var(--border);
	margin-top: 2rem;
}

h1 { margin-bottom: 1.5rem; }
h2 { margin-bottom: 1rem; font-size: 1.25rem; }

.stats-grid {
	display: grid;
	grid-template-columns: repeat(auto-fit, minmax(180px, 1fr));
	gap: 1.5rem;
	margin-bottom: 2rem;
}

.stat-card {
	background: var(--card-bg);
	border-radius: 12px;
	padding: 1.5rem;
	text-align: center;
	border: 1px solid var(--border);
	box-shadow: 0 1px 3px rgba(0,0,0,0.1);
}

.stat-value { font-size: 2.5rem; font-weight: bold; color: var(--primary); }

.stat-label {
	color: var(--text-muted);
	font-size: 0.875rem;
	text-transform: uppercase;
	letter-spacing: 0.05em;
}

.section {
	background: var(--card-bg);
	border-radius: 12px;
	padding: 1.5rem;
	margin-bottom: 1.5rem;
	border: 1px solid var(--border);
}

.status-row { display: flex; align-items: center; gap: 0.75rem; }

.status-dot {
	display: inline-block;
	width: 14px;
	height: 14px;
	border-radius: 50%;
	background: var(--text-muted);
}

.status-green { background: var(--success); }
.status-red { background: var(--danger); }

button {
	background: var(--primary);
	color: white;
	border: none;
	padding: 0.6rem 1.25rem;
	border-radius: 8px;
	cursor: pointer;
	font-size: 0.95rem;
	font-weight: 500;
}

button:hover { background: var(--primary-dark); }

.filter-bar { display: flex; gap: 0.5rem; margin-bottom: 1rem; flex-wrap: wrap; }

.filter-link {
	padding: 0.4rem 0.9rem;
	border-radius: 8px;
	border: 1px solid var(--border);
	background: var(--card-bg);
	color: var(--text);
	text-decoration: none;
	font-size: 0.875rem;
}

.filter-link.active { background: var(--primary); color: white; border-color: var(--primary-dark); }

.list-table, .kv-table { width: 100%; border-collapse: collapse; }

.list-table th {
	text-align: left;
	padding: 0.75rem 1rem;
	border-bottom: 2px solid var(--border);
	color: var(--text-muted);
	font-size: 0.875rem;
}

.list-table td, .kv-table td { padding: 0.6rem 1rem; border-bottom: 1px solid var(--border); font-size: 0.9rem; }

.kv-table td.key { color: var(--text-muted); width: 220px; }

.muted { color: var(--text-muted); font-size: 0.85rem; }

.badge {
	padding: 0.2rem 0.6rem;
	border-radius: 6px;
	font-size: 0.8rem;
	font-weight: 600;
	background: var(--border);
}

.badge-sent { background: var(--success); color: white; }
.badge-error { background: var(--danger); color: white; }
.badge-skipped { background: var(--warning); color: white; }
.badge-processing { background: var(--primary); color: white; }

.hint { color: var(--text-muted); font-style: italic; }

.notice {
	padding: 0.75rem 1rem;
	border-radius: 8px;
	background: var(--success);
	color: white;
	margin-bottom: 1rem;
}

.notice-error { background: var(--danger); }

.config-form { max-width: 560px; }

.form-group { margin-bottom: 1.25rem; }

.form-group label { display: block; margin-bottom: 0.4rem; font-weight: 500; }

.form-group input {
	width: 100%;
	padding: 0.6rem;
	border: 1px solid var(--border);
	border-radius: 8px;
	font-size: 0.95rem;
}

.log-view {
	font-family: ui-monospace, SFMono-Regular, Menlo, monospace;
	font-size: 0.8rem;
	white-space: pre-wrap;
	word-break: break-all;
	max-height: 70vh;
	overflow-y: auto;
}

.loading-spinner {
	display: inline-block;
	width: 16px;
	height: 16px;
	border: 2px solid var(--border);
	border-top-color: var(--primary);
	border-radius: 50%;
	animation: spin 1s linear infinite;
}

@keyframes spin { to { transform: rotate(360deg); } }
`
