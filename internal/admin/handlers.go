package admin

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/starfederation/datastar-go/datastar"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"
	"github.com/zeromicro/go-zero/rest/pathvar"
	g "maragu.dev/gomponents"

	"github.com/joeblew999/plat-smtp-agent/pkg/clock"
	"github.com/joeblew999/plat-smtp-agent/pkg/overlay"
	"github.com/joeblew999/plat-smtp-agent/pkg/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// neighborWindow bounds the newest-first scan used to find a
	// document's prev/next links on the detail page.
	neighborWindow = 200

	logTailLines = 500
)

// Handlers serves the operator dashboard.
type Handlers struct {
	store   store.Store
	overlay *overlay.Overlay
	clock   clock.Clock
	logFile string
	version string
	user    string
	pass    string
}

// NewHandlers wires the dashboard against the store and the live config.
func NewHandlers(st store.Store, ov *overlay.Overlay, clk clock.Clock, logFile, version, user, pass string) *Handlers {
	return &Handlers{
		store:   st,
		overlay: ov,
		clock:   clk,
		logFile: logFile,
		version: version,
		user:    user,
		pass:    pass,
	}
}

// Routes returns the standard routes for registration with rest.Server.
// Everything except the health probe sits behind basic auth when credentials
// are configured.
func (h *Handlers) Routes() []rest.Route {
	auth := func(fn http.HandlerFunc) http.HandlerFunc {
		return basicAuth(h.user, h.pass, fn)
	}
	return []rest.Route{
		{Method: http.MethodGet, Path: "/health", Handler: h.handleHealth},
		{Method: http.MethodGet, Path: "/", Handler: auth(h.handleDashboard)},
		{Method: http.MethodGet, Path: "/stats", Handler: auth(h.handleStats)},
		{Method: http.MethodPost, Path: "/status/reset", Handler: auth(h.handleStatusReset)},
		{Method: http.MethodGet, Path: "/emails", Handler: auth(h.handleEmails)},
		{Method: http.MethodGet, Path: "/emails/:id", Handler: auth(h.handleEmailDetail)},
		{Method: http.MethodGet, Path: "/logs", Handler: auth(h.handleLogs)},
		{Method: http.MethodGet, Path: "/config", Handler: auth(h.handleConfigGet)},
		{Method: http.MethodPost, Path: "/config", Handler: auth(h.handleConfigPost)},
		{Method: http.MethodGet, Path: "/metrics", Handler: auth(promhttp.Handler().ServeHTTP)},
	}
}

// SSERoutes returns the SSE-based routes (require rest.WithSSE option).
func (h *Handlers) SSERoutes() []rest.Route {
	auth := func(fn http.HandlerFunc) http.HandlerFunc {
		return basicAuth(h.user, h.pass, fn)
	}
	return []rest.Route{
		{Method: http.MethodGet, Path: "/api/stats", Handler: auth(h.handleStatsSSE)},
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	storeStatus := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		storeStatus = err.Error()
		code = http.StatusServiceUnavailable
	}
	eff := h.overlay.Current()
	writeJSON(w, code, map[string]any{
		"status":  status,
		"store":   storeStatus,
		"version": h.version,
		"config": map[string]any{
			"collection":       store.Collection,
			"pollInterval":     int(eff.PollInterval.Seconds()),
			"maxRetryCount":    eff.MaxRetryCount,
			"processFromAfter": eff.CutoffRaw,
			"logLevel":         eff.LogLevel,
		},
	})
}

func (h *Handlers) handleDashboard(w http.ResponseWriter, r *http.Request) {
	renderPage(w, Dashboard(h.overlay.Current()))
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := ComputeStats(r.Context(), h.store, h.clock.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) handleStatsSSE(w http.ResponseWriter, r *http.Request) {
	sse := datastar.NewSSE(w, r)
	stats, err := ComputeStats(r.Context(), h.store, h.clock.Now())
	if err != nil {
		if perr := sse.MarshalAndPatchSignals(map[string]any{"loading": false, "error": err.Error()}); perr != nil {
			logx.Errorf("datastar patch signals: %v", perr)
		}
		return
	}
	if err := sse.MarshalAndPatchSignals(map[string]any{"stats": stats, "loading": false}); err != nil {
		logx.Errorf("datastar patch signals: %v", err)
	}
}

func (h *Handlers) handleStatusReset(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	if err := h.store.SetStatusResetAt(r.Context(), now); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	logx.Infow("status reset", logx.Field("at", now.Format(time.RFC3339)))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "statusResetAt": now})
}

func (h *Handlers) handleEmails(w http.ResponseWriter, r *http.Request) {
	state := store.State(r.URL.Query().Get("state"))
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	mails, err := h.store.ListByState(r.Context(), state, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, mailViews(mails))
		return
	}
	renderPage(w, EmailsPage(string(state), mails))
}

func (h *Handlers) handleEmailDetail(w http.ResponseWriter, r *http.Request) {
	id := pathvar.Vars(r)["id"]
	m, err := h.store.GetMail(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if m == nil {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, mailView(*m))
		return
	}

	state := store.State(r.URL.Query().Get("state"))
	prevID, nextID := h.neighbors(r, id, state)
	renderPage(w, EmailDetailPage(*m, string(state), prevID, nextID))
}

// neighbors finds the adjacent documents in the newest-first ordering, scoped
// to the state filter the visitor came from. The window is re-read per
// request, so the links shift as the collection moves.
func (h *Handlers) neighbors(r *http.Request, id string, state store.State) (prevID, nextID string) {
	mails, err := h.store.ListByState(r.Context(), state, neighborWindow)
	if err != nil {
		return "", ""
	}
	for i := range mails {
		if mails[i].ID != id {
			continue
		}
		if i > 0 {
			prevID = mails[i-1].ID
		}
		if i < len(mails)-1 {
			nextID = mails[i+1].ID
		}
		return prevID, nextID
	}
	return "", ""
}

func (h *Handlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	var lines []string
	if h.logFile != "" {
		content, err := os.ReadFile(h.logFile)
		if err != nil && !os.IsNotExist(err) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		lines = tail(strings.Split(strings.TrimRight(string(content), "\n"), "\n"), logTailLines)
		if len(lines) == 1 && lines[0] == "" {
			lines = nil
		}
	}
	renderPage(w, LogsPage(h.logFile, lines))
}

func (h *Handlers) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	raw, err := h.store.AdminConfig(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	renderPage(w, ConfigPage(raw, h.overlay.Current(), false, ""))
}

func (h *Handlers) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	fields, errMsg := configFields(r.PostForm)
	if errMsg != "" {
		raw, _ := h.store.AdminConfig(r.Context())
		w.WriteHeader(http.StatusUnprocessableEntity)
		renderPage(w, ConfigPage(raw, h.overlay.Current(), false, errMsg))
		return
	}

	if err := h.store.SetAdminConfig(r.Context(), fields); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logx.Infow("admin config updated")

	raw, _ := h.store.AdminConfig(r.Context())
	renderPage(w, ConfigPage(raw, h.overlay.Current(), true, ""))
}

// configFields validates the config form. An empty field writes null, which
// drops the override; the merge into the store happens field by field so
// options the form does not know about survive.
func configFields(form map[string][]string) (store.Fields, string) {
	fields := store.Fields{}
	first := func(key string) (string, bool) {
		vs, ok := form[key]
		if !ok || len(vs) == 0 {
			return "", false
		}
		return strings.TrimSpace(vs[0]), true
	}

	for _, key := range []string{"pollInterval", "maxRetryCount", "dashboardRefreshSec"} {
		v, ok := first(key)
		if !ok {
			continue
		}
		if v == "" {
			fields[key] = store.Null
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, key + " must be a positive integer"
		}
		fields[key] = n
	}

	if v, ok := first("processFromAfter"); ok {
		switch {
		case v == "":
			fields["processFromAfter"] = store.Null
		case overlay.ParseCutoff(v) == nil:
			return nil, "processFromAfter is not a recognized date or instant"
		default:
			fields["processFromAfter"] = v
		}
	}

	if v, ok := first("logLevel"); ok {
		if v == "" {
			fields["logLevel"] = store.Null
		} else {
			up := strings.ToUpper(v)
			switch up {
			case "DEBUG", "INFO", "WARNING", "ERROR":
				fields["logLevel"] = up
			default:
				return nil, "logLevel must be one of DEBUG, INFO, WARNING, ERROR"
			}
		}
	}

	return fields, ""
}

type mailViewJSON struct {
	ID            string     `json:"id"`
	To            []string   `json:"to"`
	Subject       string     `json:"subject"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	State         string     `json:"state"`
	Attempts      int        `json:"attempts"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
	LastUpdatedAt *time.Time `json:"lastUpdatedAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	ProcessedBy   string     `json:"processedBy,omitempty"`
	MessageHash   string     `json:"messageHash,omitempty"`
}

func mailView(m store.Mail) mailViewJSON {
	return mailViewJSON{
		ID:            m.ID,
		To:            m.To,
		Subject:       m.Subject,
		CreatedAt:     m.CreatedAt,
		State:         string(m.Agent.State),
		Attempts:      m.Agent.Attempts,
		NextRetryAt:   m.Agent.NextRetryAt,
		LastUpdatedAt: m.Agent.LastUpdatedAt,
		LastSuccessAt: m.Agent.LastSuccessAt,
		LastError:     m.Agent.LastError,
		ProcessedBy:   m.Agent.ProcessingBy,
		MessageHash:   m.Agent.MessageHash,
	}
}

func mailViews(mails []store.Mail) []mailViewJSON {
	out := make([]mailViewJSON, 0, len(mails))
	for _, m := range mails {
		out = append(out, mailView(m))
	}
	return out
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Errorf("encode response: %v", err)
	}
}

func renderPage(w http.ResponseWriter, node g.Node) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := node.Render(w); err != nil {
		logx.Errorf("render page: %v", err)
	}
}
