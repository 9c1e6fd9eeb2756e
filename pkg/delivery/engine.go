// Package delivery runs the polling loop that turns pending mail documents
// into SMTP deliveries. All coordination happens through the smtpAgent
// subtree of each document; the loop holds no state a restart would lose.
package delivery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/rescue"
	"github.com/zeromicro/go-zero/core/syncx"
	"github.com/zeromicro/go-zero/core/threading"
	"golang.org/x/time/rate"

	"github.com/joeblew999/plat-smtp-agent/pkg/clock"
	"github.com/joeblew999/plat-smtp-agent/pkg/fingerprint"
	"github.com/joeblew999/plat-smtp-agent/pkg/mail"
	"github.com/joeblew999/plat-smtp-agent/pkg/overlay"
	"github.com/joeblew999/plat-smtp-agent/pkg/store"
)

const (
	errCodeSMTP       = "SMTP"
	errCodeValidation = "VALIDATION"
	errCodeException  = "EXCEPTION"
	errCodeSkip       = "SKIP"

	reasonBeforeCutoff = "before_cutoff"
	reasonMaxRetries   = "max_retries"

	providerName = "custom-smtp"

	errorMessageLimit = 300
)

// Config tunes the engine's local behavior. The polling cadence and retry
// limit come from the overlay, not from here.
type Config struct {
	// SendsPerMinute caps outbound SMTP traffic. Zero means unlimited.
	SendsPerMinute int
	// LeaseDuration sizes the advisory processing lease written with each
	// PROCESSING transition.
	LeaseDuration time.Duration
}

// Identity names this worker in the documents it touches.
type Identity struct {
	Version string
	Host    string
	PID     int
}

// LocalIdentity derives the worker identity from the local process.
func LocalIdentity(version string) Identity {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return Identity{Version: version, Host: host, PID: os.Getpid()}
}

// By is the worker tag written to processing.by.
func (id Identity) By() string {
	return fmt.Sprintf("%s:%d", id.Host, id.PID)
}

// Engine is the delivery loop. It satisfies service.Service.
type Engine struct {
	cfg     Config
	store   store.Store
	sender  mail.Sender
	clock   clock.Clock
	overlay *overlay.Overlay
	id      Identity
	limiter *rate.Limiter

	running *syncx.AtomicBool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *threading.RoutineGroup
}

// NewEngine wires a delivery engine. Start must be called to begin polling.
func NewEngine(st store.Store, sender mail.Sender, clk clock.Clock, ov *overlay.Overlay, id Identity, cfg Config) *Engine {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	var limiter *rate.Limiter
	if cfg.SendsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.SendsPerMinute)), 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		store:   st,
		sender:  sender,
		clock:   clk,
		overlay: ov,
		id:      id,
		limiter: limiter,
		running: syncx.NewAtomicBool(),
		ctx:     ctx,
		cancel:  cancel,
		group:   threading.NewRoutineGroup(),
	}
}

// Start launches the polling loop. Subsequent calls are no-ops.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	logx.Infow("delivery engine starting",
		logx.Field("worker", e.id.By()),
		logx.Field("version", e.id.Version))
	e.group.RunSafe(e.loop)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cancel()
	e.group.Wait()
	logx.Info("delivery engine stopped")
}

func (e *Engine) loop() {
	for {
		interval := e.RunTick(e.ctx)
		e.clock.Sleep(e.ctx, interval)
		select {
		case <-e.ctx.Done():
			return
		default:
		}
	}
}

// RunTick refreshes the config overlay, runs one tick against the resulting
// effective config, and returns the poll interval to sleep before the next.
func (e *Engine) RunTick(ctx context.Context) time.Duration {
	eff := e.overlay.Refresh(ctx)
	e.Tick(ctx, eff)
	return eff.PollInterval
}

// Tick lists candidate documents and processes each at most once. A failing
// candidate query abandons the whole tick; per-document failures never do.
func (e *Engine) Tick(ctx context.Context, eff overlay.Effective) {
	started := time.Now()

	docs, serverFiltered, err := e.store.ListCandidates(ctx, eff.Cutoff)
	if err != nil {
		ticksSkipped.Inc()
		logx.Errorw("candidate query failed, skipping tick", logx.Field("error", err.Error()))
		return
	}
	if !serverFiltered {
		logx.Debug("terminal states not filtered server-side, filtering in code")
	}

	seen := make(map[string]struct{}, len(docs))
	processed := 0
	for i := range docs {
		m := docs[i]
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		e.processSafe(ctx, eff, m)
		processed++
	}

	tickDuration.ObserveFloat(time.Since(started).Seconds())
	if processed > 0 {
		logx.Infow("tick complete",
			logx.Field("candidates", len(docs)),
			logx.Field("processed", processed),
			logx.Field("duration", time.Since(started).String()))
	}
}

// processSafe isolates per-document panics: the document is marked ERROR with
// a retry slot and the tick moves on.
func (e *Engine) processSafe(ctx context.Context, eff overlay.Effective, m store.Mail) {
	defer rescue.RecoverCtx(ctx, func() {
		emailsFailed.Inc(errCodeException)
		e.writeError(ctx, m, errCodeException, "unexpected error while processing document")
	})
	e.process(ctx, eff, m)
}

// process applies the admission predicate and, when the document is admitted,
// performs one send attempt and records its outcome.
func (e *Engine) process(ctx context.Context, eff overlay.Effective, m store.Mail) {
	if m.Agent.State.Terminal() {
		return
	}

	now := e.clock.Now()
	if eff.Cutoff != nil && m.CreatedAt != nil && m.CreatedAt.Before(*eff.Cutoff) {
		e.writeSkip(ctx, m, reasonBeforeCutoff)
		return
	}
	if m.Agent.Attempts >= eff.MaxRetryCount {
		e.writeSkip(ctx, m, reasonMaxRetries)
		return
	}
	if m.Agent.NextRetryAt != nil && m.Agent.NextRetryAt.After(now) {
		return
	}
	if err := mail.ValidatePayload(m.To, m.Subject, m.HTML); err != nil {
		emailsFailed.Inc(errCodeValidation)
		e.writeError(ctx, m, errCodeValidation, "Missing required fields")
		return
	}

	hash := fingerprint.Hash(m.Subject, m.HTML, m.To)
	e.writeProcessing(ctx, m)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.writeError(ctx, m, errCodeException, "shutdown while awaiting send slot")
			return
		}
	}

	res := e.sender.Send(ctx, m.To, m.Subject, m.HTML)
	if res.Success {
		emailsSent.Inc()
		e.writeSent(ctx, m, hash, res)
	} else {
		emailsFailed.Inc(errCodeSMTP)
		e.writeSMTPFailure(ctx, m, res)
	}
}
