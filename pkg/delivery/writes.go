package delivery

import (
	"context"
	"unicode/utf8"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/joeblew999/plat-smtp-agent/pkg/mail"
	"github.com/joeblew999/plat-smtp-agent/pkg/store"
)

// writeProcessing claims the document for this attempt. The lease is
// advisory: nothing enforces it, it only makes a stuck worker visible.
func (e *Engine) writeProcessing(ctx context.Context, m store.Mail) {
	now := e.clock.Now()
	e.merge(ctx, m.ID, store.Fields{
		"version":       e.id.Version,
		"host":          e.id.Host,
		"pid":           e.id.PID,
		"state":         string(store.StateProcessing),
		"lastUpdatedAt": store.ServerNow,
		"processing": store.Fields{
			"by":              e.id.By(),
			"leaseExpireTime": now.Add(e.cfg.LeaseDuration),
		},
		"lastAttempt": store.Fields{
			"startTime": store.ServerNow,
		},
	})
}

// writeSent records a successful delivery. The idempotency hash is only
// written here, so a crash before this point yields a duplicate send rather
// than a lost email.
func (e *Engine) writeSent(ctx context.Context, m store.Mail, hash string, res mail.Result) {
	e.merge(ctx, m.ID, store.Fields{
		"version":       e.id.Version,
		"host":          e.id.Host,
		"pid":           e.id.PID,
		"state":         string(store.StateSent),
		"attempts":      store.Inc(1),
		"nextRetryAt":   store.Null,
		"lastUpdatedAt": store.ServerNow,
		"lastSuccessAt": store.ServerNow,
		"lastAttempt": store.Fields{
			"endTime":      store.ServerNow,
			"success":      true,
			"errorCode":    store.Null,
			"errorMessage": store.Null,
			"smtpResponse": store.Null,
			"toResolved":   m.To,
		},
		"processing": store.Fields{
			"by":              e.id.By(),
			"leaseExpireTime": store.Null,
		},
		"idempotency": store.Fields{
			"messageHash":        hash,
			"lastSeenSameHashAt": store.ServerNow,
		},
		"smtpDelivery": store.Fields{
			"success":   true,
			"timestamp": store.ServerNow,
			"provider":  providerName,
			"messageId": res.MessageID,
		},
	})
	logx.Infow("email delivered",
		logx.Field("id", m.ID),
		logx.Field("messageId", res.MessageID),
		logx.Field("attempts", m.Agent.Attempts+1))
}

// writeSMTPFailure records a failed attempt and schedules the retry with
// exponential backoff on the post-increment attempt count.
func (e *Engine) writeSMTPFailure(ctx context.Context, m store.Mail, res mail.Result) {
	now := e.clock.Now()
	delay := backoffDelay(m.Agent.Attempts + 1)
	emailsRetried.Inc()
	e.merge(ctx, m.ID, store.Fields{
		"version":       e.id.Version,
		"host":          e.id.Host,
		"pid":           e.id.PID,
		"state":         string(store.StateError),
		"attempts":      store.Inc(1),
		"nextRetryAt":   now.Add(delay),
		"lastUpdatedAt": store.ServerNow,
		"lastAttempt": store.Fields{
			"endTime":      store.ServerNow,
			"success":      false,
			"errorCode":    errCodeSMTP,
			"errorMessage": truncate(res.Error, errorMessageLimit),
			"smtpResponse": store.Null,
			"toResolved":   m.To,
		},
		"processing": store.Fields{
			"by":              e.id.By(),
			"leaseExpireTime": store.Null,
		},
		"smtpDelivery": store.Fields{
			"success":   false,
			"timestamp": store.ServerNow,
			"provider":  providerName,
			"messageId": store.Null,
		},
	})
	logx.Errorw("delivery failed",
		logx.Field("id", m.ID),
		logx.Field("error", truncate(res.Error, errorMessageLimit)),
		logx.Field("nextRetryIn", delay.String()))
}

// writeError records validation failures and unexpected per-document errors
// with a fixed retry delay.
func (e *Engine) writeError(ctx context.Context, m store.Mail, code, message string) {
	now := e.clock.Now()
	e.merge(ctx, m.ID, store.Fields{
		"version":       e.id.Version,
		"host":          e.id.Host,
		"pid":           e.id.PID,
		"state":         string(store.StateError),
		"attempts":      store.Inc(1),
		"nextRetryAt":   now.Add(fixedErrorBackoff),
		"lastUpdatedAt": store.ServerNow,
		"lastAttempt": store.Fields{
			"endTime":      store.ServerNow,
			"success":      false,
			"errorCode":    code,
			"errorMessage": truncate(message, errorMessageLimit),
		},
		"processing": store.Fields{
			"by":              e.id.By(),
			"leaseExpireTime": store.Null,
		},
	})
	logx.Errorw("document errored",
		logx.Field("id", m.ID),
		logx.Field("code", code),
		logx.Field("error", truncate(message, errorMessageLimit)))
}

// writeSkip retires a document without sending.
func (e *Engine) writeSkip(ctx context.Context, m store.Mail, reason string) {
	emailsSkipped.Inc(reason)
	e.merge(ctx, m.ID, store.Fields{
		"version":       e.id.Version,
		"host":          e.id.Host,
		"pid":           e.id.PID,
		"state":         string(store.StateSkipped),
		"nextRetryAt":   store.Null,
		"lastUpdatedAt": store.ServerNow,
		"lastAttempt": store.Fields{
			"endTime":      store.ServerNow,
			"success":      false,
			"errorCode":    errCodeSkip,
			"errorMessage": reason,
		},
	})
	logx.Infow("document skipped", logx.Field("id", m.ID), logx.Field("reason", reason))
}

// merge wraps the agent subtree and writes it. Write failures are logged and
// swallowed: the next tick re-derives the document's fate from whatever state
// actually landed.
func (e *Engine) merge(ctx context.Context, id string, agent store.Fields) {
	if err := e.store.MergeMail(ctx, id, store.Fields{"smtpAgent": agent}); err != nil {
		logx.Errorw("state write failed", logx.Field("id", id), logx.Field("error", err.Error()))
	}
}

// truncate caps s at n bytes without splitting a rune. The stored value must
// stay valid UTF-8 or the whole merge is rejected.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
