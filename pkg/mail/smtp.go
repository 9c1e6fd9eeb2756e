// Package mail provides the single-shot SMTP sender used by the delivery engine.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
)

// Config holds SMTP connection settings.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	UseTLS    bool
	FromEmail string
	FromName  string
}

// Result is the outcome of one send attempt. Error is empty on success; the
// engine does not distinguish failure categories beyond Success.
type Result struct {
	Success   bool
	Timestamp time.Time
	Error     string
	MessageID string
}

// Sender sends one email and reports the outcome.
type Sender interface {
	Send(ctx context.Context, to []string, subject, html string) Result
}

// SMTPSender delivers mail over a fresh SMTP connection per send.
type SMTPSender struct {
	cfg Config
}

// NewSender creates an SMTP sender.
func NewSender(cfg Config) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send composes a multipart/alternative message with one HTML part and
// delivers it. Any transport, auth, or protocol failure becomes a failed
// Result; nothing is retried here.
func (s *SMTPSender) Send(ctx context.Context, to []string, subject, html string) Result {
	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), messageIDDomain(s.cfg.FromEmail))
	msg := BuildMessage(s.cfg, to, subject, html, msgID)

	if err := s.deliver(to, msg); err != nil {
		logx.Errorw("smtp send failed",
			logx.Field("to", strings.Join(to, ",")),
			logx.Field("error", err.Error()),
		)
		return Result{
			Success:   false,
			Timestamp: time.Now().UTC(),
			Error:     fmt.Sprintf("failed to send email: %v", err),
		}
	}

	logx.Infow("email sent", logx.Field("to", strings.Join(to, ",")), logx.Field("subject", subject))
	return Result{
		Success:   true,
		Timestamp: time.Now().UTC(),
		MessageID: msgID,
	}
}

func (s *SMTPSender) deliver(to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var (
		c   *smtp.Client
		err error
	)
	if s.cfg.UseTLS {
		c, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: s.cfg.Host})
	} else {
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer c.Close()

	if s.cfg.Username != "" && s.cfg.Password != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.SendMail(s.cfg.FromEmail, to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return c.Quit()
}

// BuildMessage assembles the RFC 5322 message bytes for one HTML email.
func BuildMessage(cfg Config, to []string, subject, html, msgID string) []byte {
	boundary := "=_part_" + uuid.NewString()[:8]

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s <%s>\r\n", cfg.FromName, cfg.FromEmail)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msgID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(html)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "--%s--\r\n", boundary)

	return b.Bytes()
}

func messageIDDomain(fromEmail string) string {
	if i := strings.LastIndex(fromEmail, "@"); i >= 0 && i < len(fromEmail)-1 {
		return fromEmail[i+1:]
	}
	return "smtp-agent.local"
}
