// Package server wires the delivery engine and the admin dashboard into one
// process with a shared shutdown path.
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/proc"
	"github.com/zeromicro/go-zero/core/prometheus"
	"github.com/zeromicro/go-zero/core/service"
	"github.com/zeromicro/go-zero/rest"

	"github.com/joeblew999/plat-smtp-agent/internal/admin"
	"github.com/joeblew999/plat-smtp-agent/internal/config"
	"github.com/joeblew999/plat-smtp-agent/pkg/clock"
	"github.com/joeblew999/plat-smtp-agent/pkg/delivery"
	"github.com/joeblew999/plat-smtp-agent/pkg/mail"
	"github.com/joeblew999/plat-smtp-agent/pkg/overlay"
	"github.com/joeblew999/plat-smtp-agent/pkg/store"
)

// Version is reported in health responses and written into the smtpAgent
// subtree of every document this worker touches.
const Version = "0.2.0"

// Server runs the agent: the polling engine plus the dashboard.
type Server struct {
	cfg   config.Config
	group *service.ServiceGroup
}

// New connects the document store and assembles all services. Nothing starts
// until Start.
func New(c config.Config) (*Server, error) {
	// Required for metric.CounterVec/HistogramVec to record.
	prometheus.Enable()

	adminServer, err := rest.NewServer(restConf(c.Admin.Port))
	if err != nil {
		return nil, fmt.Errorf("create admin server: %w", err)
	}

	if err := setupLogging(c.Log); err != nil {
		return nil, err
	}

	st, err := store.NewFirestore(context.Background(), c.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	proc.AddShutdownListener(func() {
		logx.Info("closing document store")
		if err := st.Close(); err != nil {
			logx.Errorf("close document store: %v", err)
		}
	})

	defaults := c.OverlayDefaults()
	ov := overlay.New(st, defaults)
	overlay.ApplyLogLevel(defaults.LogLevel)

	sender := mail.NewSender(c.MailConfig())
	engine := delivery.NewEngine(st, sender, clock.System(), ov, delivery.LocalIdentity(Version), delivery.Config{
		SendsPerMinute: c.Delivery.SendsPerMinute,
		LeaseDuration:  time.Duration(c.Delivery.LeaseMinutes) * time.Minute,
	})

	handlers := admin.NewHandlers(st, ov, clock.System(), c.Log.File, Version, c.Admin.User, c.Admin.Pass)
	adminServer.AddRoutes(handlers.Routes())
	adminServer.AddRoutes(handlers.SSERoutes(), rest.WithSSE())

	// Engine first, dashboard second: the group stops in reverse order, so
	// the dashboard stays reachable while the engine drains.
	group := service.NewServiceGroup()
	group.Add(engine)
	group.Add(adminServer)

	logx.Infow("smtp agent configured",
		logx.Field("version", Version),
		logx.Field("admin", fmt.Sprintf("http://0.0.0.0:%d", c.Admin.Port)),
		logx.Field("smtp", fmt.Sprintf("%s:%d", c.SMTP.Host, c.SMTP.Port)),
		logx.Field("pollInterval", defaults.PollInterval.String()),
		logx.Field("maxRetryCount", defaults.MaxRetryCount),
	)

	return &Server{cfg: c, group: group}, nil
}

// Start starts all services. Blocks until shutdown signal.
func (s *Server) Start() {
	s.group.Start()
}

// Stop stops all services.
func (s *Server) Stop() {
	s.group.Stop()
}

func restConf(port int) rest.RestConf {
	rc := rest.RestConf{
		Host: "0.0.0.0",
		Port: port,
	}
	rc.ServiceConf.Name = "smtp-agent-admin"
	return rc
}

// setupLogging redirects the global logger to the configured file. Level is
// applied later by the overlay, which owns live changes to it.
func setupLogging(c config.LogConfig) error {
	if c.File == "" {
		return nil
	}
	f, err := os.OpenFile(c.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", c.File, err)
	}
	logx.SetWriter(logx.NewWriter(f))
	proc.AddShutdownListener(func() {
		f.Close()
	})
	return nil
}
