// Package config loads agent settings from an optional yaml file, with
// environment variables taking precedence over both the file and the
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/conf"

	"github.com/joeblew999/plat-smtp-agent/pkg/mail"
	"github.com/joeblew999/plat-smtp-agent/pkg/overlay"
	"github.com/joeblew999/plat-smtp-agent/pkg/store"
)

// Config holds the full agent configuration.
type Config struct {
	Firestore FirestoreConfig `json:",optional"`
	SMTP      SMTPConfig      `json:",optional"`
	Delivery  DeliveryConfig  `json:",optional"`
	Admin     AdminConfig     `json:",optional"`
	Log       LogConfig       `json:",optional"`
}

// FirestoreConfig holds document store settings.
type FirestoreConfig struct {
	CredentialsFile string `json:",optional"`
	ProjectID       string `json:",optional"`
	DatabaseURL     string `json:",optional"`
}

// SMTPConfig holds outbound SMTP settings.
type SMTPConfig struct {
	Host      string `json:",optional"`
	Port      int    `json:",default=587"`
	Username  string `json:",optional"`
	Password  string `json:",optional"`
	UseTLS    bool   `json:",default=true"`
	FromEmail string `json:",optional"`
	FromName  string `json:",optional"`
}

// DeliveryConfig holds the process-level delivery defaults. The admin-config
// document can override the polling cadence, retry limit, and cutoff at
// runtime.
type DeliveryConfig struct {
	PollIntervalSec  int    `json:",default=60"`
	MaxRetryCount    int    `json:",default=5"`
	ProcessFromAfter string `json:",optional"`
	SendsPerMinute   int    `json:",default=60"`
	LeaseMinutes     int    `json:",default=5"`
}

// AdminConfig holds the dashboard server settings.
type AdminConfig struct {
	Port int    `json:",default=8787"`
	User string `json:",optional"`
	Pass string `json:",optional"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:",default=INFO"`
	File  string `json:",optional"`
}

// Load reads the optional yaml file at path, fills defaults, and applies
// environment overrides. Invalid static configuration fails here, before
// anything connects.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		if err := conf.Load(path, &c); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	} else if err := conf.FillDefault(&c); err != nil {
		return Config{}, fmt.Errorf("fill config defaults: %w", err)
	}
	c.applyEnv()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Firestore.CredentialsFile, "FIREBASE_SERVICE_ACCOUNT_PATH", "GOOGLE_APPLICATION_CREDENTIALS")
	envStr(&c.Firestore.ProjectID, "GOOGLE_CLOUD_PROJECT")
	envStr(&c.Firestore.DatabaseURL, "FIREBASE_DATABASE_URL")

	envStr(&c.SMTP.Host, "SMTP_SERVER", "SMTP_HOST")
	envInt(&c.SMTP.Port, "SMTP_PORT")
	envStr(&c.SMTP.Username, "SMTP_USERNAME")
	envStr(&c.SMTP.Password, "SMTP_PASSWORD")
	envBool(&c.SMTP.UseTLS, "SMTP_USE_TLS")
	envStr(&c.SMTP.FromEmail, "SMTP_FROM_EMAIL")
	envStr(&c.SMTP.FromName, "SMTP_FROM_NAME")

	envInt(&c.Delivery.PollIntervalSec, "POLL_INTERVAL")
	envInt(&c.Delivery.MaxRetryCount, "MAX_RETRY_COUNT")
	envStr(&c.Delivery.ProcessFromAfter, "PROCESS_FROM_AFTER")

	envInt(&c.Admin.Port, "ADMIN_PORT")
	envStr(&c.Admin.User, "ADMIN_USER")
	envStr(&c.Admin.Pass, "ADMIN_PASS")

	envStr(&c.Log.Level, "LOG_LEVEL")
	envStr(&c.Log.File, "LOG_FILE")
}

func (c *Config) validate() error {
	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp server is required (SMTP_SERVER)")
	}
	if c.SMTP.FromEmail == "" {
		return fmt.Errorf("smtp from address is required (SMTP_FROM_EMAIL)")
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp port %d out of range", c.SMTP.Port)
	}
	if c.Delivery.PollIntervalSec < 1 {
		return fmt.Errorf("poll interval must be at least 1s, got %d", c.Delivery.PollIntervalSec)
	}
	if c.Delivery.MaxRetryCount < 0 {
		return fmt.Errorf("max retry count must not be negative, got %d", c.Delivery.MaxRetryCount)
	}
	if s := c.Delivery.ProcessFromAfter; s != "" && overlay.ParseCutoff(s) == nil {
		return fmt.Errorf("unparseable PROCESS_FROM_AFTER %q", s)
	}
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin port %d out of range", c.Admin.Port)
	}
	return nil
}

// OverlayDefaults converts the static delivery settings into the defaults the
// admin-config document overlays.
func (c Config) OverlayDefaults() overlay.Defaults {
	d := overlay.Defaults{
		PollInterval:  time.Duration(c.Delivery.PollIntervalSec) * time.Second,
		MaxRetryCount: c.Delivery.MaxRetryCount,
		LogLevel:      c.Log.Level,
	}
	if lvl, ok := normalizeLevel(c.Log.Level); ok {
		d.LogLevel = lvl
	} else {
		d.LogLevel = "INFO"
	}
	if c.Delivery.ProcessFromAfter != "" {
		d.Cutoff = overlay.ParseCutoff(c.Delivery.ProcessFromAfter)
		d.CutoffRaw = c.Delivery.ProcessFromAfter
	}
	return d
}

// MailConfig converts the SMTP settings for the sender.
func (c Config) MailConfig() mail.Config {
	fromName := c.SMTP.FromName
	if fromName == "" {
		fromName = "SMTP Agent"
	}
	return mail.Config{
		Host:      c.SMTP.Host,
		Port:      c.SMTP.Port,
		Username:  c.SMTP.Username,
		Password:  c.SMTP.Password,
		UseTLS:    c.SMTP.UseTLS,
		FromEmail: c.SMTP.FromEmail,
		FromName:  fromName,
	}
}

// StoreConfig converts the Firestore settings for the adapter.
func (c Config) StoreConfig() store.FirestoreConfig {
	return store.FirestoreConfig{
		CredentialsFile: c.Firestore.CredentialsFile,
		ProjectID:       c.Firestore.ProjectID,
		DatabaseURL:     c.Firestore.DatabaseURL,
	}
}

func normalizeLevel(s string) (string, bool) {
	switch up := strings.ToUpper(s); up {
	case "DEBUG", "INFO", "WARNING", "ERROR":
		return up, true
	}
	return "", false
}

func envStr(dst *string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
