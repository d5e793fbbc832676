// Package config loads all runtime configuration from environment variables.
// No config files and no third-party config framework are used.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the escalator.
type Config struct {
	HTTP       HTTPConfig
	DB         DBConfig
	Log        LogConfig
	Worker     WorkerConfig
	Escalation EscalationConfig
	Notify     NotifyConfig
	SMTP       SMTPConfig
	NATS       NATSConfig
	Features   FeatureConfig
	App        AppConfig
	OTel       OTelConfig
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int
}

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver   string // "sqlite" (default) or "postgres"
	DSN      string // required when Driver == "postgres"
	File     string // SQLite database file path (default: "escalator.db")
	MaxConns int    // Postgres only
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string
	Format string
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency          int
	SweepInterval        time.Duration
	SweepBatchSize       int
	ClaimLease           time.Duration
	ShiftPersistInterval time.Duration
	// ItemTimeout bounds on-call resolution plus every delivery of one
	// pending escalation. Zero means half of ClaimLease.
	ItemTimeout time.Duration
}

// EffectiveItemTimeout is ItemTimeout, or half of ClaimLease when unset.
func (w WorkerConfig) EffectiveItemTimeout() time.Duration {
	if w.ItemTimeout > 0 {
		return w.ItemTimeout
	}
	return w.ClaimLease / 2
}

// EscalationConfig bounds escalation policies.
type EscalationConfig struct {
	MaxRules int
}

// NotifyConfig selects and tunes page channels.
type NotifyConfig struct {
	Channels    []string // any of "log", "email", "nats"
	Timeout     time.Duration
	MaxAttempts int
}

// SMTPConfig is used by the email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // intentional: holds SMTP password loaded from env
	From     string
}

// NATSConfig is used by the status-change consumer and the nats channel.
type NATSConfig struct {
	URL           string
	PageSubject   string
	StatusSubject string
	Stream        string
	Consumer      string
}

// FeatureConfig toggles licensed features for every project.
type FeatureConfig struct {
	EscalationPolicies bool
	OncallSchedules    bool
}

// AppConfig holds application-level settings.
type AppConfig struct {
	SeedFile string
}

// OTelConfig holds OpenTelemetry exporter settings.
type OTelConfig struct {
	OTLPEndpoint string
	SampleRatio  float64
}

// Load reads configuration from environment variables, applies defaults,
// and returns an error if any required field is absent.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// HTTP
	cfg.HTTP.Port = envInt("HTTP_PORT", 8080)

	// DB
	cfg.DB.Driver = envStr("DB_DRIVER", "sqlite")
	cfg.DB.File = envStr("DB_FILE", "escalator.db")
	cfg.DB.DSN = os.Getenv("DB_DSN")
	if cfg.DB.Driver == "postgres" && cfg.DB.DSN == "" {
		return nil, errors.New("DB_DSN is required when DB_DRIVER=postgres")
	}
	cfg.DB.MaxConns = envInt("DB_MAX_CONNS", 25)

	// Log
	cfg.Log.Level = envStr("LOG_LEVEL", "info")
	cfg.Log.Format = envStr("LOG_FORMAT", "json")

	// Worker
	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", 10)
	if cfg.Worker.SweepInterval, err = envDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("SWEEP_INTERVAL: %w", err)
	}
	cfg.Worker.SweepBatchSize = envInt("SWEEP_BATCH_SIZE", 100)
	if cfg.Worker.ClaimLease, err = envDuration("CLAIM_LEASE", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("CLAIM_LEASE: %w", err)
	}
	if cfg.Worker.ShiftPersistInterval, err = envDuration("SHIFT_PERSIST_INTERVAL", time.Hour); err != nil {
		return nil, fmt.Errorf("SHIFT_PERSIST_INTERVAL: %w", err)
	}
	if cfg.Worker.ItemTimeout, err = envDuration("SWEEP_ITEM_TIMEOUT", 0); err != nil {
		return nil, fmt.Errorf("SWEEP_ITEM_TIMEOUT: %w", err)
	}
	if cfg.Worker.ItemTimeout > 0 && cfg.Worker.ItemTimeout >= cfg.Worker.ClaimLease {
		return nil, errors.New("SWEEP_ITEM_TIMEOUT must be shorter than CLAIM_LEASE")
	}

	// Escalation
	cfg.Escalation.MaxRules = envInt("ESCALATION_MAX_RULES", 10)

	// Notify
	cfg.Notify.Channels = envList("NOTIFY_CHANNELS", []string{"log"})
	if cfg.Notify.Timeout, err = envDuration("NOTIFY_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("NOTIFY_TIMEOUT: %w", err)
	}
	cfg.Notify.MaxAttempts = envInt("NOTIFY_MAX_ATTEMPTS", 3)
	// One channel delivery must fit in the item budget it is carved from.
	if cfg.Notify.Timeout > cfg.Worker.EffectiveItemTimeout() {
		return nil, errors.New("NOTIFY_TIMEOUT must not exceed SWEEP_ITEM_TIMEOUT")
	}

	// SMTP
	cfg.SMTP.Host = os.Getenv("SMTP_HOST")
	cfg.SMTP.Port = envInt("SMTP_PORT", 587)
	cfg.SMTP.User = os.Getenv("SMTP_USER")
	cfg.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	cfg.SMTP.From = envStr("SMTP_FROM", "escalator@localhost")

	// NATS
	cfg.NATS.URL = os.Getenv("NATS_URL")
	cfg.NATS.PageSubject = envStr("NATS_PAGE_SUBJECT", "escalator.pages")
	cfg.NATS.StatusSubject = envStr("NATS_STATUS_SUBJECT", "escalator.status_changed")
	cfg.NATS.Stream = envStr("NATS_STATUS_STREAM", "ESCALATOR")
	cfg.NATS.Consumer = envStr("NATS_STATUS_CONSUMER", "escalator")

	for _, ch := range cfg.Notify.Channels {
		switch ch {
		case "log":
		case "email":
			if cfg.SMTP.Host == "" {
				return nil, errors.New("SMTP_HOST is required when NOTIFY_CHANNELS includes email")
			}
		case "nats":
			if cfg.NATS.URL == "" {
				return nil, errors.New("NATS_URL is required when NOTIFY_CHANNELS includes nats")
			}
		default:
			return nil, fmt.Errorf("NOTIFY_CHANNELS: unknown channel %q", ch)
		}
	}

	// Features
	cfg.Features.EscalationPolicies = envBool("FEATURE_ESCALATION_POLICIES", true)
	cfg.Features.OncallSchedules = envBool("FEATURE_ONCALL_SCHEDULES", true)

	// App
	cfg.App.SeedFile = os.Getenv("SEED_FILE")

	// OTel
	cfg.OTel.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTel.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", 1)

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envList splits a comma-separated value, dropping empty items.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}
