// Escalator pages on-call responders when alerts and incidents stay
// unattended.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d9705996/escalator/internal/api"
	"github.com/d9705996/escalator/internal/auth"
	"github.com/d9705996/escalator/internal/clock"
	"github.com/d9705996/escalator/internal/config"
	"github.com/d9705996/escalator/internal/db"
	"github.com/d9705996/escalator/internal/escalation"
	"github.com/d9705996/escalator/internal/events"
	"github.com/d9705996/escalator/internal/health"
	"github.com/d9705996/escalator/internal/notify"
	"github.com/d9705996/escalator/internal/observability"
	"github.com/d9705996/escalator/internal/oncall"
	"github.com/d9705996/escalator/internal/pending"
	"github.com/d9705996/escalator/internal/seed"
	"github.com/d9705996/escalator/internal/version"
	"github.com/d9705996/escalator/internal/worker"
	"github.com/nats-io/nats.go"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability -------------------------------------------------------
	obs, log, err := observability.New(ctx, &observability.Config{
		ServiceName:    "escalator",
		ServiceVersion: version.Version,
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		OTLPEndpoint:   cfg.OTel.OTLPEndpoint,
		SampleRatio:    cfg.OTel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(log)
	log.Info("starting escalator", "version", version.Version, "commit", version.Commit, "db_driver", cfg.DB.Driver)

	// --- Database ------------------------------------------------------------
	gormDB, pool, err := db.New(ctx, &cfg.DB)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if pool != nil {
		defer pool.Close()
	}
	log.Info("database ready", "driver", cfg.DB.Driver)

	// --- Services ------------------------------------------------------------
	clk := clock.Real{}
	features := auth.StaticFeatures{
		auth.FeatureEscalationPolicies: cfg.Features.EscalationPolicies,
		auth.FeatureOncallSchedules:    cfg.Features.OncallSchedules,
	}
	oncallSvc := oncall.NewService(gormDB, auth.RoleAuthorizer{}, features, clk, log)
	policySvc := escalation.NewService(gormDB, auth.RoleAuthorizer{}, features, cfg.Escalation.MaxRules, log)
	scheduler := pending.NewScheduler(gormDB, log)

	if cfg.App.SeedFile != "" {
		file, err := seed.Load(cfg.App.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.New(gormDB, oncallSvc, policySvc, log).Apply(ctx, file); err != nil {
			return fmt.Errorf("apply seed file: %w", err)
		}
	}

	// --- Notification channels -----------------------------------------------
	var channels []notify.Channel
	for _, name := range cfg.Notify.Channels {
		switch name {
		case "log":
			channels = append(channels, notify.NewLogChannel(log))
		case "email":
			channels = append(channels, notify.NewSMTPChannel(notify.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				User:     cfg.SMTP.User,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
			}))
		case "nats":
			nc, err := nats.Connect(cfg.NATS.URL, nats.Name("escalator-pager"))
			if err != nil {
				return fmt.Errorf("connect nats for pages: %w", err)
			}
			defer nc.Close()
			channels = append(channels, notify.NewNATSChannel(nc, cfg.NATS.PageSubject))
		}
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{Timeout: cfg.Notify.Timeout}, log, channels...)

	processor := pending.NewProcessor(gormDB, oncallSvc, dispatcher, clk, pending.Config{
		BatchSize:   cfg.Worker.SweepBatchSize,
		Concurrency: cfg.Worker.Concurrency,
		Lease:       cfg.Worker.ClaimLease,
		ItemTimeout: cfg.Worker.EffectiveItemTimeout(),
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, log)

	// --- Status events ---------------------------------------------------------
	checks := []health.Check{{Name: "database", Pinger: db.NewPinger(gormDB)}}
	if cfg.NATS.URL != "" {
		consumer, err := events.NewConsumer(ctx, events.ConsumerConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.StatusSubject,
			Stream:  cfg.NATS.Stream,
			Durable: cfg.NATS.Consumer,
		}, events.NewHandler(scheduler, 0, log), log)
		if err != nil {
			return fmt.Errorf("start status consumer: %w", err)
		}
		defer func() {
			if err := consumer.Close(); err != nil {
				log.Error("status consumer close error", "err", err)
			}
		}()
		checks = append(checks, health.Check{Name: "nats", Pinger: consumer})
	}

	// --- Worker queue --------------------------------------------------------
	// River migrations only run when Postgres is available.
	if pool != nil {
		if err := worker.MigrateRiver(ctx, pool); err != nil {
			return fmt.Errorf("river migrations: %w", err)
		}
		log.Info("river migrations applied")
	}

	wq, err := worker.New(pool, cfg.DB.Driver, cfg.Worker.Concurrency, worker.Tasks{
		Sweeper:              processor,
		SweepInterval:        cfg.Worker.SweepInterval,
		Shifts:               oncallSvc,
		ShiftPersistInterval: cfg.Worker.ShiftPersistInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if err := wq.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wq.Stop(stopCtx); err != nil {
			log.Error("worker stop error", "err", err)
		}
	}()

	// --- HTTP routes ---------------------------------------------------------
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(health.New(checks...), log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Start server --------------------------------------------------------
	log.Info("http server listening", "addr", srv.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped cleanly")
	return nil
}
