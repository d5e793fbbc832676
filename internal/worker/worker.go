// Package worker runs the periodic background jobs: the pending-escalation
// sweep and on-call shift persistence. On Postgres they are River periodic
// jobs; on SQLite a ticker loop runs them in-process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/d9705996/escalator/internal/metrics"
	"github.com/d9705996/escalator/internal/pending"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// Sweeper fires due pending escalations. *pending.Processor implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (pending.SweepResult, error)
}

// ShiftPersister records elapsed on-call shifts. *oncall.Service implements it.
type ShiftPersister interface {
	PersistShifts(ctx context.Context) (int, error)
}

// Tasks are the jobs the worker runs and how often.
type Tasks struct {
	Sweeper              Sweeper
	SweepInterval        time.Duration
	Shifts               ShiftPersister
	ShiftPersistInterval time.Duration
}

func (t *Tasks) validate() error {
	if t.Sweeper == nil || t.Shifts == nil {
		return errors.New("worker: sweeper and shift persister are required")
	}
	if t.SweepInterval <= 0 || t.ShiftPersistInterval <= 0 {
		return errors.New("worker: intervals must be positive")
	}
	return nil
}

func runSweep(ctx context.Context, s Sweeper) error {
	if _, err := s.Sweep(ctx); err != nil {
		return fmt.Errorf("sweep pending escalations: %w", err)
	}
	return nil
}

func runPersistShifts(ctx context.Context, p ShiftPersister) error {
	n, err := p.PersistShifts(ctx)
	metrics.ShiftsPersisted.Add(float64(n))
	if err != nil {
		return fmt.Errorf("persist oncall shifts: %w", err)
	}
	return nil
}

// SweepArgs enqueues one pending-escalation sweep.
type SweepArgs struct{}

// Kind returns the unique job type identifier for sweep jobs.
func (SweepArgs) Kind() string { return "pending_escalation_sweep" }

type sweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper Sweeper
}

func (w *sweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	return runSweep(ctx, w.sweeper)
}

// PersistShiftsArgs enqueues one shift persistence run.
type PersistShiftsArgs struct{}

// Kind returns the unique job type identifier for shift persistence jobs.
func (PersistShiftsArgs) Kind() string { return "oncall_persist_shifts" }

type persistShiftsWorker struct {
	river.WorkerDefaults[PersistShiftsArgs]
	shifts ShiftPersister
}

func (w *persistShiftsWorker) Work(ctx context.Context, _ *river.Job[PersistShiftsArgs]) error {
	return runPersistShifts(ctx, w.shifts)
}

// Queue is the interface exposed by both the River client and tickerQueue.
type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Client wraps river.Client and exposes a Start/Stop lifecycle.
type Client struct {
	client *river.Client[pgx.Tx]
	log    *slog.Logger
}

// Start begins processing queued jobs.
func (c *Client) Start(ctx context.Context) error { return c.client.Start(ctx) }

// Stop gracefully shuts down the worker client.
func (c *Client) Stop(ctx context.Context) error { return c.client.Stop(ctx) }

// New creates a queue implementation appropriate for the given driver.
//   - "postgres": a River client backed by pool with both jobs scheduled
//     as periodic jobs; only the elected leader enqueues them.
//   - anything else: an in-process ticker loop.
//
// pool may be nil when driver != "postgres".
func New(pool *pgxpool.Pool, driver string, concurrency int, tasks Tasks, log *slog.Logger) (Queue, error) {
	if err := tasks.validate(); err != nil {
		return nil, err
	}
	if driver != "postgres" {
		return newTickerQueue(tasks, log), nil
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &sweepWorker{sweeper: tasks.Sweeper})
	river.AddWorker(workers, &persistShiftsWorker{shifts: tasks.Shifts})

	// A missed run is covered by the next one, so periodic jobs never retry.
	once := &river.InsertOpts{MaxAttempts: 1}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: concurrency},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(tasks.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) { return SweepArgs{}, once },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(tasks.ShiftPersistInterval),
				func() (river.JobArgs, *river.InsertOpts) { return PersistShiftsArgs{}, once },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Client{client: client, log: log}, nil
}

// tickerQueue runs the jobs on tickers when River is unavailable
// (DB_DRIVER=sqlite). Each job runs once at start and then every interval;
// runs of the same job never overlap.
type tickerQueue struct {
	tasks  Tasks
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTickerQueue(tasks Tasks, log *slog.Logger) *tickerQueue {
	return &tickerQueue{tasks: tasks, log: log}
}

func (q *tickerQueue) Start(ctx context.Context) error {
	if q.cancel != nil {
		return errors.New("worker: already started")
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.log.Info("worker queue running in-process (sqlite driver, River requires postgres)",
		"sweep_interval", q.tasks.SweepInterval, "shift_persist_interval", q.tasks.ShiftPersistInterval)

	q.loop(ctx, SweepArgs{}.Kind(), q.tasks.SweepInterval, func(ctx context.Context) error {
		return runSweep(ctx, q.tasks.Sweeper)
	})
	q.loop(ctx, PersistShiftsArgs{}.Kind(), q.tasks.ShiftPersistInterval, func(ctx context.Context) error {
		return runPersistShifts(ctx, q.tasks.Shifts)
	})
	return nil
}

func (q *tickerQueue) loop(ctx context.Context, kind string, every time.Duration, fn func(context.Context) error) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				q.log.Error("periodic job failed", "kind", kind, "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the loops and waits for in-flight runs, up to ctx.
func (q *tickerQueue) Stop(ctx context.Context) error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}
}

// MigrateRiver runs River's built-in schema migrations against the given pool.
// Only call this when DB_DRIVER=postgres.
func MigrateRiver(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}
