package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/escalator/internal/apperror"
	"github.com/d9705996/escalator/internal/clock"
	"github.com/d9705996/escalator/internal/metrics"
	"github.com/d9705996/escalator/internal/model"
	"github.com/d9705996/escalator/internal/notify"
	"github.com/d9705996/escalator/internal/oncall"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// OnCallResolver answers who is on call for a schedule. *oncall.Service
// implements it.
type OnCallResolver interface {
	OnCallAt(ctx context.Context, scheduleID string, at time.Time) ([]oncall.OnCall, error)
}

// Config tunes the sweep.
type Config struct {
	// BatchSize caps the items claimed per sweep.
	BatchSize int
	// Concurrency caps the items processed at once.
	Concurrency int
	// Lease is how long a claim keeps other sweeps off an item.
	Lease time.Duration
	// ItemTimeout bounds on-call resolution plus every delivery of one item.
	// It must stay below Lease.
	ItemTimeout time.Duration
	// MaxAttempts failed dispatches drop an item.
	MaxAttempts int
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.ItemTimeout <= 0 || c.ItemTimeout >= c.Lease {
		c.ItemTimeout = c.Lease / 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeNotified
	outcomeStale
	outcomeOrphaned
	outcomeNoOncall
	outcomeFailed
	outcomeDropped
)

var outcomeLabels = map[outcome]string{
	outcomeSkipped:  metrics.OutcomeSkipped,
	outcomeNotified: metrics.OutcomeNotified,
	outcomeStale:    metrics.OutcomeStale,
	outcomeOrphaned: metrics.OutcomeOrphaned,
	outcomeNoOncall: metrics.OutcomeNoOncall,
	outcomeFailed:   metrics.OutcomeFailed,
	outcomeDropped:  metrics.OutcomeDropped,
}

// SweepResult tallies one sweep.
type SweepResult struct {
	Due      int
	Notified int
	Stale    int
	Orphaned int
	NoOncall int
	Failed   int
	Dropped  int
	Skipped  int
}

func (r *SweepResult) add(o outcome) {
	switch o {
	case outcomeNotified:
		r.Notified++
	case outcomeStale:
		r.Stale++
	case outcomeOrphaned:
		r.Orphaned++
	case outcomeNoOncall:
		r.NoOncall++
	case outcomeFailed:
		r.Failed++
	case outcomeDropped:
		r.Dropped++
	default:
		r.Skipped++
	}
}

// Processor fires due pending escalations.
type Processor struct {
	db       *gorm.DB
	resolver OnCallResolver
	notifier notify.Notifier
	clock    clock.Clock
	cfg      Config
	log      *slog.Logger
	tracer   trace.Tracer
}

// NewProcessor returns a Processor. Zero Config fields take defaults.
func NewProcessor(db *gorm.DB, resolver OnCallResolver, notifier notify.Notifier, clk clock.Clock, cfg Config, log *slog.Logger) *Processor {
	if db == nil || resolver == nil || notifier == nil || clk == nil || log == nil {
		panic("pending.NewProcessor: nil dependency")
	}
	cfg.setDefaults()
	return &Processor{
		db:       db,
		resolver: resolver,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		log:      log,
		tracer:   otel.Tracer("github.com/d9705996/escalator/internal/pending"),
	}
}

// Sweep processes up to BatchSize due items. Per-item failures are logged
// and counted; only failing to list due items returns an error.
func (p *Processor) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := p.tracer.Start(ctx, "pending.Sweep")
	defer span.End()

	now := p.clock.Now()
	var ids []string
	err := p.db.WithContext(ctx).Model(&model.PendingEscalation{}).
		Where("process_at <= ? AND (claimed_until IS NULL OR claimed_until < ?)", now, now).
		Order("process_at").
		Limit(p.cfg.BatchSize).
		Pluck("id", &ids).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due items")
		return SweepResult{}, fmt.Errorf("list due pending escalations: %w", err)
	}
	metrics.SweepDue.Set(float64(len(ids)))
	span.SetAttributes(attribute.Int("pending.due", len(ids)))

	// Each worker writes only its own slot; the tally happens after Wait.
	outcomes := make([]outcome, len(ids))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = p.processItem(ctx, id, now)
			return nil
		})
	}
	_ = g.Wait()

	result := SweepResult{Due: len(ids)}
	for _, o := range outcomes {
		result.add(o)
		metrics.PendingProcessed.WithLabelValues(outcomeLabels[o]).Inc()
	}
	if result.Due > 0 {
		p.log.Info("pending escalation sweep finished",
			"due", result.Due,
			"notified", result.Notified,
			"stale", result.Stale,
			"orphaned", result.Orphaned,
			"no_oncall", result.NoOncall,
			"failed", result.Failed,
			"dropped", result.Dropped,
			"skipped", result.Skipped,
		)
	}
	return result, nil
}

func (p *Processor) processItem(ctx context.Context, id string, now time.Time) outcome {
	ctx, span := p.tracer.Start(ctx, "pending.ProcessItem",
		trace.WithAttributes(attribute.String("pending_escalation.id", id)))
	defer span.End()

	o, err := p.process(ctx, id, now)
	span.SetAttributes(attribute.String("pending_escalation.outcome", outcomeLabels[o]))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.log.Error("pending escalation processing failed", "pending_escalation_id", id, "err", err)
	}
	return o
}

// settleTimeout bounds the writes that record an item's outcome.
const settleTimeout = 10 * time.Second

// process handles one due item. The claim keeps concurrent sweeps off the
// row; the status re-check discards items whose cancellation raced the
// sweep. ItemTimeout bounds on-call resolution and delivery only; the
// outcome is recorded even when that budget or ctx has run out.
func (p *Processor) process(ctx context.Context, id string, now time.Time) (outcome, error) {
	db := p.db.WithContext(ctx)
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()
	settle := p.db.WithContext(settleCtx)

	claimed, err := p.claim(db, id, now)
	if err != nil || !claimed {
		return outcomeSkipped, err
	}

	var item model.PendingEscalation
	if err := db.First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("load pending escalation: %w", err)
	}
	log := p.log.With(
		"pending_escalation_id", item.ID,
		"rule_id", item.RuleID,
		"target_type", item.TargetType,
		"target_id", item.TargetID,
	)

	ent, err := model.FindEscalatable(ctx, p.db, item.Target())
	switch {
	case errors.Is(err, model.ErrEscalatableNotFound):
		log.Warn("escalatable is gone, dropping pending escalation")
		return outcomeOrphaned, p.delete(db, id)
	case err != nil:
		return outcomeFailed, err
	}
	if ent.CurrentStatus() != item.ExpectedStatus {
		log.Debug("status changed since scheduling, discarding",
			"expected_status", item.ExpectedStatus.String(), "current_status", ent.CurrentStatus().String())
		return outcomeStale, p.delete(db, id)
	}

	var rule model.EscalationRule
	if err := db.First(&rule, "id = ?", item.RuleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("escalation rule is gone, dropping pending escalation")
			return outcomeOrphaned, p.delete(db, id)
		}
		return outcomeFailed, fmt.Errorf("load escalation rule: %w", err)
	}

	work, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	oncalls, err := p.resolver.OnCallAt(work, item.ScheduleID, now)
	switch {
	case apperror.Is(err, apperror.KindNotFound):
		log.Warn("on-call schedule is gone, dropping pending escalation", "schedule_id", item.ScheduleID)
		return outcomeOrphaned, p.delete(settle, id)
	case err != nil:
		return p.failureOutcome(item), p.recordFailure(settle, &item, log, fmt.Errorf("resolve on-call: %w", err))
	}
	if len(oncalls) == 0 {
		log.Warn("nobody is on call, dropping pending escalation", "schedule_id", item.ScheduleID)
		return outcomeNoOncall, p.delete(settle, id)
	}

	delivered := 0
	var errs []error
	for _, oc := range oncalls {
		page := notify.Page{
			PendingEscalationID: item.ID,
			Target:              item.Target(),
			ProjectID:           item.ProjectID,
			RuleID:              rule.ID,
			ScheduleID:          item.ScheduleID,
			Status:              item.ExpectedStatus,
			ElapsedTimeSeconds:  rule.ElapsedTimeSeconds,
			Recipient:           notify.Recipient{UserID: oc.User.ID, Email: oc.User.Email, Name: oc.User.Name},
			FiredAt:             now,
		}
		if err := p.notifier.Notify(work, page); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", oc.User.ID, err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return p.failureOutcome(item), p.recordFailure(settle, &item, log, errors.Join(errs...))
	}
	if len(errs) > 0 {
		log.Warn("some on-call users could not be paged", "err", errors.Join(errs...))
	}
	log.Info("escalation fired", "schedule_id", item.ScheduleID, "paged", delivered)
	return outcomeNotified, p.delete(settle, id)
}

// claim takes the item's lease if nobody holds it. Exactly one concurrent
// caller sees true.
func (p *Processor) claim(db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.Model(&model.PendingEscalation{}).
		Where("id = ? AND (claimed_until IS NULL OR claimed_until < ?)", id, now).
		Updates(map[string]any{"claimed_until": now.Add(p.cfg.Lease), "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("claim pending escalation: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (p *Processor) delete(db *gorm.DB, id string) error {
	if err := db.Delete(&model.PendingEscalation{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete pending escalation: %w", err)
	}
	return nil
}

func (p *Processor) failureOutcome(item model.PendingEscalation) outcome {
	if item.Attempts+1 >= p.cfg.MaxAttempts {
		return outcomeDropped
	}
	return outcomeFailed
}

// recordFailure counts a failed attempt. The item stays claimed until its
// lease lapses, which spaces out retries; after MaxAttempts it is dropped.
func (p *Processor) recordFailure(db *gorm.DB, item *model.PendingEscalation, log *slog.Logger, cause error) error {
	attempts := item.Attempts + 1
	if attempts >= p.cfg.MaxAttempts {
		log.Error("giving up on pending escalation", "attempts", attempts, "err", cause)
		return p.delete(db, item.ID)
	}
	log.Warn("pending escalation attempt failed, will retry after lease", "attempts", attempts, "err", cause)
	if err := db.Model(&model.PendingEscalation{}).Where("id = ?", item.ID).Update("attempts", attempts).Error; err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}
