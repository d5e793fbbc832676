// Package pending schedules escalation rules against escalatable entities
// and processes them once they fall due.
//
// A pending escalation is created when an entity enters a status some rule
// fires for, and deleted when it is processed or when the entity leaves that
// status first. Status changes cancel stale items before creating fresh
// ones, in one transaction.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/escalator/internal/escalatable"
	"github.com/d9705996/escalator/internal/escalation"
	"github.com/d9705996/escalator/internal/metrics"
	"github.com/d9705996/escalator/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Result counts the rows a reschedule touched.
type Result struct {
	Canceled int
	Created  int
}

// Scheduler turns status changes into pending escalations.
type Scheduler struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewScheduler returns a Scheduler writing through db.
func NewScheduler(db *gorm.DB, log *slog.Logger) *Scheduler {
	if db == nil || log == nil {
		panic("pending.NewScheduler: nil dependency")
	}
	return &Scheduler{db: db, log: log}
}

// StatusChange is a status transition reported by the system that owns an
// escalatable entity.
type StatusChange struct {
	Target escalatable.Ref
	// ProjectID lets an entity seen for the first time be recorded. Without
	// it, changes for unknown entities only cancel their pending items.
	ProjectID string
	From, To  escalatable.Status
	ChangedAt time.Time
}

// OnStatusChanged records a status transition reported from outside the
// incident service and reschedules the entity's escalations. Unknown
// entities are recorded when the change names their project. Changes older
// than the last recorded one are ignored; a later change covers them.
func (s *Scheduler) OnStatusChanged(ctx context.Context, ch StatusChange) (Result, error) {
	ref := ch.Target
	if !ref.Valid() {
		return Result{}, fmt.Errorf("invalid escalatable reference %q", ref)
	}
	if ch.From == ch.To {
		return Result{}, nil
	}
	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err := model.FindEscalatable(ctx, tx, ref)
		switch {
		case errors.Is(err, model.ErrEscalatableNotFound) && ch.ProjectID == "":
			result.Canceled, err = s.cancelAll(ctx, tx, ref)
			return err
		case errors.Is(err, model.ErrEscalatableNotFound):
			if ent, err = s.record(ctx, tx, ch); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			state := model.StateOf(ent)
			if state.Superseded(ch.ChangedAt) {
				s.log.Debug("status event superseded",
					"target_type", ref.Kind, "target_id", ref.ID,
					"event_status", ch.To.String(), "current_status", state.Status.String())
				return nil
			}
			changed, err := state.Apply(ch.To, ch.ChangedAt)
			if err != nil {
				return err
			}
			if changed {
				if err := tx.Save(ent).Error; err != nil {
					return fmt.Errorf("save %s: %w", ref, err)
				}
			}
		}
		result, err = s.Reschedule(ctx, tx, ent, ch.ChangedAt)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("reschedule %s: %w", ref, err)
	}
	return result, nil
}

// record stores an entity first seen through a status change.
func (s *Scheduler) record(ctx context.Context, tx *gorm.DB, ch StatusChange) (escalatable.Entity, error) {
	state := escalatable.NewStateAt(ch.ChangedAt)
	if _, err := state.Fire(escalatable.EventFor(ch.To), ch.ChangedAt); err != nil {
		return nil, err
	}
	ent, err := model.NewEscalatable(ch.Target, ch.ProjectID, state)
	if err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Create(ent).Error; err != nil {
		return nil, fmt.Errorf("record %s: %w", ch.Target, err)
	}
	s.log.Info("escalatable recorded from status event",
		"target_type", ch.Target.Kind, "target_id", ch.Target.ID,
		"project_id", ch.ProjectID, "status", ch.To.String())
	return ent, nil
}

// Reschedule aligns ent's pending escalations with its current status: items
// expecting any other status are deleted, then one item per matching rule is
// created due at changedAt plus the rule's delay. Run it on tx together with
// the status write so both commit or neither does.
func (s *Scheduler) Reschedule(ctx context.Context, tx *gorm.DB, ent escalatable.Entity, changedAt time.Time) (Result, error) {
	ref := ent.EscalatableRef()
	status := ent.CurrentStatus()

	res := tx.WithContext(ctx).
		Where("target_type = ? AND target_id = ? AND expected_status <> ?", ref.Kind, ref.ID, status).
		Delete(&model.PendingEscalation{})
	if res.Error != nil {
		return Result{}, fmt.Errorf("cancel stale pending escalations: %w", res.Error)
	}
	result := Result{Canceled: int(res.RowsAffected)}
	if result.Canceled > 0 {
		metrics.PendingCanceled.WithLabelValues(status.String()).Add(float64(result.Canceled))
	}

	if !escalatable.IsOpenStatus(status) {
		s.logResult(ref, status, result)
		return result, nil
	}
	rules, err := escalation.LoadRules(ctx, tx, ent.Project(), status)
	if err != nil {
		return result, err
	}
	if len(rules) == 0 {
		s.logResult(ref, status, result)
		return result, nil
	}

	items := make([]model.PendingEscalation, 0, len(rules))
	for _, r := range rules {
		items = append(items, model.PendingEscalation{
			RuleID:         r.ID,
			ScheduleID:     r.ScheduleID,
			ProjectID:      ent.Project(),
			TargetType:     ref.Kind,
			TargetID:       ref.ID,
			ExpectedStatus: status,
			ProcessAt:      changedAt.Add(r.Elapsed()).UTC(),
		})
	}
	// An item that already exists for (rule, target) is left as is.
	res = tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&items)
	if res.Error != nil {
		return result, fmt.Errorf("create pending escalations: %w", res.Error)
	}
	result.Created = int(res.RowsAffected)
	if result.Created > 0 {
		metrics.PendingCreated.WithLabelValues(status.String()).Add(float64(result.Created))
	}
	s.logResult(ref, status, result)
	return result, nil
}

// Cancel deletes every pending escalation of ref, for entities that are
// being removed.
func (s *Scheduler) Cancel(ctx context.Context, tx *gorm.DB, ref escalatable.Ref) (int, error) {
	return s.cancelAll(ctx, tx, ref)
}

func (s *Scheduler) cancelAll(ctx context.Context, tx *gorm.DB, ref escalatable.Ref) (int, error) {
	res := tx.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", ref.Kind, ref.ID).
		Delete(&model.PendingEscalation{})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel pending escalations: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Scheduler) logResult(ref escalatable.Ref, status escalatable.Status, r Result) {
	if r.Canceled == 0 && r.Created == 0 {
		return
	}
	s.log.Info("pending escalations rescheduled",
		"target_type", ref.Kind,
		"target_id", ref.ID,
		"status", status.String(),
		"canceled", r.Canceled,
		"created", r.Created,
	)
}
