// Package incident owns the lifecycle of alerts and issues. Every status
// change is persisted together with the matching pending-escalation update.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/d9705996/escalator/internal/apperror"
	"github.com/d9705996/escalator/internal/clock"
	"github.com/d9705996/escalator/internal/escalatable"
	"github.com/d9705996/escalator/internal/model"
	"github.com/d9705996/escalator/internal/pending"
	"gorm.io/gorm"
)

// Service creates escalatable entities and moves them through their
// lifecycle.
type Service struct {
	db        *gorm.DB
	scheduler *pending.Scheduler
	clock     clock.Clock
	log       *slog.Logger
}

// NewService returns a Service. All dependencies are required.
func NewService(db *gorm.DB, scheduler *pending.Scheduler, clk clock.Clock, log *slog.Logger) *Service {
	if db == nil || scheduler == nil || clk == nil || log == nil {
		panic("incident.NewService: nil dependency")
	}
	return &Service{db: db, scheduler: scheduler, clock: clk, log: log}
}

// AlertParams describe a new alert.
type AlertParams struct {
	ProjectID string
	Title     string
	Severity  string
}

// IssueParams describe a new incident issue.
type IssueParams struct {
	ProjectID   string
	Title       string
	Description string
}

var severities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true, "info": true, "unknown": true}

// CreateAlert stores a triggered alert and schedules its triggered rules.
func (s *Service) CreateAlert(ctx context.Context, p AlertParams) (*model.Alert, error) {
	if p.Severity == "" {
		p.Severity = "critical"
	}
	var msgs []string
	if p.ProjectID == "" {
		msgs = append(msgs, "Project can't be blank")
	}
	if strings.TrimSpace(p.Title) == "" {
		msgs = append(msgs, "Title can't be blank")
	}
	if !severities[p.Severity] {
		msgs = append(msgs, fmt.Sprintf("Severity %q is not included in the list", p.Severity))
	}
	if len(msgs) > 0 {
		return nil, apperror.Validation(msgs...)
	}

	alert := &model.Alert{ProjectID: p.ProjectID, Title: strings.TrimSpace(p.Title), Severity: p.Severity, State: escalatable.NewState()}
	if err := s.create(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return alert, nil
}

// CreateIssue stores a triggered issue and schedules its triggered rules.
func (s *Service) CreateIssue(ctx context.Context, p IssueParams) (*model.Issue, error) {
	var msgs []string
	if p.ProjectID == "" {
		msgs = append(msgs, "Project can't be blank")
	}
	if strings.TrimSpace(p.Title) == "" {
		msgs = append(msgs, "Title can't be blank")
	}
	if len(msgs) > 0 {
		return nil, apperror.Validation(msgs...)
	}

	issue := &model.Issue{ProjectID: p.ProjectID, Title: strings.TrimSpace(p.Title), Description: p.Description, State: escalatable.NewState()}
	if err := s.create(ctx, issue); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return issue, nil
}

func (s *Service) create(ctx context.Context, ent escalatable.Entity) error {
	now := s.clock.Now()
	*model.StateOf(ent) = escalatable.NewStateAt(now)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ent).Error; err != nil {
			return err
		}
		_, err := s.scheduler.Reschedule(ctx, tx, ent, now)
		return err
	})
}

// Find loads the entity ref points at.
func (s *Service) Find(ctx context.Context, ref escalatable.Ref) (escalatable.Entity, error) {
	ent, err := model.FindEscalatable(ctx, s.db, ref)
	if errors.Is(err, model.ErrEscalatableNotFound) {
		return nil, apperror.NotFound(fmt.Sprintf("%s not found", ref))
	}
	return ent, err
}

// Transition applies ev to the entity at at (now when zero). When the status
// changes, stale pending escalations are canceled and rules for the new
// status are scheduled in the same transaction. changed is false for a
// no-op transition such as triggering a triggered entity.
func (s *Service) Transition(ctx context.Context, ref escalatable.Ref, ev escalatable.Event, at time.Time) (ent escalatable.Entity, changed bool, err error) {
	if ev == escalatable.EventNone {
		return nil, false, apperror.Validation("Status is not a valid transition")
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	var from escalatable.Status
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err = model.FindEscalatable(ctx, tx, ref)
		if err != nil {
			return err
		}
		state := model.StateOf(ent)
		from = state.Status
		if changed, err = state.Fire(ev, at); err != nil || !changed {
			return err
		}
		if err := tx.Save(ent).Error; err != nil {
			return err
		}
		_, err = s.scheduler.Reschedule(ctx, tx, ent, at)
		return err
	})
	switch {
	case errors.Is(err, model.ErrEscalatableNotFound):
		return nil, false, apperror.NotFound(fmt.Sprintf("%s not found", ref))
	case errors.Is(err, escalatable.ErrUnknownTransition):
		return nil, false, apperror.Validation(err.Error())
	case err != nil:
		return nil, false, fmt.Errorf("transition %s: %w", ref, err)
	}
	if changed {
		s.log.Info("escalatable status changed",
			"target_type", ref.Kind, "target_id", ref.ID,
			"from", from.String(), "to", ent.CurrentStatus().String())
	}
	return ent, changed, nil
}

// SetStatus moves the entity to the named status.
func (s *Service) SetStatus(ctx context.Context, ref escalatable.Ref, status string, at time.Time) (escalatable.Entity, bool, error) {
	return s.Transition(ctx, ref, escalatable.StatusEventFor(status), at)
}

// Delete removes the entity with its pending escalations.
func (s *Service) Delete(ctx context.Context, ref escalatable.Ref) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err := model.FindEscalatable(ctx, tx, ref)
		if err != nil {
			return err
		}
		if _, err := s.scheduler.Cancel(ctx, tx, ref); err != nil {
			return err
		}
		return tx.Delete(ent).Error
	})
	if errors.Is(err, model.ErrEscalatableNotFound) {
		return apperror.NotFound(fmt.Sprintf("%s not found", ref))
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	return nil
}
