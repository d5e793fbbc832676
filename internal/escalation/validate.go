package escalation

import (
	"context"
	"fmt"
	"strings"

	"github.com/d9705996/escalator/internal/apperror"
	"github.com/d9705996/escalator/internal/escalatable"
	"github.com/d9705996/escalator/internal/model"
)

// validate collects every problem with p. selfID excludes the policy being
// updated from the name check. A nil p.Rules skips rule checks.
func (s *Service) validate(ctx context.Context, projectID, selfID string, p PolicyParams) error {
	var msgs []string

	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		msgs = append(msgs, msgNameBlank)
	case len(name) > maxNameLength:
		msgs = append(msgs, fmt.Sprintf("Name is too long (maximum is %d characters)", maxNameLength))
	default:
		var count int64
		q := s.db.WithContext(ctx).Model(&model.EscalationPolicy{}).Where("project_id = ? AND name = ?", projectID, name)
		if selfID != "" {
			q = q.Where("id <> ?", selfID)
		}
		if err := q.Count(&count).Error; err != nil {
			return fmt.Errorf("count escalation policies: %w", err)
		}
		if count > 0 {
			msgs = append(msgs, msgNameTaken)
		}
	}
	if len(p.Description) > maxDescriptionChars {
		msgs = append(msgs, fmt.Sprintf("Description is too long (maximum is %d characters)", maxDescriptionChars))
	}

	if p.Rules != nil {
		ruleMsgs, err := s.validateRules(ctx, projectID, p.Rules)
		if err != nil {
			return err
		}
		msgs = append(msgs, ruleMsgs...)
	}
	if len(msgs) > 0 {
		return apperror.Validation(msgs...)
	}
	return nil
}

func (s *Service) validateRules(ctx context.Context, projectID string, rules []RuleParams) ([]string, error) {
	switch {
	case len(rules) == 0:
		return []string{MsgNoRules}, nil
	case len(rules) > s.maxRules:
		return []string{fmt.Sprintf(msgTooManyRules, s.maxRules)}, nil
	}

	var msgs []string
	seen := make(map[model.RuleKey]bool, len(rules))
	scheduleIDs := make([]string, 0, len(rules))
	badElapsed, badStatus, dup := false, false, false
	for _, r := range rules {
		if r.ElapsedTimeSeconds < 0 || r.ElapsedTimeSeconds > MaxElapsedTimeSeconds {
			badElapsed = true
		}
		if !escalatable.IsOpenStatus(r.Status) {
			badStatus = true
		}
		if seen[r.key()] {
			dup = true
		}
		seen[r.key()] = true
		scheduleIDs = append(scheduleIDs, r.ScheduleID)
	}
	if badElapsed {
		msgs = append(msgs, fmt.Sprintf(msgBadElapsedTime, MaxElapsedTimeSeconds))
	}
	if badStatus {
		msgs = append(msgs, msgBadRuleStatus)
	}
	if dup {
		msgs = append(msgs, msgDuplicateRules)
	}

	var schedules []model.OncallSchedule
	if err := s.db.WithContext(ctx).Select("id", "project_id").Where("id IN ?", scheduleIDs).Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("load rule schedules: %w", err)
	}
	inProject := make(map[string]bool, len(schedules))
	for _, sc := range schedules {
		inProject[sc.ID] = sc.ProjectID == projectID
	}
	for _, id := range scheduleIDs {
		if !inProject[id] {
			msgs = append(msgs, MsgBadSchedules)
			break
		}
	}
	return msgs, nil
}
