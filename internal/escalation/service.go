// Package escalation manages escalation policies and their rules.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/d9705996/escalator/internal/apperror"
	"github.com/d9705996/escalator/internal/auth"
	"github.com/d9705996/escalator/internal/escalatable"
	"github.com/d9705996/escalator/internal/model"
	"gorm.io/gorm"
)

// MaxElapsedTimeSeconds is the longest delay a rule may have (one day).
const MaxElapsedTimeSeconds = 24 * 60 * 60

// DefaultMaxRules caps the rules of one policy when no limit is configured.
const DefaultMaxRules = 10

// User-facing messages.
const (
	MsgNoPermissions    = "You have insufficient permissions to configure escalation policies for this project"
	MsgNoLicense        = "Escalation policies are not supported for this project"
	MsgNoRules          = "Escalation policies must have at least one rule"
	MsgBadSchedules     = "Schedule-based escalation rules must have a schedule in the same project as the policy"
	msgTooManyRules     = "Escalation policies may not have more than %d rules"
	msgPolicyNotFound   = "Escalation policy not found"
	msgBadElapsedTime   = "Elapsed time must be between 0 and %d seconds"
	msgBadRuleStatus    = "Escalation rules can only fire for triggered or acknowledged status"
	msgDuplicateRules   = "Escalation rules must be unique"
	msgNameBlank        = "Name can't be blank"
	msgNameTaken        = "Name has already been taken"
	maxNameLength       = 72
	maxDescriptionChars = 160
)

// RuleParams describes one desired rule.
type RuleParams struct {
	ScheduleID         string
	ElapsedTimeSeconds int
	Status             escalatable.Status
}

func (r RuleParams) key() model.RuleKey {
	return model.RuleKey{ScheduleID: r.ScheduleID, ElapsedTimeSeconds: r.ElapsedTimeSeconds, Status: r.Status}
}

// PolicyParams are the editable attributes of a policy. On update a nil
// Rules leaves the rules untouched; a non-nil slice is the full desired set.
type PolicyParams struct {
	Name        string
	Description string
	Rules       []RuleParams
}

// Service creates, reconciles and removes escalation policies.
type Service struct {
	db       *gorm.DB
	authz    auth.Authorizer
	features auth.FeatureGate
	maxRules int
	log      *slog.Logger
}

// NewService creates a Service. maxRules <= 0 selects DefaultMaxRules.
func NewService(db *gorm.DB, authz auth.Authorizer, features auth.FeatureGate, maxRules int, log *slog.Logger) *Service {
	if db == nil || authz == nil || features == nil || log == nil {
		panic("escalation.NewService: nil dependency")
	}
	if maxRules <= 0 {
		maxRules = DefaultMaxRules
	}
	return &Service{db: db, authz: authz, features: features, maxRules: maxRules, log: log}
}

func (s *Service) authorize(ctx context.Context, actor auth.Actor, projectID string) error {
	if !s.features.Enabled(ctx, auth.FeatureEscalationPolicies, projectID) {
		return apperror.New(apperror.KindUnlicensed, MsgNoLicense)
	}
	if !s.authz.Can(ctx, actor, auth.PermAdminEscalationPolicy, projectID) {
		return apperror.New(apperror.KindForbidden, MsgNoPermissions)
	}
	return nil
}

// Create persists a policy together with its rules.
func (s *Service) Create(ctx context.Context, actor auth.Actor, projectID string, p PolicyParams) (*model.EscalationPolicy, error) {
	if err := s.authorize(ctx, actor, projectID); err != nil {
		return nil, err
	}
	if p.Rules == nil {
		p.Rules = []RuleParams{}
	}
	if err := s.validate(ctx, projectID, "", p); err != nil {
		return nil, err
	}

	policy := &model.EscalationPolicy{
		ProjectID:   projectID,
		Name:        strings.TrimSpace(p.Name),
		Description: p.Description,
	}
	for _, r := range p.Rules {
		policy.Rules = append(policy.Rules, model.EscalationRule{
			ScheduleID:         r.ScheduleID,
			ElapsedTimeSeconds: r.ElapsedTimeSeconds,
			Status:             r.Status,
		})
	}
	// Policy and rules are inserted in one transaction by gorm's
	// association save.
	if err := s.db.WithContext(ctx).Create(policy).Error; err != nil {
		return nil, fmt.Errorf("create escalation policy: %w", err)
	}
	s.log.Info("escalation policy created", "policy_id", policy.ID, "project_id", projectID, "rules", len(policy.Rules))
	return policy, nil
}

// Get loads a policy with its rules ordered by delay.
func (s *Service) Get(ctx context.Context, policyID string) (*model.EscalationPolicy, error) {
	var policy model.EscalationPolicy
	err := s.db.WithContext(ctx).
		Preload("Rules", func(db *gorm.DB) *gorm.DB { return db.Order("elapsed_time_seconds, status, created_at") }).
		First(&policy, "id = ?", policyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.NotFound(msgPolicyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load escalation policy: %w", err)
	}
	return &policy, nil
}

// List returns the project's policies.
func (s *Service) List(ctx context.Context, projectID string) ([]model.EscalationPolicy, error) {
	var policies []model.EscalationPolicy
	err := s.db.WithContext(ctx).
		Preload("Rules", func(db *gorm.DB) *gorm.DB { return db.Order("elapsed_time_seconds, status, created_at") }).
		Where("project_id = ?", projectID).Order("name").Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("list escalation policies: %w", err)
	}
	return policies, nil
}

// Update changes a policy's attributes and, when p.Rules is non-nil,
// reconciles its rules against the desired set.
func (s *Service) Update(ctx context.Context, actor auth.Actor, policyID string, p PolicyParams) (*model.EscalationPolicy, error) {
	policy, err := s.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, policy.ProjectID); err != nil {
		return nil, err
	}
	if err := s.validate(ctx, policy.ProjectID, policy.ID, p); err != nil {
		return nil, err
	}

	var plan Plan
	if p.Rules != nil {
		plan = Reconcile(policy.Rules, p.Rules)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.EscalationPolicy{}).Where("id = ?", policy.ID).Updates(map[string]any{
			"name":        strings.TrimSpace(p.Name),
			"description": p.Description,
		}).Error
		if err != nil {
			return err
		}
		return applyPlan(tx, policy.ID, plan)
	})
	if err != nil {
		return nil, fmt.Errorf("update escalation policy: %w", err)
	}
	if plan.Changed() {
		s.log.Info("escalation rules reconciled", "policy_id", policy.ID,
			"kept", len(plan.Keep), "created", len(plan.Create), "deleted", len(plan.Delete))
	}
	return s.Get(ctx, policy.ID)
}

// applyPlan deletes before it creates so a re-added key never collides with
// the row it replaces.
func applyPlan(tx *gorm.DB, policyID string, plan Plan) error {
	if len(plan.Delete) > 0 {
		ids := make([]string, 0, len(plan.Delete))
		for _, r := range plan.Delete {
			ids = append(ids, r.ID)
		}
		if err := tx.Where("rule_id IN ?", ids).Delete(&model.PendingEscalation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", ids).Delete(&model.EscalationRule{}).Error; err != nil {
			return err
		}
	}
	for _, r := range plan.Create {
		rule := model.EscalationRule{
			PolicyID:           policyID,
			ScheduleID:         r.ScheduleID,
			ElapsedTimeSeconds: r.ElapsedTimeSeconds,
			Status:             r.Status,
		}
		if err := tx.Create(&rule).Error; err != nil {
			return err
		}
	}
	return nil
}

// Destroy removes a policy, its rules and their pending escalations.
func (s *Service) Destroy(ctx context.Context, actor auth.Actor, policyID string) (*model.EscalationPolicy, error) {
	policy, err := s.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, policy.ProjectID); err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ruleIDs := tx.Model(&model.EscalationRule{}).Select("id").Where("policy_id = ?", policy.ID)
		if err := tx.Where("rule_id IN (?)", ruleIDs).Delete(&model.PendingEscalation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("policy_id = ?", policy.ID).Delete(&model.EscalationRule{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.EscalationPolicy{}, "id = ?", policy.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("destroy escalation policy: %w", err)
	}
	s.log.Info("escalation policy destroyed", "policy_id", policy.ID, "project_id", policy.ProjectID)
	return policy, nil
}

// RulesFor returns the rules of every policy in projectID that fire for
// status.
func (s *Service) RulesFor(ctx context.Context, projectID string, status escalatable.Status) ([]model.EscalationRule, error) {
	return LoadRules(ctx, s.db, projectID, status)
}

// LoadRules is RulesFor against an explicit handle, so callers inside a
// transaction can pass it.
func LoadRules(ctx context.Context, db *gorm.DB, projectID string, status escalatable.Status) ([]model.EscalationRule, error) {
	var rules []model.EscalationRule
	err := db.WithContext(ctx).
		Joins("JOIN escalation_policies ON escalation_policies.id = escalation_rules.policy_id").
		Where("escalation_policies.project_id = ? AND escalation_rules.status = ?", projectID, status).
		Order("escalation_rules.elapsed_time_seconds").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("load escalation rules: %w", err)
	}
	return rules, nil
}
