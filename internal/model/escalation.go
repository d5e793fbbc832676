package model

import (
	"time"

	"github.com/d9705996/escalator/internal/escalatable"
	"gorm.io/gorm"
)

// EscalationPolicy is an ordered set of escalation rules for a project.
type EscalationPolicy struct {
	ID          string           `gorm:"type:text;primaryKey"`
	ProjectID   string           `gorm:"type:text;not null;uniqueIndex:idx_escalation_policies_project_name"`
	Name        string           `gorm:"type:text;not null;uniqueIndex:idx_escalation_policies_project_name"`
	Description string           `gorm:"type:text;not null;default:''"`
	Rules       []EscalationRule `gorm:"foreignKey:PolicyID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time        `gorm:"not null"`
	UpdatedAt   time.Time        `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (p *EscalationPolicy) BeforeCreate(_ *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// EscalationRule pages a schedule when an escalatable has stayed in Status
// for ElapsedTimeSeconds.
type EscalationRule struct {
	ID                 string              `gorm:"type:text;primaryKey"`
	PolicyID           string              `gorm:"type:text;not null;uniqueIndex:idx_escalation_rules_unique"`
	ScheduleID         string              `gorm:"type:text;not null;uniqueIndex:idx_escalation_rules_unique;index"`
	Status             escalatable.Status  `gorm:"not null;uniqueIndex:idx_escalation_rules_unique"`
	ElapsedTimeSeconds int                 `gorm:"not null;uniqueIndex:idx_escalation_rules_unique"`
	PendingEscalations []PendingEscalation `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE"`
	CreatedAt          time.Time           `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (r *EscalationRule) BeforeCreate(_ *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// RuleKey is the identity of a rule within its policy.
type RuleKey struct {
	ScheduleID         string
	ElapsedTimeSeconds int
	Status             escalatable.Status
}

// Key returns the rule's comparison key.
func (r *EscalationRule) Key() RuleKey {
	return RuleKey{ScheduleID: r.ScheduleID, ElapsedTimeSeconds: r.ElapsedTimeSeconds, Status: r.Status}
}

// Elapsed returns the rule delay as a duration.
func (r *EscalationRule) Elapsed() time.Duration {
	return time.Duration(r.ElapsedTimeSeconds) * time.Second
}

// PendingEscalation is a scheduled page: if the target is still in
// ExpectedStatus at ProcessAt, the rule fires.
type PendingEscalation struct {
	ID             string             `gorm:"type:text;primaryKey"`
	RuleID         string             `gorm:"type:text;not null;uniqueIndex:idx_pending_escalations_target_rule"`
	ScheduleID     string             `gorm:"type:text;not null"`
	ProjectID      string             `gorm:"type:text;not null"`
	TargetType     escalatable.Kind   `gorm:"type:text;not null;uniqueIndex:idx_pending_escalations_target_rule;index:idx_pending_escalations_target"`
	TargetID       string             `gorm:"type:text;not null;uniqueIndex:idx_pending_escalations_target_rule;index:idx_pending_escalations_target"`
	ExpectedStatus escalatable.Status `gorm:"not null"`
	ProcessAt      time.Time          `gorm:"not null;index"`
	ClaimedUntil   *time.Time
	Attempts       int       `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (p *PendingEscalation) BeforeCreate(_ *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// Target returns a reference to the escalatable entity.
func (p *PendingEscalation) Target() escalatable.Ref {
	return escalatable.Ref{Kind: p.TargetType, ID: p.TargetID}
}
