package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/escalator/internal/escalatable"
	"gorm.io/gorm"
)

// Alert is an escalatable alert raised by a monitoring integration.
type Alert struct {
	ID                string `gorm:"type:text;primaryKey"`
	ProjectID         string `gorm:"type:text;not null;index"`
	Title             string `gorm:"type:text;not null"`
	Severity          string `gorm:"type:text;not null;default:'critical'"`
	escalatable.State `gorm:"embedded"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (a *Alert) BeforeCreate(_ *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// BeforeSave rejects an inconsistent status/ended_at pairing.
func (a *Alert) BeforeSave(_ *gorm.DB) error {
	if err := a.State.Validate(); err != nil {
		return fmt.Errorf("alert %s: %w", a.ID, err)
	}
	return nil
}

func (a *Alert) EscalatableRef() escalatable.Ref  { return escalatable.AlertRef(a.ID) }
func (a *Alert) Project() string                  { return a.ProjectID }
func (a *Alert) CurrentStatus() escalatable.Status { return a.Status }

// Issue is an escalatable incident issue.
type Issue struct {
	ID                string `gorm:"type:text;primaryKey"`
	ProjectID         string `gorm:"type:text;not null;index"`
	Title             string `gorm:"type:text;not null"`
	Description       string `gorm:"type:text;not null;default:''"`
	escalatable.State `gorm:"embedded"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (i *Issue) BeforeCreate(_ *gorm.DB) error {
	ensureID(&i.ID)
	return nil
}

// BeforeSave rejects an inconsistent status/ended_at pairing.
func (i *Issue) BeforeSave(_ *gorm.DB) error {
	if err := i.State.Validate(); err != nil {
		return fmt.Errorf("issue %s: %w", i.ID, err)
	}
	return nil
}

func (i *Issue) EscalatableRef() escalatable.Ref  { return escalatable.IssueRef(i.ID) }
func (i *Issue) Project() string                  { return i.ProjectID }
func (i *Issue) CurrentStatus() escalatable.Status { return i.Status }

// ErrEscalatableNotFound is returned by FindEscalatable for a missing target.
var ErrEscalatableNotFound = errors.New("escalatable not found")

// FindEscalatable loads the alert or issue ref points at.
func FindEscalatable(ctx context.Context, db *gorm.DB, ref escalatable.Ref) (escalatable.Entity, error) {
	var (
		ent escalatable.Entity
		err error
	)
	switch ref.Kind {
	case escalatable.KindAlert:
		var a Alert
		err = db.WithContext(ctx).First(&a, "id = ?", ref.ID).Error
		ent = &a
	case escalatable.KindIssue:
		var i Issue
		err = db.WithContext(ctx).First(&i, "id = ?", ref.ID).Error
		ent = &i
	default:
		return nil, fmt.Errorf("unknown escalatable kind %q", ref.Kind)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", ref, ErrEscalatableNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ref, err)
	}
	return ent, nil
}

// StateOf returns the lifecycle state embedded in ent.
func StateOf(ent escalatable.Entity) *escalatable.State {
	switch e := ent.(type) {
	case *Alert:
		return &e.State
	case *Issue:
		return &e.State
	default:
		panic(fmt.Sprintf("model: unsupported escalatable %T", ent))
	}
}

// NewEscalatable builds an unsaved alert or issue for ref. It stands in for
// an entity owned by another system, so its title is the reference itself.
func NewEscalatable(ref escalatable.Ref, projectID string, state escalatable.State) (escalatable.Entity, error) {
	switch ref.Kind {
	case escalatable.KindAlert:
		return &Alert{ID: ref.ID, ProjectID: projectID, Title: ref.String(), Severity: "unknown", State: state}, nil
	case escalatable.KindIssue:
		return &Issue{ID: ref.ID, ProjectID: projectID, Title: ref.String(), State: state}, nil
	default:
		return nil, fmt.Errorf("unknown escalatable kind %q", ref.Kind)
	}
}
