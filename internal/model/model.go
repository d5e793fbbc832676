// Package model contains GORM model definitions shared across packages.
// All models are driver-agnostic: they work with both PostgreSQL and SQLite.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

// Project owns schedules, escalation policies and escalatable entities.
type Project struct {
	ID        string    `gorm:"type:text;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Slug      string    `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (p *Project) BeforeCreate(_ *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// User is a person who can be put on call.
type User struct {
	ID            string `gorm:"type:text;primaryKey"`
	Email         string `gorm:"type:text;not null;uniqueIndex"`
	Name          string `gorm:"type:text;not null;default:''"`
	DeactivatedAt *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	ensureID(&u.ID)
	return nil
}

// Active reports whether the user can still be paged.
func (u *User) Active() bool {
	return u.DeactivatedAt == nil
}
