package model

import (
	"time"

	"gorm.io/gorm"
)

// LengthUnit is the unit of a rotation's shift length.
type LengthUnit string

const (
	LengthUnitHours LengthUnit = "hours"
	LengthUnitDays  LengthUnit = "days"
	LengthUnitWeeks LengthUnit = "weeks"
)

// OncallSchedule is a named, timezone-aware set of rotations in a project.
type OncallSchedule struct {
	ID          string           `gorm:"type:text;primaryKey"`
	ProjectID   string           `gorm:"type:text;not null;uniqueIndex:idx_oncall_schedules_project_name"`
	Name        string           `gorm:"type:text;not null;uniqueIndex:idx_oncall_schedules_project_name"`
	Description string           `gorm:"type:text;not null;default:''"`
	Timezone    string           `gorm:"type:text;not null"`
	Rotations   []OncallRotation `gorm:"foreignKey:ScheduleID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time        `gorm:"not null"`
	UpdatedAt   time.Time        `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *OncallSchedule) BeforeCreate(_ *gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

// OncallRotation hands a schedule to its participants in turn, one shift of
// Length LengthUnit each.
type OncallRotation struct {
	ID         string     `gorm:"type:text;primaryKey"`
	ScheduleID string     `gorm:"type:text;not null;uniqueIndex:idx_oncall_rotations_schedule_name"`
	Name       string     `gorm:"type:text;not null;uniqueIndex:idx_oncall_rotations_schedule_name"`
	StartsAt   time.Time  `gorm:"not null"`
	EndsAt     *time.Time
	Length     int        `gorm:"not null"`
	LengthUnit LengthUnit `gorm:"type:text;not null"`
	// Active period bounds are "HH:MM" in the schedule's timezone.
	ActivePeriodStart *string             `gorm:"type:text"`
	ActivePeriodEnd   *string             `gorm:"type:text"`
	Participants      []OncallParticipant `gorm:"foreignKey:RotationID;constraint:OnDelete:CASCADE"`
	Shifts            []OncallShift       `gorm:"foreignKey:RotationID;constraint:OnDelete:CASCADE"`
	CreatedAt         time.Time           `gorm:"not null"`
	UpdatedAt         time.Time           `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (r *OncallRotation) BeforeCreate(_ *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// HasActivePeriod reports whether the rotation is restricted to a
// time-of-day window.
func (r *OncallRotation) HasActivePeriod() bool {
	return r.ActivePeriodStart != nil && r.ActivePeriodEnd != nil
}

// OncallParticipant is one user's seat in a rotation.
type OncallParticipant struct {
	ID           string    `gorm:"type:text;primaryKey"`
	RotationID   string    `gorm:"type:text;not null;uniqueIndex:idx_oncall_participants_rotation_user"`
	UserID       string    `gorm:"type:text;not null;uniqueIndex:idx_oncall_participants_rotation_user;index"`
	Position     int       `gorm:"not null;default:0"`
	ColorPalette string    `gorm:"type:text;not null"`
	ColorWeight  string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (p *OncallParticipant) BeforeCreate(_ *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// OncallShift is a materialized occurrence of a rotation cycle. It can always
// be recomputed from its rotation.
type OncallShift struct {
	ID            string    `gorm:"type:text;primaryKey"`
	RotationID    string    `gorm:"type:text;not null;uniqueIndex:idx_oncall_shifts_rotation_starts_at"`
	ParticipantID string    `gorm:"type:text;not null;index"`
	UserID        string    `gorm:"type:text;not null;index"`
	StartsAt      time.Time `gorm:"not null;uniqueIndex:idx_oncall_shifts_rotation_starts_at"`
	EndsAt        time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *OncallShift) BeforeCreate(_ *gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
