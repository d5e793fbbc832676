package oncall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/d9705996/escalator/internal/apperror"
	"github.com/d9705996/escalator/internal/auth"
	"github.com/d9705996/escalator/internal/clock"
	"github.com/d9705996/escalator/internal/model"
	"gorm.io/gorm"
)

const (
	MaxRotationLength   = 1000
	MaxParticipants     = 100
	maxNameLength       = 200
	MsgNoPermissions    = "You have insufficient permissions to configure on-call schedules for this project"
	MsgNoLicense        = "Your license does not support on-call schedules"
	msgScheduleNotFound = "On-call schedule not found"
	msgRotationNotFound = "On-call rotation not found"
)

// Service manages schedules and rotations and answers who is on call.
type Service struct {
	db       *gorm.DB
	authz    auth.Authorizer
	features auth.FeatureGate
	clock    clock.Clock
	log      *slog.Logger
}

// NewService creates a Service. All dependencies are required.
func NewService(db *gorm.DB, authz auth.Authorizer, features auth.FeatureGate, clk clock.Clock, log *slog.Logger) *Service {
	if db == nil || authz == nil || features == nil || clk == nil || log == nil {
		panic("oncall.NewService: nil dependency")
	}
	return &Service{db: db, authz: authz, features: features, clock: clk, log: log}
}

func (s *Service) authorize(ctx context.Context, actor auth.Actor, projectID string) error {
	if !s.features.Enabled(ctx, auth.FeatureOncallSchedules, projectID) {
		return apperror.New(apperror.KindUnlicensed, MsgNoLicense)
	}
	if !s.authz.Can(ctx, actor, auth.PermAdminOncallSchedule, projectID) {
		return apperror.New(apperror.KindForbidden, MsgNoPermissions)
	}
	return nil
}

// ---- Schedules -------------------------------------------------------------

// ScheduleParams are the editable attributes of a schedule.
type ScheduleParams struct {
	Name        string
	Description string
	Timezone    string
}

func (s *Service) validateSchedule(ctx context.Context, projectID, selfID string, p ScheduleParams) error {
	var msgs []string
	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		msgs = append(msgs, "Name can't be blank")
	case len(name) > maxNameLength:
		msgs = append(msgs, fmt.Sprintf("Name is too long (maximum is %d characters)", maxNameLength))
	default:
		var count int64
		q := s.db.WithContext(ctx).Model(&model.OncallSchedule{}).Where("project_id = ? AND name = ?", projectID, name)
		if selfID != "" {
			q = q.Where("id <> ?", selfID)
		}
		if err := q.Count(&count).Error; err != nil {
			return fmt.Errorf("count schedules: %w", err)
		}
		if count > 0 {
			msgs = append(msgs, "Name has already been taken")
		}
	}
	if _, err := LoadLocation(p.Timezone); err != nil {
		msgs = append(msgs, "Timezone is not a valid IANA timezone")
	}
	if len(msgs) > 0 {
		return apperror.Validation(msgs...)
	}
	return nil
}

// LoadLocation resolves an IANA timezone name. "Local" is rejected because
// it depends on the host.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("invalid timezone %q", name)
	}
	return time.LoadLocation(name)
}

// CreateSchedule creates a schedule in projectID.
func (s *Service) CreateSchedule(ctx context.Context, actor auth.Actor, projectID string, p ScheduleParams) (*model.OncallSchedule, error) {
	if err := s.authorize(ctx, actor, projectID); err != nil {
		return nil, err
	}
	if err := s.validateSchedule(ctx, projectID, "", p); err != nil {
		return nil, err
	}
	schedule := &model.OncallSchedule{
		ProjectID:   projectID,
		Name:        strings.TrimSpace(p.Name),
		Description: p.Description,
		Timezone:    p.Timezone,
	}
	if err := s.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.log.Info("oncall schedule created", "schedule_id", schedule.ID, "project_id", projectID)
	return schedule, nil
}

// FindSchedule loads a schedule with its rotations and participants.
func (s *Service) FindSchedule(ctx context.Context, scheduleID string) (*model.OncallSchedule, error) {
	var schedule model.OncallSchedule
	err := s.db.WithContext(ctx).
		Preload("Rotations", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") }).
		Preload("Rotations.Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&schedule, "id = ?", scheduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.NotFound(msgScheduleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	return &schedule, nil
}

// UpdateSchedule replaces a schedule's attributes.
func (s *Service) UpdateSchedule(ctx context.Context, actor auth.Actor, scheduleID string, p ScheduleParams) (*model.OncallSchedule, error) {
	schedule, err := s.FindSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, schedule.ProjectID); err != nil {
		return nil, err
	}
	if err := s.validateSchedule(ctx, schedule.ProjectID, schedule.ID, p); err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(&model.OncallSchedule{}).Where("id = ?", schedule.ID).
		Updates(map[string]any{
			"name":        strings.TrimSpace(p.Name),
			"description": p.Description,
			"timezone":    p.Timezone,
			"updated_at":  s.clock.Now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return s.FindSchedule(ctx, scheduleID)
}

// DestroySchedule removes a schedule with its rotations. A schedule still
// referenced by an escalation rule cannot be removed.
func (s *Service) DestroySchedule(ctx context.Context, actor auth.Actor, scheduleID string) (*model.OncallSchedule, error) {
	schedule, err := s.FindSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, schedule.ProjectID); err != nil {
		return nil, err
	}
	var refs int64
	if err := s.db.WithContext(ctx).Model(&model.EscalationRule{}).Where("schedule_id = ?", schedule.ID).Count(&refs).Error; err != nil {
		return nil, fmt.Errorf("count rules for schedule: %w", err)
	}
	if refs > 0 {
		return nil, apperror.Validation("Schedule is used by an escalation policy and cannot be deleted")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rotationIDs := tx.Model(&model.OncallRotation{}).Select("id").Where("schedule_id = ?", schedule.ID)
		if err := tx.Where("rotation_id IN (?)", rotationIDs).Delete(&model.OncallShift{}).Error; err != nil {
			return err
		}
		if err := tx.Where("rotation_id IN (?)", rotationIDs).Delete(&model.OncallParticipant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("schedule_id = ?", schedule.ID).Delete(&model.OncallRotation{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.OncallSchedule{}, "id = ?", schedule.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("destroy schedule: %w", err)
	}
	s.log.Info("oncall schedule destroyed", "schedule_id", schedule.ID, "project_id", schedule.ProjectID)
	return schedule, nil
}

// ---- Rotations -------------------------------------------------------------

// ParticipantParams describes one participant. Color is assigned when nil.
type ParticipantParams struct {
	UserID string
	Color  *Color
}

// RotationParams are the editable attributes of a rotation. Participants are
// given in rotation order and replace the existing list on update.
type RotationParams struct {
	Name              string
	StartsAt          time.Time
	EndsAt            *time.Time
	Length            int
	LengthUnit        model.LengthUnit
	ActivePeriodStart string
	ActivePeriodEnd   string
	Participants      []ParticipantParams
}

func (s *Service) validateRotation(ctx context.Context, scheduleID, selfID string, p RotationParams) error {
	var msgs []string
	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		msgs = append(msgs, "Name can't be blank")
	case len(name) > maxNameLength:
		msgs = append(msgs, fmt.Sprintf("Name is too long (maximum is %d characters)", maxNameLength))
	default:
		var count int64
		q := s.db.WithContext(ctx).Model(&model.OncallRotation{}).Where("schedule_id = ? AND name = ?", scheduleID, name)
		if selfID != "" {
			q = q.Where("id <> ?", selfID)
		}
		if err := q.Count(&count).Error; err != nil {
			return fmt.Errorf("count rotations: %w", err)
		}
		if count > 0 {
			msgs = append(msgs, "Name has already been taken")
		}
	}
	if p.StartsAt.IsZero() {
		msgs = append(msgs, "Starts at can't be blank")
	}
	if p.EndsAt != nil && !p.EndsAt.After(p.StartsAt) {
		msgs = append(msgs, "Ends at must be after starts at")
	}
	if p.Length < 1 || p.Length > MaxRotationLength {
		msgs = append(msgs, fmt.Sprintf("Length must be between 1 and %d", MaxRotationLength))
	}
	switch p.LengthUnit {
	case model.LengthUnitHours, model.LengthUnitDays, model.LengthUnitWeeks:
	default:
		msgs = append(msgs, "Length unit is not included in the list")
	}
	msgs = append(msgs, validateActivePeriod(p)...)

	msgs = append(msgs, validateParticipantList(p.Participants)...)
	if len(msgs) == 0 {
		missing, err := s.missingUsers(ctx, p.Participants)
		if err != nil {
			return err
		}
		for _, id := range missing {
			msgs = append(msgs, fmt.Sprintf("User %s does not exist or is deactivated", id))
		}
	}
	if len(msgs) > 0 {
		return apperror.Validation(msgs...)
	}
	return nil
}

func validateActivePeriod(p RotationParams) []string {
	if p.ActivePeriodStart == "" && p.ActivePeriodEnd == "" {
		return nil
	}
	if p.ActivePeriodStart == "" || p.ActivePeriodEnd == "" {
		return []string{"Active period " + ErrPartialActivePeriod.Error()}
	}
	var msgs []string
	if p.LengthUnit == model.LengthUnitHours {
		msgs = append(msgs, "Restricted shift times are not available for hourly shifts")
	}
	if _, err := ParseActivePeriod(p.ActivePeriodStart, p.ActivePeriodEnd); err != nil {
		msgs = append(msgs, "Active period "+err.Error())
	}
	return msgs
}

func validateParticipantList(participants []ParticipantParams) []string {
	var msgs []string
	if len(participants) == 0 || len(participants) > MaxParticipants {
		msgs = append(msgs, fmt.Sprintf("Participants must contain between 1 and %d users", MaxParticipants))
	}
	seen := make(map[string]bool, len(participants))
	for _, pp := range participants {
		if pp.UserID == "" {
			msgs = append(msgs, "Participant user can't be blank")
			continue
		}
		if seen[pp.UserID] {
			msgs = append(msgs, "A user can only participate in a rotation once")
		}
		seen[pp.UserID] = true
		if pp.Color != nil && !ValidColor(*pp.Color) {
			msgs = append(msgs, fmt.Sprintf("Color %s %s is not a valid participant color", pp.Color.Palette, pp.Color.Weight))
		}
	}
	return msgs
}

func (s *Service) missingUsers(ctx context.Context, participants []ParticipantParams) ([]string, error) {
	ids := make([]string, 0, len(participants))
	for _, pp := range participants {
		ids = append(ids, pp.UserID)
	}
	var users []model.User
	if err := s.db.WithContext(ctx).Where("id IN ? AND deactivated_at IS NULL", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("load participant users: %w", err)
	}
	found := make(map[string]bool, len(users))
	for _, u := range users {
		found[u.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// buildParticipants assigns positions and colors, reusing existing rows for
// users that stay in the rotation.
func buildParticipants(rotationID string, params []ParticipantParams, existing []model.OncallParticipant) []model.OncallParticipant {
	byUser := make(map[string]model.OncallParticipant, len(existing))
	for _, p := range existing {
		byUser[p.UserID] = p
	}
	var used []Color
	for _, pp := range params {
		switch {
		case pp.Color != nil:
			used = append(used, *pp.Color)
		default:
			if prev, ok := byUser[pp.UserID]; ok {
				used = append(used, Color{Palette: prev.ColorPalette, Weight: prev.ColorWeight})
			}
		}
	}

	out := make([]model.OncallParticipant, 0, len(params))
	for i, pp := range params {
		p := byUser[pp.UserID]
		p.RotationID = rotationID
		p.UserID = pp.UserID
		p.Position = i
		switch {
		case pp.Color != nil:
			p.ColorPalette, p.ColorWeight = pp.Color.Palette, pp.Color.Weight
		case p.ColorPalette == "":
			c := NextColor(used)
			used = append(used, c)
			p.ColorPalette, p.ColorWeight = c.Palette, c.Weight
		}
		out = append(out, p)
	}
	return out
}

// CreateRotation adds a rotation with its participants to a schedule.
func (s *Service) CreateRotation(ctx context.Context, actor auth.Actor, scheduleID string, p RotationParams) (*model.OncallRotation, error) {
	schedule, err := s.FindSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, schedule.ProjectID); err != nil {
		return nil, err
	}
	if err := s.validateRotation(ctx, schedule.ID, "", p); err != nil {
		return nil, err
	}

	rotation := &model.OncallRotation{
		ScheduleID:        schedule.ID,
		Name:              strings.TrimSpace(p.Name),
		StartsAt:          p.StartsAt.UTC(),
		EndsAt:            utcPtr(p.EndsAt),
		Length:            p.Length,
		LengthUnit:        p.LengthUnit,
		ActivePeriodStart: optionalString(p.ActivePeriodStart),
		ActivePeriodEnd:   optionalString(p.ActivePeriodEnd),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Participants", "Shifts").Create(rotation).Error; err != nil {
			return err
		}
		rotation.Participants = buildParticipants(rotation.ID, p.Participants, nil)
		return tx.Create(&rotation.Participants).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create rotation: %w", err)
	}
	s.log.Info("oncall rotation created", "rotation_id", rotation.ID, "schedule_id", schedule.ID,
		"participants", len(rotation.Participants))
	return rotation, nil
}

func (s *Service) findRotation(ctx context.Context, rotationID string) (*model.OncallRotation, *model.OncallSchedule, error) {
	var rotation model.OncallRotation
	err := s.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&rotation, "id = ?", rotationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, apperror.NotFound(msgRotationNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load rotation: %w", err)
	}
	var schedule model.OncallSchedule
	if err := s.db.WithContext(ctx).First(&schedule, "id = ?", rotation.ScheduleID).Error; err != nil {
		return nil, nil, fmt.Errorf("load rotation schedule: %w", err)
	}
	return &rotation, &schedule, nil
}

// UpdateRotation replaces a rotation's attributes and participant list.
// Shifts completed under the old configuration are persisted first so the
// history stays accurate.
func (s *Service) UpdateRotation(ctx context.Context, actor auth.Actor, rotationID string, p RotationParams) (*model.OncallRotation, error) {
	rotation, schedule, err := s.findRotation(ctx, rotationID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, schedule.ProjectID); err != nil {
		return nil, err
	}
	if err := s.validateRotation(ctx, schedule.ID, rotation.ID, p); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	loc := s.location(schedule)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := persistRotationShifts(tx, rotation, loc, now); err != nil {
			return err
		}
		if err := endCurrentShift(tx, rotation.ID, now); err != nil {
			return err
		}
		participants := buildParticipants(rotation.ID, p.Participants, rotation.Participants)
		keep := make([]string, 0, len(participants))
		for _, pp := range participants {
			if pp.ID != "" {
				keep = append(keep, pp.ID)
			}
		}
		del := tx.Where("rotation_id = ?", rotation.ID)
		if len(keep) > 0 {
			del = del.Where("id NOT IN ?", keep)
		}
		if err := del.Delete(&model.OncallParticipant{}).Error; err != nil {
			return err
		}
		for i := range participants {
			if err := tx.Save(&participants[i]).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.OncallRotation{}).Where("id = ?", rotation.ID).Updates(map[string]any{
			"name":                strings.TrimSpace(p.Name),
			"starts_at":           p.StartsAt.UTC(),
			"ends_at":             utcPtr(p.EndsAt),
			"length":              p.Length,
			"length_unit":         p.LengthUnit,
			"active_period_start": optionalString(p.ActivePeriodStart),
			"active_period_end":   optionalString(p.ActivePeriodEnd),
			"updated_at":          now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("update rotation: %w", err)
	}
	updated, _, err := s.findRotation(ctx, rotation.ID)
	return updated, err
}

// DestroyRotation removes a rotation, its participants and its shifts.
func (s *Service) DestroyRotation(ctx context.Context, actor auth.Actor, rotationID string) (*model.OncallRotation, error) {
	rotation, schedule, err := s.findRotation(ctx, rotationID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, schedule.ProjectID); err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("rotation_id = ?", rotation.ID).Delete(&model.OncallShift{}).Error; err != nil {
			return err
		}
		if err := tx.Where("rotation_id = ?", rotation.ID).Delete(&model.OncallParticipant{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.OncallRotation{}, "id = ?", rotation.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("destroy rotation: %w", err)
	}
	s.log.Info("oncall rotation destroyed", "rotation_id", rotation.ID, "schedule_id", schedule.ID)
	return rotation, nil
}

func (s *Service) location(schedule *model.OncallSchedule) *time.Location {
	loc, err := LoadLocation(schedule.Timezone)
	if err != nil {
		s.log.Warn("schedule timezone invalid, using UTC", "schedule_id", schedule.ID, "timezone", schedule.Timezone)
		return time.UTC
	}
	return loc
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
