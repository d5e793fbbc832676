package oncall

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/d9705996/escalator/internal/apperror"
	"github.com/d9705996/escalator/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OnCall is a user who is pageable through one of a schedule's rotations.
type OnCall struct {
	User       model.User
	RotationID string
	Shift      Shift
}

// OnCallAt returns the active users on call for scheduleID at at, in rotation
// order. A user on call in several rotations is listed once.
func (s *Service) OnCallAt(ctx context.Context, scheduleID string, at time.Time) ([]OnCall, error) {
	schedule, err := s.FindSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	loc := s.location(schedule)

	var found []OnCall
	var userIDs []string
	seen := map[string]bool{}
	for i := range schedule.Rotations {
		r := &schedule.Rotations[i]
		shift, ok := ShiftAt(r, loc, at)
		if !ok || seen[shift.Participant.UserID] {
			continue
		}
		seen[shift.Participant.UserID] = true
		userIDs = append(userIDs, shift.Participant.UserID)
		found = append(found, OnCall{RotationID: r.ID, Shift: shift})
	}
	if len(found) == 0 {
		return nil, nil
	}

	var users []model.User
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("load on-call users: %w", err)
	}
	byID := make(map[string]model.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := found[:0]
	for _, oc := range found {
		u, ok := byID[oc.Shift.Participant.UserID]
		if !ok || !u.Active() {
			continue
		}
		oc.User = u
		out = append(out, oc)
	}
	return out, nil
}

// Shifts returns the shifts of rotationID overlapping [from, to). Shifts
// that already started come from the persisted history when it exists; the
// rest are computed from the rotation's current configuration.
func (s *Service) Shifts(ctx context.Context, rotationID string, from, to time.Time) ([]Shift, error) {
	if !from.Before(to) {
		return nil, apperror.Validation("Shift range end must be after its start")
	}
	rotation, schedule, err := s.findRotation(ctx, rotationID)
	if err != nil {
		return nil, err
	}
	computed, err := ShiftsBetween(rotation, s.location(schedule), from, to)
	if err != nil {
		return nil, err
	}

	var persisted []model.OncallShift
	err = s.db.WithContext(ctx).
		Where("rotation_id = ? AND starts_at < ? AND ends_at > ?", rotation.ID, to.UTC(), from.UTC()).
		Order("starts_at").Find(&persisted).Error
	if err != nil {
		return nil, fmt.Errorf("load persisted shifts: %w", err)
	}
	if len(persisted) == 0 {
		return computed, nil
	}

	participants := make(map[string]*model.OncallParticipant, len(rotation.Participants))
	for i := range rotation.Participants {
		participants[rotation.Participants[i].ID] = &rotation.Participants[i]
	}
	historyEnd := persisted[len(persisted)-1].EndsAt
	out := make([]Shift, 0, len(persisted)+len(computed))
	for _, p := range persisted {
		participant, ok := participants[p.ParticipantID]
		if !ok {
			// Participant was removed since; keep the user for history.
			participant = &model.OncallParticipant{ID: p.ParticipantID, RotationID: p.RotationID, UserID: p.UserID}
		}
		out = append(out, Shift{Participant: participant, StartsAt: p.StartsAt, EndsAt: p.EndsAt})
	}
	for _, c := range computed {
		if !c.EndsAt.After(historyEnd) {
			continue
		}
		if c.StartsAt.Before(historyEnd) {
			c.StartsAt = historyEnd
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// PersistShifts records every shift that has started, across all rotations,
// and returns how many rows were written. Re-running it is harmless.
func (s *Service) PersistShifts(ctx context.Context) (int, error) {
	var schedules []model.OncallSchedule
	err := s.db.WithContext(ctx).
		Preload("Rotations").
		Preload("Rotations.Participants").
		Find(&schedules).Error
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}

	now := s.clock.Now()
	total := 0
	for i := range schedules {
		loc := s.location(&schedules[i])
		for j := range schedules[i].Rotations {
			r := &schedules[i].Rotations[j]
			n, err := persistRotationShifts(s.db.WithContext(ctx), r, loc, now)
			if err != nil {
				return total, fmt.Errorf("persist shifts for rotation %s: %w", r.ID, err)
			}
			total += n
		}
	}
	if total > 0 {
		s.log.Info("oncall shifts persisted", "count", total)
	}
	return total, nil
}

// persistRotationShifts writes the shifts of r that started before now and
// after the last recorded one.
func persistRotationShifts(db *gorm.DB, r *model.OncallRotation, loc *time.Location, now time.Time) (int, error) {
	var last []model.OncallShift
	if err := db.Where("rotation_id = ?", r.ID).Order("starts_at desc").Limit(1).Find(&last).Error; err != nil {
		return 0, err
	}
	from := r.StartsAt
	if len(last) == 1 {
		from = last[0].EndsAt
	}
	if !from.Before(now) {
		return 0, nil
	}
	shifts, err := ShiftsBetween(r, loc, from, now)
	if err != nil {
		return 0, err
	}
	rows := make([]model.OncallShift, 0, len(shifts))
	for _, sh := range shifts {
		start := sh.StartsAt
		if start.Before(from) {
			start = from
		}
		if !start.Before(sh.EndsAt) {
			continue
		}
		rows = append(rows, model.OncallShift{
			RotationID:    r.ID,
			ParticipantID: sh.Participant.ID,
			UserID:        sh.Participant.UserID,
			StartsAt:      start.UTC(),
			EndsAt:        sh.EndsAt.UTC(),
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, 100)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// endCurrentShift cuts the in-progress shift of rotationID short at now.
func endCurrentShift(db *gorm.DB, rotationID string, now time.Time) error {
	return db.Model(&model.OncallShift{}).
		Where("rotation_id = ? AND starts_at <= ? AND ends_at > ?", rotationID, now, now).
		Update("ends_at", now.UTC()).Error
}
