// Package oncall resolves who is on call for a schedule at a given instant and
// manages schedules, rotations and their participants.
//
// Shift math is fixed-length: a rotation of length N days repeats every
// N*24h from its start regardless of DST. Active periods are evaluated on
// the wall clock of the schedule's timezone.
package oncall

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/d9705996/escalator/internal/model"
)

// maxShifts bounds ShiftsBetween so a tiny rotation over a huge range cannot
// run away.
const maxShifts = 10000

var (
	ErrInvalidLength     = errors.New("rotation length must be positive")
	ErrInvalidLengthUnit = errors.New("rotation length unit is invalid")
)

// Shift is one concrete assignment of a participant.
type Shift struct {
	Participant *model.OncallParticipant
	StartsAt    time.Time
	EndsAt      time.Time
}

// Contains reports whether at falls in [StartsAt, EndsAt).
func (s Shift) Contains(at time.Time) bool {
	return !at.Before(s.StartsAt) && at.Before(s.EndsAt)
}

// CycleDuration converts the rotation's length into a duration.
func CycleDuration(r *model.OncallRotation) (time.Duration, error) {
	if r.Length <= 0 {
		return 0, ErrInvalidLength
	}
	var unit time.Duration
	switch r.LengthUnit {
	case model.LengthUnitHours:
		unit = time.Hour
	case model.LengthUnitDays:
		unit = 24 * time.Hour
	case model.LengthUnitWeeks:
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLengthUnit, r.LengthUnit)
	}
	return time.Duration(r.Length) * unit, nil
}

// orderedParticipants returns participants sorted by position without
// mutating the rotation.
func orderedParticipants(r *model.OncallRotation) []*model.OncallParticipant {
	out := make([]*model.OncallParticipant, len(r.Participants))
	for i := range r.Participants {
		out[i] = &r.Participants[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// live reports whether at falls inside the rotation's [starts_at, ends_at).
func live(r *model.OncallRotation, at time.Time) bool {
	if at.Before(r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && !at.Before(*r.EndsAt) {
		return false
	}
	return true
}

// cycleBounds returns the bounds of cycle idx, clipped to ends_at.
func cycleBounds(r *model.OncallRotation, cycle time.Duration, idx int64) (time.Time, time.Time) {
	start := r.StartsAt.Add(time.Duration(idx) * cycle)
	end := start.Add(cycle)
	if r.EndsAt != nil && r.EndsAt.Before(end) {
		end = *r.EndsAt
	}
	return start, end
}

// NominalShiftAt returns the participant assigned to the cycle containing at,
// ignoring any active period. ok is false before the rotation starts, after
// it ends, or when it has no participants.
func NominalShiftAt(r *model.OncallRotation, at time.Time) (Shift, bool) {
	participants := orderedParticipants(r)
	if len(participants) == 0 || !live(r, at) {
		return Shift{}, false
	}
	cycle, err := CycleDuration(r)
	if err != nil {
		return Shift{}, false
	}
	idx := int64(at.Sub(r.StartsAt) / cycle)
	start, end := cycleBounds(r, cycle, idx)
	return Shift{
		Participant: participants[idx%int64(len(participants))],
		StartsAt:    start,
		EndsAt:      end,
	}, true
}

// ShiftAt returns the shift that makes someone pageable at at. With an
// active period the shift is narrowed to that day's window and ok is false
// outside it.
func ShiftAt(r *model.OncallRotation, loc *time.Location, at time.Time) (Shift, bool) {
	shift, ok := NominalShiftAt(r, at)
	if !ok || !r.HasActivePeriod() {
		return shift, ok
	}
	period, err := ParseActivePeriod(*r.ActivePeriodStart, *r.ActivePeriodEnd)
	if err != nil {
		return Shift{}, false
	}
	wStart, wEnd, ok := period.WindowAt(at, loc)
	if !ok {
		return Shift{}, false
	}
	if wStart.After(shift.StartsAt) {
		shift.StartsAt = wStart
	}
	if wEnd.Before(shift.EndsAt) {
		shift.EndsAt = wEnd
	}
	return shift, true
}

// ShiftsBetween materializes every shift of r overlapping [from, to). Shifts
// keep their natural bounds and are not clipped to the query range.
func ShiftsBetween(r *model.OncallRotation, loc *time.Location, from, to time.Time) ([]Shift, error) {
	participants := orderedParticipants(r)
	if len(participants) == 0 || !from.Before(to) {
		return nil, nil
	}
	cycle, err := CycleDuration(r)
	if err != nil {
		return nil, err
	}
	var period ActivePeriod
	if r.HasActivePeriod() {
		if period, err = ParseActivePeriod(*r.ActivePeriodStart, *r.ActivePeriodEnd); err != nil {
			return nil, err
		}
	}

	if from.Before(r.StartsAt) {
		from = r.StartsAt
	}
	if r.EndsAt != nil && r.EndsAt.Before(to) {
		to = *r.EndsAt
	}
	if !from.Before(to) {
		return nil, nil
	}

	var shifts []Shift
	for idx := int64(from.Sub(r.StartsAt) / cycle); ; idx++ {
		start, end := cycleBounds(r, cycle, idx)
		if !start.Before(to) || !start.Before(end) {
			break
		}
		p := participants[idx%int64(len(participants))]
		if !r.HasActivePeriod() {
			shifts = append(shifts, Shift{Participant: p, StartsAt: start, EndsAt: end})
		} else {
			for _, w := range period.windowsBetween(start, end, loc) {
				if w[1].After(from) && w[0].Before(to) {
					shifts = append(shifts, Shift{Participant: p, StartsAt: w[0], EndsAt: w[1]})
				}
			}
		}
		if len(shifts) >= maxShifts {
			break
		}
	}
	return shifts, nil
}
