package oncall

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidClockTime    = errors.New("time of day must be formatted as HH:MM")
	ErrEmptyActivePeriod   = errors.New("active period start and end must differ")
	ErrPartialActivePeriod = errors.New("active period needs both a start and an end")
)

// ClockTime is a wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) minutes() int { return c.Hour*60 + c.Minute }

// on returns c on the calendar day of day in loc.
func (c ClockTime) on(day time.Time, loc *time.Location, addDays int) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d+addDays, c.Hour, c.Minute, 0, 0, loc)
}

// ActivePeriod restricts a rotation to [Start, End) of each day. When End is
// earlier than Start the window runs overnight.
type ActivePeriod struct {
	Start ClockTime
	End   ClockTime
}

// ParseActivePeriod parses both bounds.
func ParseActivePeriod(start, end string) (ActivePeriod, error) {
	s, err := ParseClockTime(start)
	if err != nil {
		return ActivePeriod{}, err
	}
	e, err := ParseClockTime(end)
	if err != nil {
		return ActivePeriod{}, err
	}
	if s == e {
		return ActivePeriod{}, ErrEmptyActivePeriod
	}
	return ActivePeriod{Start: s, End: e}, nil
}

// Overnight reports whether the window crosses midnight.
func (p ActivePeriod) Overnight() bool {
	return p.End.minutes() < p.Start.minutes()
}

// WindowAt returns the window containing at, if any.
func (p ActivePeriod) WindowAt(at time.Time, loc *time.Location) (time.Time, time.Time, bool) {
	// The window containing at started either today or, overnight, yesterday.
	for _, offset := range []int{0, -1} {
		start := p.Start.on(at, loc, offset)
		end := p.End.on(at, loc, offset)
		if p.Overnight() {
			end = p.End.on(at, loc, offset+1)
		}
		if !at.Before(start) && at.Before(end) {
			return start, end, true
		}
	}
	return time.Time{}, time.Time{}, false
}

// Contains reports whether at is inside an active window.
func (p ActivePeriod) Contains(at time.Time, loc *time.Location) bool {
	_, _, ok := p.WindowAt(at, loc)
	return ok
}

// windowsBetween returns the daily windows intersected with [from, to).
func (p ActivePeriod) windowsBetween(from, to time.Time, loc *time.Location) [][2]time.Time {
	var out [][2]time.Time
	for offset := -1; ; offset++ {
		start := p.Start.on(from, loc, offset)
		if !start.Before(to) {
			break
		}
		end := p.End.on(from, loc, offset)
		if p.Overnight() {
			end = p.End.on(from, loc, offset+1)
		}
		if start.Before(from) {
			start = from
		}
		if end.After(to) {
			end = to
		}
		if start.Before(end) {
			out = append(out, [2]time.Time{start, end})
		}
	}
	return out
}
