// Package escalatable implements the lifecycle shared by every incident-like
// entity that can be escalated: triggered, acknowledged, resolved, ignored.
//
// The rules are small but strict: ended_at is set if and only if the entity
// is resolved, and repeating a transition into the current state is a no-op.
package escalatable

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an escalatable entity. The numeric values
// are persisted and must not be reordered.
type Status int

const (
	StatusTriggered    Status = 0
	StatusAcknowledged Status = 1
	StatusResolved     Status = 2
	StatusIgnored      Status = 3
)

var statusNames = [...]string{
	StatusTriggered:    "triggered",
	StatusAcknowledged: "acknowledged",
	StatusResolved:     "resolved",
	StatusIgnored:      "ignored",
}

// Statuses lists every status in persisted order.
func Statuses() []Status {
	return []Status{StatusTriggered, StatusAcknowledged, StatusResolved, StatusIgnored}
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	return s >= StatusTriggered && s <= StatusIgnored
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus resolves a status name, case-insensitively.
func ParseStatus(name string) (Status, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range statusNames {
		if candidate == n {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// IsOpenStatus reports whether s still needs attention.
func IsOpenStatus(s Status) bool {
	return s == StatusTriggered || s == StatusAcknowledged
}

// Event is a transition operation.
type Event int

const (
	EventNone Event = iota
	EventTrigger
	EventAcknowledge
	EventResolve
	EventIgnore
)

func (e Event) String() string {
	switch e {
	case EventTrigger:
		return "trigger"
	case EventAcknowledge:
		return "acknowledge"
	case EventResolve:
		return "resolve"
	case EventIgnore:
		return "ignore"
	default:
		return "none"
	}
}

// StatusEventFor maps a status name to the transition that reaches it.
// Empty, malformed or unknown names yield EventNone.
func StatusEventFor(name string) Event {
	s, err := ParseStatus(name)
	if err != nil {
		return EventNone
	}
	return EventFor(s)
}

// EventFor maps a status to the transition that reaches it.
func EventFor(s Status) Event {
	switch s {
	case StatusTriggered:
		return EventTrigger
	case StatusAcknowledged:
		return EventAcknowledge
	case StatusResolved:
		return EventResolve
	case StatusIgnored:
		return EventIgnore
	default:
		return EventNone
	}
}

var (
	ErrInvalidStatus     = errors.New("status is invalid")
	ErrEndedAtRequired   = errors.New("ended_at must be present when status is resolved")
	ErrEndedAtForbidden  = errors.New("ended_at must be blank unless status is resolved")
	ErrUnknownTransition = errors.New("unknown status transition")
)

// State is the lifecycle portion of an escalatable entity. It is embedded in
// persisted models.
type State struct {
	Status          Status `gorm:"not null;default:0;index"`
	EndedAt         *time.Time
	// StatusChangedAt is when Status last changed. Status events older than
	// it are stale.
	StatusChangedAt *time.Time
}

// NewState returns a freshly triggered state.
func NewState() State {
	return State{Status: StatusTriggered}
}

// NewStateAt returns a state triggered at at.
func NewStateAt(at time.Time) State {
	s := NewState()
	s.stamp(at)
	return s
}

// Trigger moves the entity back to triggered. It does nothing when the entity
// is already triggered.
func (s *State) Trigger() bool {
	if s.Status == StatusTriggered {
		return false
	}
	s.Status = StatusTriggered
	s.EndedAt = nil
	return true
}

// Acknowledge marks the entity acknowledged and clears ended_at.
func (s *State) Acknowledge() bool {
	changed := s.Status != StatusAcknowledged || s.EndedAt != nil
	s.Status = StatusAcknowledged
	s.EndedAt = nil
	return changed
}

// Resolve marks the entity resolved at the given time. It does nothing when
// the entity is already resolved.
func (s *State) Resolve(at time.Time) bool {
	if s.Status == StatusResolved {
		return false
	}
	endedAt := at.UTC()
	s.Status = StatusResolved
	s.EndedAt = &endedAt
	return true
}

// Ignore marks the entity ignored and clears ended_at.
func (s *State) Ignore() bool {
	changed := s.Status != StatusIgnored || s.EndedAt != nil
	s.Status = StatusIgnored
	s.EndedAt = nil
	return changed
}

// Fire applies ev and reports whether the state changed. A change stamps
// StatusChangedAt with at; EventResolve also uses it as ended_at.
func (s *State) Fire(ev Event, at time.Time) (bool, error) {
	var changed bool
	switch ev {
	case EventTrigger:
		changed = s.Trigger()
	case EventAcknowledge:
		changed = s.Acknowledge()
	case EventResolve:
		changed = s.Resolve(at)
	case EventIgnore:
		changed = s.Ignore()
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownTransition, ev)
	}
	if changed {
		s.stamp(at)
	}
	return changed, nil
}

// Apply moves the state to status as reported at at. Reports that predate
// the last recorded change are ignored and return false.
func (s *State) Apply(status Status, at time.Time) (bool, error) {
	if s.Superseded(at) {
		return false, nil
	}
	return s.Fire(EventFor(status), at)
}

// Superseded reports whether a change made at at is older than the last
// recorded one.
func (s State) Superseded(at time.Time) bool {
	return s.StatusChangedAt != nil && at.Before(*s.StatusChangedAt)
}

func (s *State) stamp(at time.Time) {
	t := at.UTC()
	s.StatusChangedAt = &t
}

// Validate checks the status/ended_at pairing. It never corrects the state.
func (s State) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, int(s.Status))
	}
	if s.Status == StatusResolved && s.EndedAt == nil {
		return ErrEndedAtRequired
	}
	if s.Status != StatusResolved && s.EndedAt != nil {
		return ErrEndedAtForbidden
	}
	return nil
}

// IsOpen reports whether the entity still needs attention.
func (s State) IsOpen() bool {
	return IsOpenStatus(s.Status)
}
