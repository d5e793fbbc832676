// Package notify delivers pages to on-call users. The escalation engine only
// depends on Notifier; channels are the outbound integrations behind it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/d9705996/escalator/internal/escalatable"
)

// Recipient is the on-call user being paged.
type Recipient struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// Page asks one recipient to look at an escalatable because a rule fired.
type Page struct {
	PendingEscalationID string             `json:"pending_escalation_id"`
	Target              escalatable.Ref    `json:"target"`
	ProjectID           string             `json:"project_id"`
	RuleID              string             `json:"rule_id"`
	ScheduleID          string             `json:"schedule_id"`
	Status              escalatable.Status `json:"status"`
	ElapsedTimeSeconds  int                `json:"elapsed_time_seconds"`
	Recipient           Recipient          `json:"recipient"`
	FiredAt             time.Time          `json:"fired_at"`
}

// Subject is a one-line summary used by channels with a subject field.
func (p Page) Subject() string {
	return fmt.Sprintf("[escalation] %s still %s after %s", p.Target, p.Status,
		time.Duration(p.ElapsedTimeSeconds)*time.Second)
}

// Notifier delivers a page. A nil error means the page was accepted.
type Notifier interface {
	Notify(ctx context.Context, page Page) error
}

// Channel is a named Notifier.
type Channel interface {
	Notifier
	Name() string
}
