package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// LogChannel writes pages to the structured log. It is the default channel
// and never fails.
type LogChannel struct {
	log *slog.Logger
}

// NewLogChannel returns a LogChannel.
func NewLogChannel(log *slog.Logger) *LogChannel {
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Notify(_ context.Context, page Page) error {
	c.log.Info("page",
		"pending_escalation_id", page.PendingEscalationID,
		"target_type", page.Target.Kind,
		"target_id", page.Target.ID,
		"project_id", page.ProjectID,
		"rule_id", page.RuleID,
		"schedule_id", page.ScheduleID,
		"status", page.Status.String(),
		"user_id", page.Recipient.UserID,
		"email", page.Recipient.Email,
	)
	return nil
}

// ---- Email -----------------------------------------------------------------

// MailSender sends messages. *gomail.Dialer implements it.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// ErrNoEmail is returned for recipients without an address.
var ErrNoEmail = errors.New("recipient has no email address")

// EmailChannel pages by SMTP.
type EmailChannel struct {
	sender MailSender
	from   string
}

// SMTPConfig configures NewSMTPChannel.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // intentional: SMTP credential from env
	From     string
}

// NewSMTPChannel dials cfg.Host for each page.
func NewSMTPChannel(cfg SMTPConfig) *EmailChannel {
	return NewEmailChannel(gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password), cfg.From)
}

// NewEmailChannel pages through sender.
func NewEmailChannel(sender MailSender, from string) *EmailChannel {
	return &EmailChannel{sender: sender, from: from}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Notify(ctx context.Context, page Page) error {
	if page.Recipient.Email == "" {
		return ErrNoEmail
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", c.from)
	msg.SetAddressHeader("To", page.Recipient.Email, page.Recipient.Name)
	msg.SetHeader("Subject", page.Subject())
	msg.SetBody("text/plain", fmt.Sprintf(
		"%s is still %s in project %s.\n\nYou are on call for schedule %s.\n",
		page.Target, page.Status, page.ProjectID, page.ScheduleID))

	// gomail has no context support; give up waiting when ctx ends.
	done := make(chan error, 1)
	go func() { done <- c.sender.DialAndSend(msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send page email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- NATS ------------------------------------------------------------------

// Publisher is the subset of *nats.Conn used to publish pages.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSChannel publishes pages as JSON for an external pager to consume.
type NATSChannel struct {
	pub     Publisher
	subject string
}

// NewNATSChannel publishes to subject.
func NewNATSChannel(pub Publisher, subject string) *NATSChannel {
	return &NATSChannel{pub: pub, subject: subject}
}

func (c *NATSChannel) Name() string { return "nats" }

func (c *NATSChannel) Notify(ctx context.Context, page Page) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}
	if err := c.pub.Publish(c.subject, data); err != nil {
		return fmt.Errorf("publish page: %w", err)
	}
	if err := c.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush page: %w", err)
	}
	return nil
}
