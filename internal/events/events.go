// Package events consumes escalatable status-change events from NATS
// JetStream and hands them to the pending-escalation scheduler.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/escalator/internal/escalatable"
	"github.com/d9705996/escalator/internal/metrics"
	"github.com/d9705996/escalator/internal/pending"
	"github.com/nats-io/nats.go"
)

// StatusChanged is the wire form of a status transition. ProjectID lets the
// scheduler record an entity it has not seen before.
type StatusChanged struct {
	Target    escalatable.Ref    `json:"target"`
	ProjectID string             `json:"project_id,omitempty"`
	OldStatus escalatable.Status `json:"old_status"`
	NewStatus escalatable.Status `json:"new_status"`
	ChangedAt time.Time          `json:"changed_at"`
}

// Change converts ev for the scheduler.
func (ev StatusChanged) Change() pending.StatusChange {
	return pending.StatusChange{
		Target:    ev.Target,
		ProjectID: ev.ProjectID,
		From:      ev.OldStatus,
		To:        ev.NewStatus,
		ChangedAt: ev.ChangedAt,
	}
}

// Decode parses and checks one event payload.
func Decode(data []byte) (StatusChanged, error) {
	var ev StatusChanged
	if err := json.Unmarshal(data, &ev); err != nil {
		return StatusChanged{}, fmt.Errorf("decode status event: %w", err)
	}
	if !ev.Target.Valid() {
		return StatusChanged{}, fmt.Errorf("status event has invalid target %q", ev.Target)
	}
	if ev.ChangedAt.IsZero() {
		return StatusChanged{}, errors.New("status event has no changed_at")
	}
	return ev, nil
}

// Encode serialises ev for publishing.
func Encode(ev StatusChanged) ([]byte, error) {
	return json.Marshal(ev)
}

// StatusScheduler is the part of *pending.Scheduler the consumer needs.
type StatusScheduler interface {
	OnStatusChanged(ctx context.Context, ch pending.StatusChange) (pending.Result, error)
}

// Disposition tells the transport what to do with a message.
type Disposition int

const (
	Ack Disposition = iota
	Nak
)

// Handler applies decoded events. It is transport independent.
type Handler struct {
	scheduler StatusScheduler
	timeout   time.Duration
	log       *slog.Logger
}

// NewHandler returns a Handler that gives each event at most timeout.
func NewHandler(scheduler StatusScheduler, timeout time.Duration, log *slog.Logger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{scheduler: scheduler, timeout: timeout, log: log}
}

// Handle processes one payload. Malformed payloads are acked and dropped
// since redelivery cannot fix them; scheduler failures are retried.
func (h *Handler) Handle(ctx context.Context, data []byte) Disposition {
	ev, err := Decode(data)
	if err != nil {
		h.log.Warn("dropping malformed status event", "err", err)
		metrics.StatusEventsConsumed.WithLabelValues("invalid").Inc()
		return Ack
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res, err := h.scheduler.OnStatusChanged(ctx, ev.Change())
	if err != nil {
		h.log.Error("status event failed", "target_type", ev.Target.Kind, "target_id", ev.Target.ID, "err", err)
		metrics.StatusEventsConsumed.WithLabelValues("failed").Inc()
		return Nak
	}
	h.log.Debug("status event applied",
		"target_type", ev.Target.Kind, "target_id", ev.Target.ID,
		"new_status", ev.NewStatus.String(), "canceled", res.Canceled, "created", res.Created)
	metrics.StatusEventsConsumed.WithLabelValues("applied").Inc()
	return Ack
}

// ConsumerConfig locates the JetStream durable consumer.
type ConsumerConfig struct {
	URL        string
	Subject    string
	Stream     string
	Durable    string
	AckWait    time.Duration
	NakDelay   time.Duration
	MaxDeliver int
}

// Consumer is a JetStream queue subscription feeding a Handler.
type Consumer struct {
	nc  *nats.Conn
	sub *nats.Subscription
	log *slog.Logger
}

// NewConsumer connects to NATS and starts consuming. ctx bounds every
// handled message and should live as long as the consumer.
func NewConsumer(ctx context.Context, cfg ConsumerConfig, h *Handler, log *slog.Logger) (*Consumer, error) {
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = 5 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 10
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("escalator-status-consumer"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	c := &Consumer{nc: nc, log: log}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.Durable, func(msg *nats.Msg) {
		switch h.Handle(ctx, msg.Data) {
		case Ack:
			if err := msg.Ack(); err != nil {
				log.Warn("status event ack failed", "subject", msg.Subject, "err", err)
			}
		case Nak:
			if err := msg.NakWithDelay(cfg.NakDelay); err != nil {
				log.Warn("status event nak failed", "subject", msg.Subject, "err", err)
			}
		}
	},
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.Durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(cfg.AckWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %q: %w", cfg.Subject, err)
	}
	c.sub = sub
	log.Info("consuming status events", "subject", cfg.Subject, "stream", cfg.Stream, "durable", cfg.Durable)
	return c, nil
}

// Close drains the subscription and closes the connection.
func (c *Consumer) Close() error {
	defer c.nc.Close()
	if c.sub != nil {
		return c.sub.Drain()
	}
	return nil
}

// Ping reports whether the NATS connection is up.
func (c *Consumer) Ping(context.Context) error {
	if !c.nc.IsConnected() {
		return fmt.Errorf("nats connection is %s", c.nc.Status())
	}
	return nil
}
