package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/escalator/internal/metrics"
	"github.com/sony/gobreaker"
)

// ErrNoChannels is returned when a Dispatcher has nothing to deliver through.
var ErrNoChannels = errors.New("notify: no channels configured")

// DispatcherConfig tunes per-channel delivery.
type DispatcherConfig struct {
	// Timeout bounds one delivery attempt on one channel.
	Timeout time.Duration
	// BreakerFailures consecutive failures open a channel's breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long an open breaker rejects pages.
	BreakerCooldown time.Duration
}

type breakerChannel struct {
	ch Channel
	cb *gobreaker.CircuitBreaker
}

// Dispatcher fans a page out to every channel. It succeeds when at least one
// channel accepts the page.
type Dispatcher struct {
	channels []breakerChannel
	timeout  time.Duration
	log      *slog.Logger
}

// NewDispatcher wraps each channel in its own circuit breaker.
func NewDispatcher(cfg DispatcherConfig, log *slog.Logger, channels ...Channel) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	d := &Dispatcher{timeout: cfg.Timeout, log: log}
	for _, ch := range channels {
		failures := cfg.BreakerFailures
		settings := gobreaker.Settings{
			Name:        ch.Name(),
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.BreakerState.WithLabelValues(name).Set(float64(to))
				log.Warn("notify channel breaker state changed", "channel", name, "from", from.String(), "to", to.String())
			},
		}
		d.channels = append(d.channels, breakerChannel{ch: ch, cb: gobreaker.NewCircuitBreaker(settings)})
	}
	return d
}

// Notify implements Notifier.
func (d *Dispatcher) Notify(ctx context.Context, page Page) error {
	if len(d.channels) == 0 {
		return ErrNoChannels
	}
	var errs []error
	delivered := 0
	for _, bc := range d.channels {
		if err := d.send(ctx, bc, page); err != nil {
			metrics.NotificationsFailed.WithLabelValues(bc.ch.Name()).Inc()
			d.log.Warn("page delivery failed",
				"channel", bc.ch.Name(),
				"pending_escalation_id", page.PendingEscalationID,
				"user_id", page.Recipient.UserID,
				"err", err)
			errs = append(errs, fmt.Errorf("%s: %w", bc.ch.Name(), err))
			continue
		}
		metrics.NotificationsSent.WithLabelValues(bc.ch.Name()).Inc()
		delivered++
	}
	if delivered > 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, bc breakerChannel, page Page) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := bc.cb.Execute(func() (interface{}, error) {
		return nil, bc.ch.Notify(ctx, page)
	})
	return err
}
