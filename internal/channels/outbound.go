package channels

import (
	"context"
	"log/slog"

	"github.com/latticehq/lattice/internal/backoff"
	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/pkg/models"
)

const defaultSendAttempts = 4

// Dispatcher bridges session.message events to outbound transports. It
// forwards assistant replies for channel-bound sessions (groups, DMs,
// topics); main and subagent sessions have no platform to deliver to.
type Dispatcher struct {
	registry *Registry
	bus      *events.Bus
	logger   *slog.Logger
	policy   backoff.Policy
	attempts int
}

// DispatcherOption tunes delivery retries.
type DispatcherOption func(*Dispatcher)

// WithSendPolicy overrides the retry backoff policy.
func WithSendPolicy(p backoff.Policy, attempts int) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = p
		if attempts > 0 {
			d.attempts = attempts
		}
	}
}

func NewDispatcher(registry *Registry, bus *events.Bus, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry: registry,
		bus:      bus,
		logger:   logger.With("component", "outbound"),
		policy:   backoff.Default(),
		attempts: defaultSendAttempts,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes message events until the context ends. When the bus drops
// the subscription for falling behind, Run resubscribes; replies published
// while detached are lost, which outbound delivery tolerates.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		sub := d.bus.Subscribe(events.Filter{Names: []string{events.SessionMessage}})
		again, err := d.consume(ctx, sub)
		sub.Close()
		if !again {
			return err
		}
		d.logger.Warn("event subscription dropped, resubscribing")
	}
}

func (d *Dispatcher) consume(ctx context.Context, sub *events.Subscription) (resubscribe bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return true, nil
			}
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev events.Event) {
	role, _ := ev.Payload["role"].(string)
	if role != string(models.RoleAssistant) {
		return
	}
	content, _ := ev.Payload["content"].(string)
	if content == "" {
		return
	}
	key, err := sessions.ParseKey(ev.SessionKey)
	if err != nil || key.ChannelID == "" {
		return
	}
	transport, ok := d.registry.Outbound(key.ChannelID)
	if !ok {
		return
	}

	msg := Outbound{Channel: key.ChannelID, SessionKey: ev.SessionKey, Text: content}
	err = backoff.Retry(ctx, d.policy, d.attempts, func(int) error {
		return transport.Send(ctx, msg)
	})
	if err != nil {
		d.logger.Error("outbound delivery failed",
			"channel", key.ChannelID, "session", ev.SessionKey, "error", err)
	}
}
