package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

type inboundEntry struct {
	transport InboundTransport
	gate      Gate
}

// Registry holds the configured transports for each channel.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	inbound  map[string]inboundEntry
	outbound map[string]OutboundTransport
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "channels"),
		inbound:  make(map[string]inboundEntry),
		outbound: make(map[string]OutboundTransport),
	}
}

// AddInbound registers a receiving transport with its gate.
func (r *Registry) AddInbound(t InboundTransport, gate Gate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.inbound[name]; exists {
		return fmt.Errorf("inbound transport %q already registered", name)
	}
	r.inbound[name] = inboundEntry{transport: t, gate: gate}
	return nil
}

// AddOutbound registers a sending transport.
func (r *Registry) AddOutbound(t OutboundTransport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.outbound[name]; exists {
		return fmt.Errorf("outbound transport %q already registered", name)
	}
	r.outbound[name] = t
	return nil
}

// Outbound returns the sending transport for a channel.
func (r *Registry) Outbound(channel string) (OutboundTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.outbound[channel]
	return t, ok
}

// Channels lists registered channel names, inbound and outbound combined.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.inbound)+len(r.outbound))
	for name := range r.inbound {
		seen[name] = struct{}{}
	}
	for name := range r.outbound {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartInbound runs every inbound transport until the context ends. Each
// message passes the transport's gate before reaching the handler; rejected
// messages are logged and dropped.
func (r *Registry) StartInbound(ctx context.Context, deliver Handler) error {
	r.mu.Lock()
	entries := make([]inboundEntry, 0, len(r.inbound))
	for _, e := range r.inbound {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		g.Go(func() error {
			gated := r.gatedHandler(entry.gate, deliver)
			err := entry.transport.Start(ctx, gated)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("inbound transport failed",
					"channel", entry.transport.Name(), "error", err)
			}
			return err
		})
	}
	return g.Wait()
}

func (r *Registry) gatedHandler(gate Gate, deliver Handler) Handler {
	return func(ctx context.Context, msg Inbound) error {
		if ok, reason := gate.Permit(msg); !ok {
			r.logger.Debug("inbound message rejected",
				"channel", msg.Channel, "sender", msg.SenderID, "reason", reason)
			return nil
		}
		return deliver(ctx, msg)
	}
}
