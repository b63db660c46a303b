package channels

import (
	"context"
	"fmt"
)

// Loopback is an in-process channel: injected messages flow inbound and
// replies land in an outbox channel. It backs local CLI conversations and
// tests; it is registered under the channel name it is given.
type Loopback struct {
	name string
	in   chan Inbound
	out  chan Outbound
}

func NewLoopback(name string, buffer int) *Loopback {
	if buffer <= 0 {
		buffer = 16
	}
	return &Loopback{
		name: name,
		in:   make(chan Inbound, buffer),
		out:  make(chan Outbound, buffer),
	}
}

func (l *Loopback) Name() string { return l.name }

// Inject queues a message as if the platform delivered it.
func (l *Loopback) Inject(msg Inbound) error {
	msg.Channel = l.name
	select {
	case l.in <- msg:
		return nil
	default:
		return fmt.Errorf("loopback %s: inbound buffer full", l.name)
	}
}

// Start delivers injected messages until the context ends.
func (l *Loopback) Start(ctx context.Context, deliver Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-l.in:
			if err := deliver(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Send places the reply in the outbox.
func (l *Loopback) Send(ctx context.Context, msg Outbound) error {
	select {
	case l.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbox exposes delivered replies.
func (l *Loopback) Outbox() <-chan Outbound { return l.out }

var (
	_ InboundTransport  = (*Loopback)(nil)
	_ OutboundTransport = (*Loopback)(nil)
)
