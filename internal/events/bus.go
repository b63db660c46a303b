// Package events provides the in-process typed pub/sub bus. Delivery is
// best-effort FIFO per subscriber; a slow subscriber is dropped rather than
// blocking publishers.
package events

import (
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
)

// Event names published by the core.
const (
	SessionMessage     = "session.message"
	SessionToolCall    = "session.tool_call"
	SessionToolResult  = "session.tool_result"
	SessionStreamToken = "session.stream_token"
	SessionCompacted   = "session.compacted"
	AgentCompleted     = "agent.completed"
	JobRunStarted      = "job.run_started"
	JobRunFinished     = "job.run_finished"
	PolicyDecision     = "policy.decision"
	QuotaExceeded      = "quota.exceeded"
)

// Event is a typed, named notification.
type Event struct {
	Name       string         `json:"name"`
	SessionKey string         `json:"session_key,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Time       time.Time      `json:"time"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	// Names are event-name globs (e.g. "session.*").
	Names []string
	// SessionKey is a glob over the event's session key.
	SessionKey string
}

func (f Filter) matches(ev Event) bool {
	if len(f.Names) > 0 {
		matched := false
		for _, pattern := range f.Names {
			if matchGlob(pattern, ev.Name) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.SessionKey != "" && !matchGlob(f.SessionKey, ev.SessionKey) {
		return false
	}
	return true
}

func matchGlob(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if ok, err := path.Match(pattern, value); err == nil && ok {
		return true
	}
	// path.Match's "*" does not cross separators; support trailing-star
	// prefixes like "session.*" and "agent:a1:*" across segments.
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

// Subscription receives matching events on C. C is closed when the
// subscription is closed or dropped for falling behind; Dropped reports which.
type Subscription struct {
	C      <-chan Event
	bus    *Bus
	ch     chan Event
	filter Filter
	id     int64

	mu      sync.Mutex
	closed  bool
	dropped bool
}

// Dropped reports whether the bus evicted this subscriber for falling behind.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s, false)
}

// Bus is the in-process event bus.
type Bus struct {
	logger   *slog.Logger
	queueMax int

	mu     sync.Mutex
	nextID int64
	subs   map[int64]*Subscription
}

// NewBus creates a bus with the given per-subscriber queue bound.
func NewBus(queueMax int, logger *slog.Logger) *Bus {
	if queueMax <= 0 {
		queueMax = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger.With("component", "events"),
		queueMax: queueMax,
		subs:     make(map[int64]*Subscription),
	}
}

// Subscribe registers a filtered subscriber.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	ch := make(chan Event, b.queueMax)
	sub := &Subscription{C: ch, ch: ch, bus: b, filter: filter}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Publish delivers the event to every matching subscriber. Ordering of
// events for one session is preserved per subscriber. Subscribers whose
// queue is full are dropped and their channel closed.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping slow subscriber", "event", ev.Name)
			b.unsubscribe(sub, true)
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription, dropped bool) {
	b.mu.Lock()
	_, present := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || !present {
		return
	}
	sub.closed = true
	sub.dropped = dropped
	close(sub.ch)
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
