// Package channels defines the transport ports between external messaging
// platforms and the core. An InboundTransport turns platform messages into
// session posts; an OutboundTransport delivers assistant replies back out.
// Platform adapters plug in from outside the core; this package ships a
// loopback transport for local use and tests.
package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/latticehq/lattice/internal/sessions"
)

// Inbound is a platform-native message normalized for routing. The
// addressing tuple (Channel, SenderID, GroupID, TopicID) is everything the
// core needs to compute the session key.
type Inbound struct {
	Channel  string
	SenderID string
	GroupID  string
	TopicID  string
	Text     string
	// Mentioned reports whether the message addressed the agent directly.
	// Group transports set it for mention gating.
	Mentioned bool
	Metadata  map[string]any
}

// SessionKey maps the addressing tuple onto the canonical key space: a DM
// when only a sender is present, a topic when both group and topic are, a
// group otherwise.
func (in Inbound) SessionKey(agentID string) (sessions.Key, error) {
	switch {
	case in.GroupID != "" && in.TopicID != "":
		return sessions.TopicKey(agentID, in.Channel, in.GroupID, in.TopicID), nil
	case in.GroupID != "":
		return sessions.GroupKey(agentID, in.Channel, in.GroupID), nil
	case in.SenderID != "":
		return sessions.DMKey(agentID, in.Channel, in.SenderID), nil
	default:
		return sessions.Key{}, fmt.Errorf("channel %s: message has no addressing", in.Channel)
	}
}

// Handler receives gated inbound messages from a transport.
type Handler func(ctx context.Context, msg Inbound) error

// InboundTransport is the receiving side of a platform adapter. Start
// blocks until the context ends, delivering messages through the handler.
type InboundTransport interface {
	Name() string
	Start(ctx context.Context, deliver Handler) error
}

// Outbound is one reply to push back to a platform.
type Outbound struct {
	Channel string
	// SessionKey identifies the conversation; the transport maps it back
	// to platform addressing.
	SessionKey string
	Text       string
}

// OutboundTransport is the sending side of a platform adapter. Send is
// retried with backoff on failure, so rate-limit errors should just be
// returned.
type OutboundTransport interface {
	Name() string
	Send(ctx context.Context, msg Outbound) error
}

// Gate applies a transport's allowlist and mention policy before a message
// is handed to the core. Empty allowlists admit everyone.
type Gate struct {
	// AllowedSenders and AllowedGroups are exact ids or "*" suffixed
	// prefixes, e.g. "team-*".
	AllowedSenders []string
	AllowedGroups  []string
	// RequireMention drops group messages that do not address the agent.
	RequireMention bool
}

// Permit reports whether the message may enter, with a reason when not.
func (g Gate) Permit(msg Inbound) (bool, string) {
	if len(g.AllowedSenders) > 0 && !allowed(g.AllowedSenders, msg.SenderID) {
		return false, "sender not in allowlist"
	}
	if msg.GroupID != "" {
		if len(g.AllowedGroups) > 0 && !allowed(g.AllowedGroups, msg.GroupID) {
			return false, "group not in allowlist"
		}
		if g.RequireMention && !msg.Mentioned {
			return false, "mention required"
		}
	}
	return true, ""
}

func allowed(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == value {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
