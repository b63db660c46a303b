package sessions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/latticehq/lattice/pkg/models"
)

// ErrInvalidKey is returned for session keys that do not follow the
// canonical syntax.
var ErrInvalidKey = errors.New("invalid session key")

// Key is the parsed form of a canonical session key:
//
//	agent:{agent}:main
//	agent:{agent}:group:{channel}:{group}
//	agent:{agent}:dm:{channel}:{partner}
//	agent:{agent}:topic:{channel}:{group}:{topic}
//	agent:{agent}:subagent:{id}
type Key struct {
	AgentID    string
	Type       models.SessionType
	ChannelID  string
	GroupID    string
	PartnerID  string
	TopicID    string
	SubagentID string
}

// MainKey returns the agent's main session key.
func MainKey(agentID string) Key {
	return Key{AgentID: agentID, Type: models.SessionMain}
}

// GroupKey returns a group conversation key.
func GroupKey(agentID, channel, groupID string) Key {
	return Key{AgentID: agentID, Type: models.SessionGroup, ChannelID: channel, GroupID: groupID}
}

// DMKey returns a direct-message conversation key.
func DMKey(agentID, channel, partnerID string) Key {
	return Key{AgentID: agentID, Type: models.SessionDM, ChannelID: channel, PartnerID: partnerID}
}

// TopicKey returns a topic-scoped conversation key.
func TopicKey(agentID, channel, groupID, topicID string) Key {
	return Key{AgentID: agentID, Type: models.SessionTopic, ChannelID: channel, GroupID: groupID, TopicID: topicID}
}

// SubagentKey returns a spawned subagent session key.
func SubagentKey(agentID, subagentID string) Key {
	return Key{AgentID: agentID, Type: models.SessionSubagent, SubagentID: subagentID}
}

// String renders the canonical form.
func (k Key) String() string {
	switch k.Type {
	case models.SessionMain:
		return fmt.Sprintf("agent:%s:main", k.AgentID)
	case models.SessionGroup:
		return fmt.Sprintf("agent:%s:group:%s:%s", k.AgentID, k.ChannelID, k.GroupID)
	case models.SessionDM:
		return fmt.Sprintf("agent:%s:dm:%s:%s", k.AgentID, k.ChannelID, k.PartnerID)
	case models.SessionTopic:
		return fmt.Sprintf("agent:%s:topic:%s:%s:%s", k.AgentID, k.ChannelID, k.GroupID, k.TopicID)
	case models.SessionSubagent:
		return fmt.Sprintf("agent:%s:subagent:%s", k.AgentID, k.SubagentID)
	default:
		return ""
	}
}

// Validate checks every segment is a non-empty token without colons.
func (k Key) Validate() error {
	segments := []string{k.AgentID}
	switch k.Type {
	case models.SessionMain:
	case models.SessionGroup:
		segments = append(segments, k.ChannelID, k.GroupID)
	case models.SessionDM:
		segments = append(segments, k.ChannelID, k.PartnerID)
	case models.SessionTopic:
		segments = append(segments, k.ChannelID, k.GroupID, k.TopicID)
	case models.SessionSubagent:
		segments = append(segments, k.SubagentID)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidKey, k.Type)
	}
	for _, seg := range segments {
		if !validSegment(seg) {
			return fmt.Errorf("%w: bad segment %q", ErrInvalidKey, seg)
		}
	}
	return nil
}

// ParseKey parses a canonical session key string.
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 || parts[0] != "agent" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	k := Key{AgentID: parts[1]}
	rest := parts[2:]
	switch rest[0] {
	case "main":
		k.Type = models.SessionMain
		if len(rest) != 1 {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
		}
	case "group":
		k.Type = models.SessionGroup
		if len(rest) != 3 {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
		}
		k.ChannelID, k.GroupID = rest[1], rest[2]
	case "dm":
		k.Type = models.SessionDM
		if len(rest) != 3 {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
		}
		k.ChannelID, k.PartnerID = rest[1], rest[2]
	case "topic":
		k.Type = models.SessionTopic
		if len(rest) != 4 {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
		}
		k.ChannelID, k.GroupID, k.TopicID = rest[1], rest[2], rest[3]
	case "subagent":
		k.Type = models.SessionSubagent
		if len(rest) != 2 {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
		}
		k.SubagentID = rest[1]
	default:
		return Key{}, fmt.Errorf("%w: unknown type %q", ErrInvalidKey, rest[0])
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// validSegment accepts URL-safe tokens only; colons are reserved as
// separators and must be escaped by the transport.
func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '~' || r == '+' || r == '@':
		default:
			return false
		}
	}
	return true
}
