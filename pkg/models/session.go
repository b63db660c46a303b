// Package models defines the shared domain types: sessions, messages,
// tenants, policies, credentials, and scheduled jobs.
package models

import "time"

// SessionType classifies a session by the shape of its key.
type SessionType string

const (
	SessionMain     SessionType = "main"
	SessionGroup    SessionType = "group"
	SessionDM       SessionType = "dm"
	SessionTopic    SessionType = "topic"
	SessionSubagent SessionType = "subagent"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionIdle      SessionStatus = "idle"
	SessionCompacted SessionStatus = "compacted"
	SessionArchived  SessionStatus = "archived"
)

// MaxSubagentDepth bounds the subagent spawn chain.
const MaxSubagentDepth = 3

// Session is the conversational unit. Sessions are created on first inbound
// message, mutated only by the session manager, and never deleted in place
// (archival tombstones only).
type Session struct {
	ID             string        `json:"id"`
	Key            string        `json:"key"`
	Type           SessionType   `json:"type"`
	TenantID       string        `json:"tenant_id,omitempty"`
	OwnerPrincipal string        `json:"owner_principal,omitempty"`
	ChannelID      string        `json:"channel_id,omitempty"`
	ParentID       string        `json:"parent_id,omitempty"`
	Depth          int           `json:"depth"`
	Status         SessionStatus `json:"status"`
	TokenCount     int           `json:"token_count"`
	// CompactedThroughSeq is the highest seq logically subsumed by the
	// latest summary message; zero when never compacted.
	CompactedThroughSeq int64          `json:"compacted_through_seq,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Metadata != nil {
		meta := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
		clone.Metadata = meta
	}
	return &clone
}
