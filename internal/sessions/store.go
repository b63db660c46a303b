// Package sessions implements the append-only conversation store and the
// session manager that serializes writes, spawns subagents, and compacts
// long histories.
package sessions

import (
	"context"
	"errors"

	"github.com/latticehq/lattice/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrDepthExceeded   = errors.New("subagent depth exceeded")
)

// Filter narrows ListSessions.
type Filter struct {
	Type     models.SessionType
	TenantID string
	Status   models.SessionStatus
	AgentID  string
}

// Matches reports whether a session passes the filter.
func (f Filter) Matches(s *models.Session) bool {
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	if f.TenantID != "" && s.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.AgentID != "" {
		key, err := ParseKey(s.Key)
		if err != nil || key.AgentID != f.AgentID {
			return false
		}
	}
	return true
}

// Store is the append-only persistence port for sessions and messages.
// AppendMessage assigns the next seq atomically; a successful append is
// crash-safe with no torn tail on reload.
type Store interface {
	// CreateSession persists a new session. ErrSessionExists when the key
	// is already taken.
	CreateSession(ctx context.Context, sess *models.Session) error
	// SaveSession rewrites session metadata.
	SaveSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetByKey(ctx context.Context, key string) (*models.Session, error)
	ListSessions(ctx context.Context, f Filter) ([]*models.Session, error)
	// AppendMessage assigns msg.Seq and persists the record. Appends to
	// the same session are serialized by the store.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Message, error)
	// Messages returns records with seq >= fromSeq, in seq order, up to
	// limit (0 = no limit). Superseded is set for records at or below the
	// session's compaction boundary.
	Messages(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]*models.Message, error)
	// LastSeq returns the highest assigned seq, zero for an empty session.
	LastSeq(ctx context.Context, sessionID string) (int64, error)
}
