package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/pkg/models"
)

// MemoryStore is the in-memory Store used in tests and ephemeral runs.
type MemoryStore struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.Session
	byKey    map[string]string
	logs     map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		sessions: make(map[string]*models.Session),
		byKey:    make(map[string]string),
		logs:     make(map[string][]*models.Message),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byKey[sess.Key]; taken {
		return fmt.Errorf("%w: key %s", ErrSessionExists, sess.Key)
	}
	if _, taken := s.sessions[sess.ID]; taken {
		return fmt.Errorf("%w: id %s", ErrSessionExists, sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	s.byKey[sess.Key] = sess.ID
	return nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrSessionNotFound, key)
	}
	return s.sessions[id].Clone(), nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, f Filter) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if f.Matches(sess) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	log := s.logs[sessionID]
	record := msg.Clone()
	record.SessionID = sessionID
	record.Seq = int64(len(log)) + 1
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}
	s.logs[sessionID] = append(log, record)
	return record.Clone(), nil
}

func (s *MemoryStore) Messages(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	var out []*models.Message
	for _, record := range s.logs[sessionID] {
		if record.Seq < fromSeq {
			continue
		}
		clone := record.Clone()
		if clone.Seq <= sess.CompactedThroughSeq && clone.Role != models.RoleSummary {
			clone.Superseded = true
		}
		out = append(out, clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return int64(len(s.logs[sessionID])), nil
}
