package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/pkg/models"
)

// Estimator approximates the token cost of a text.
type Estimator func(text string) int

// defaultEstimate is the cheap fallback when no tokenizer is wired.
func defaultEstimate(text string) int {
	return (len(text) + 3) / 4
}

// ManagerConfig tunes compaction and archival.
type ManagerConfig struct {
	CompactionSoftTokenLimit int
	CompactionTailKeep       int
	IdleArchiveAfter         time.Duration
}

// Manager owns session lifecycle: routing keys to sessions, serialized
// appends, subagent spawning, compaction, and archival. All mutation of
// session state goes through here.
type Manager struct {
	store    Store
	bus      *events.Bus
	logger   *slog.Logger
	cfg      ManagerConfig
	estimate Estimator
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session writer lock
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEstimator installs a real tokenizer-backed estimator.
func WithEstimator(e Estimator) ManagerOption {
	return func(m *Manager) {
		if e != nil {
			m.estimate = e
		}
	}
}

// WithManagerClock overrides the time source, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager wires the manager over a store and event bus.
func NewManager(store Store, bus *events.Bus, logger *slog.Logger, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CompactionSoftTokenLimit <= 0 {
		cfg.CompactionSoftTokenLimit = 24000
	}
	if cfg.CompactionTailKeep <= 0 {
		cfg.CompactionTailKeep = 8
	}
	m := &Manager{
		store:    store,
		bus:      bus,
		logger:   logger.With("component", "sessions"),
		cfg:      cfg,
		estimate: defaultEstimate,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying read API for components that only read.
func (m *Manager) Store() Store { return m.store }

func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// SessionSpec carries optional attributes for session creation.
type SessionSpec struct {
	TenantID       string
	OwnerPrincipal string
}

// Ensure resolves the session for a key, creating it on first use. When two
// creators race, one wins and the other observes the winner.
func (m *Manager) Ensure(ctx context.Context, key Key, spec SessionSpec) (*models.Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	raw := key.String()
	if sess, err := m.store.GetByKey(ctx, raw); err == nil {
		return sess, nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	now := m.now().UTC()
	sess := &models.Session{
		ID:             uuid.NewString(),
		Key:            raw,
		Type:           key.Type,
		TenantID:       spec.TenantID,
		OwnerPrincipal: spec.OwnerPrincipal,
		ChannelID:      key.ChannelID,
		Status:         models.SessionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, ErrSessionExists) {
			return m.store.GetByKey(ctx, raw)
		}
		return nil, err
	}
	m.logger.Info("session created", "session", sess.ID, "key", raw, "type", string(key.Type))
	return sess.Clone(), nil
}

// Get returns session metadata by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.store.GetSession(ctx, id)
}

// GetByKey returns session metadata by canonical key.
func (m *Manager) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	return m.store.GetByKey(ctx, key)
}

// List returns sessions matching the filter.
func (m *Manager) List(ctx context.Context, f Filter) ([]*models.Session, error) {
	return m.store.ListSessions(ctx, f)
}

// Append serializes the write per session, assigns seq, updates the running
// token count, and publishes the matching event.
func (m *Manager) Append(ctx context.Context, sessionID string, msg *models.Message) (*models.Message, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionArchived {
		return nil, fmt.Errorf("session %s is archived", sessionID)
	}
	if msg.TokenEstimate == 0 {
		msg.TokenEstimate = m.estimate(msg.Content)
	}
	record, err := m.store.AppendMessage(ctx, sessionID, msg)
	if err != nil {
		return nil, err
	}

	sess.TokenCount += record.TokenEstimate
	sess.UpdatedAt = m.now().UTC()
	if sess.Status == models.SessionIdle {
		sess.Status = models.SessionActive
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	m.publish(sess.Key, record)
	return record, nil
}

func (m *Manager) publish(sessionKey string, record *models.Message) {
	if m.bus == nil {
		return
	}
	name := events.SessionMessage
	payload := map[string]any{
		"session_id": record.SessionID,
		"seq":        record.Seq,
		"role":       string(record.Role),
		"content":    record.Content,
		"tool_name":  record.ToolName,
	}
	switch record.Role {
	case models.RoleToolCall:
		name = events.SessionToolCall
	case models.RoleToolResult:
		name = events.SessionToolResult
		if record.ToolResult != nil {
			payload["is_error"] = record.ToolResult.IsError
		}
	}
	m.bus.Publish(events.Event{
		Name:       name,
		SessionKey: sessionKey,
		Payload:    payload,
	})
}

// History returns the effective window the agent should see: the latest
// summary (when compacted) followed by everything after the boundary.
func (m *Manager) History(ctx context.Context, sessionID string) ([]*models.Message, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	all, err := m.store.Messages(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	if sess.CompactedThroughSeq == 0 {
		return all, nil
	}
	var out []*models.Message
	var summary *models.Message
	for _, record := range all {
		if record.Role == models.RoleSummary {
			summary = record // latest wins
			continue
		}
		if record.Seq > sess.CompactedThroughSeq {
			out = append(out, record)
		}
	}
	if summary != nil {
		out = append([]*models.Message{summary}, out...)
	}
	return out, nil
}

// SpawnSubagent creates an isolated child session for a delegated task.
func (m *Manager) SpawnSubagent(ctx context.Context, parentID string, spec SessionSpec) (*models.Session, error) {
	parent, err := m.store.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Depth+1 > models.MaxSubagentDepth {
		return nil, fmt.Errorf("%w: parent depth %d", ErrDepthExceeded, parent.Depth)
	}
	parentKey, err := ParseKey(parent.Key)
	if err != nil {
		return nil, fmt.Errorf("parent %s has malformed key: %w", parentID, err)
	}

	now := m.now().UTC()
	child := &models.Session{
		ID:             uuid.NewString(),
		Key:            SubagentKey(parentKey.AgentID, uuid.NewString()).String(),
		Type:           models.SessionSubagent,
		TenantID:       parent.TenantID,
		OwnerPrincipal: spec.OwnerPrincipal,
		ChannelID:      parent.ChannelID,
		ParentID:       parent.ID,
		Depth:          parent.Depth + 1,
		Status:         models.SessionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if spec.TenantID != "" {
		child.TenantID = spec.TenantID
	}
	if child.OwnerPrincipal == "" {
		child.OwnerPrincipal = parent.OwnerPrincipal
	}
	if err := m.store.CreateSession(ctx, child); err != nil {
		return nil, err
	}
	m.logger.Info("subagent spawned", "parent", parent.ID, "child", child.ID, "depth", child.Depth)
	return child.Clone(), nil
}

// Archive tombstones a session; its transcript stays on disk.
func (m *Manager) Archive(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Status = models.SessionArchived
	sess.UpdatedAt = m.now().UTC()
	return m.store.SaveSession(ctx, sess)
}

// ArchiveIdle archives sessions untouched for the configured idle period.
// Returns the number archived.
func (m *Manager) ArchiveIdle(ctx context.Context) (int, error) {
	if m.cfg.IdleArchiveAfter <= 0 {
		return 0, nil
	}
	cutoff := m.now().UTC().Add(-m.cfg.IdleArchiveAfter)
	all, err := m.store.ListSessions(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, sess := range all {
		if sess.Status == models.SessionArchived || sess.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.Archive(ctx, sess.ID); err != nil {
			m.logger.Warn("archive idle session", "session", sess.ID, "error", err)
			continue
		}
		archived++
	}
	return archived, nil
}
