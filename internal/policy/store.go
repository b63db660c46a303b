package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/storage"
	"github.com/latticehq/lattice/pkg/models"
)

// ErrPolicyNotFound is returned for lookups of unknown policy IDs.
var ErrPolicyNotFound = errors.New("policy not found")

// Store persists policies as one JSON document each and serves them to the
// engine. Every mutation bumps the generation, which empties the engine's
// decision cache on the next lookup.
type Store struct {
	store storage.Store
	now   func() time.Time
	gen   atomic.Uint64

	mu       sync.RWMutex
	policies map[string]*models.Policy
	snapshot []*models.Policy
}

// NewStore opens the policies namespace and loads existing records.
func NewStore(ctx context.Context, backend storage.Backend) (*Store, error) {
	st, err := backend.Open("policies")
	if err != nil {
		return nil, fmt.Errorf("open policies store: %w", err)
	}
	s := &Store{
		store:    st,
		now:      time.Now,
		policies: make(map[string]*models.Policy),
	}
	entries, err := st.Scan(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	for _, entry := range entries {
		var p models.Policy
		if err := json.Unmarshal(entry.Value, &p); err != nil {
			return nil, fmt.Errorf("decode policy %s: %w", entry.Key, err)
		}
		s.policies[p.ID] = &p
	}
	s.rebuildLocked()
	s.gen.Store(1)
	return s, nil
}

// Policies returns the current snapshot. The engine must not mutate it.
func (s *Store) Policies() []*models.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Generation returns a counter that changes on every mutation.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

// Put creates or replaces a policy.
func (s *Store) Put(ctx context.Context, p models.Policy) (*models.Policy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	switch p.Effect {
	case models.EffectAllow, models.EffectDeny:
	default:
		return nil, fmt.Errorf("policy effect must be allow or deny, got %q", p.Effect)
	}
	now := s.now().UTC()
	p.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.policies[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	data, err := json.MarshalIndent(&p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode policy %s: %w", p.ID, err)
	}
	if err := s.store.Put(ctx, p.ID+".json", data); err != nil {
		return nil, fmt.Errorf("persist policy %s: %w", p.ID, err)
	}
	s.policies[p.ID] = &p
	s.rebuildLocked()
	s.gen.Add(1)
	out := p
	return &out, nil
}

// Get returns a copy of the policy.
func (s *Store) Get(id string) (*models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	out := *p
	return &out, nil
}

// Delete removes a policy.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	if err := s.store.Delete(ctx, id+".json"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	delete(s.policies, id)
	s.rebuildLocked()
	s.gen.Add(1)
	return nil
}

// List returns copies of every policy.
func (s *Store) List() []*models.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Policy, 0, len(s.snapshot))
	for _, p := range s.snapshot {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (s *Store) rebuildLocked() {
	snapshot := make([]*models.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		snapshot = append(snapshot, p)
	}
	s.snapshot = snapshot
}
