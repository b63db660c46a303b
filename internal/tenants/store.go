// Package tenants manages tenant records and enforces per-tenant quotas.
package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/storage"
	"github.com/latticehq/lattice/pkg/models"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantExists   = errors.New("tenant already exists")
	ErrSuspended      = errors.New("tenant is suspended")
)

// Store keeps tenant records, persisting each tenant as one JSON document.
// An in-memory map serves reads; the backing store is the source of truth
// across restarts.
type Store struct {
	store storage.Store
	now   func() time.Time

	mu      sync.RWMutex
	tenants map[string]*models.Tenant
}

// NewStore opens the tenants namespace and loads existing records.
func NewStore(ctx context.Context, backend storage.Backend) (*Store, error) {
	st, err := backend.Open("tenants")
	if err != nil {
		return nil, fmt.Errorf("open tenants store: %w", err)
	}
	s := &Store{
		store:   st,
		now:     time.Now,
		tenants: make(map[string]*models.Tenant),
	}
	entries, err := st.Scan(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	for _, entry := range entries {
		var t models.Tenant
		if err := json.Unmarshal(entry.Value, &t); err != nil {
			return nil, fmt.Errorf("decode tenant %s: %w", entry.Key, err)
		}
		s.tenants[t.ID] = &t
	}
	return s, nil
}

// Create registers a new tenant. A blank ID gets a generated one.
func (s *Store) Create(ctx context.Context, t models.Tenant) (*models.Tenant, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Name == "" {
		return nil, fmt.Errorf("tenant name is required")
	}
	if t.Tier == "" {
		t.Tier = models.TierFree
	}
	if t.Status == "" {
		t.Status = models.TenantActive
	}
	now := s.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tenants[t.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantExists, t.ID)
	}
	if err := s.persistLocked(ctx, &t); err != nil {
		return nil, err
	}
	s.tenants[t.ID] = &t
	return t.Clone(), nil
}

// Get returns a copy of the tenant.
func (s *Store) Get(id string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return t.Clone(), nil
}

// Update applies a mutation under the store lock and persists the result.
func (s *Store) Update(ctx context.Context, id string, mutate func(*models.Tenant) error) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	updated := t.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.ID = t.ID
	updated.CreatedAt = t.CreatedAt
	updated.UpdatedAt = s.now().UTC()
	if err := s.persistLocked(ctx, updated); err != nil {
		return nil, err
	}
	s.tenants[id] = updated
	return updated.Clone(), nil
}

// Delete removes a tenant record.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if err := s.store.Delete(ctx, id+".json"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	delete(s.tenants, id)
	return nil
}

// List returns copies of every tenant.
func (s *Store) List() []*models.Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t.Clone())
	}
	return out
}

// Active returns the tenant if it exists and is not suspended or expired.
func (s *Store) Active(id string) (*models.Tenant, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case models.TenantSuspended, models.TenantExpired:
		return nil, fmt.Errorf("%w: %s", ErrSuspended, id)
	}
	return t, nil
}

func (s *Store) persistLocked(ctx context.Context, t *models.Tenant) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tenant %s: %w", t.ID, err)
	}
	if err := s.store.Put(ctx, t.ID+".json", data); err != nil {
		return fmt.Errorf("persist tenant %s: %w", t.ID, err)
	}
	return nil
}
