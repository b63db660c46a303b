// Package credentials manages rotating provider API keys with failure
// cooldowns. One pool serves all providers; selection is per provider.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/storage"
	"github.com/latticehq/lattice/pkg/models"
)

// FailureKind classifies a provider error for cooldown purposes.
type FailureKind string

const (
	// FailureRateLimited puts the credential on the cooldown ladder.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureAuthInvalid disables the credential until an operator
	// re-enables it.
	FailureAuthInvalid FailureKind = "auth_invalid"
	// FailureTransient counts against the ladder like a rate limit.
	FailureTransient FailureKind = "transient"
)

var (
	ErrNoCredential       = errors.New("no usable credential")
	ErrCredentialNotFound = errors.New("credential not found")
)

// defaultCooldowns is the escalation ladder: 1m, 5m, 25m, 1h. Repeat
// offenders cap at the last rung.
var defaultCooldowns = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	1500 * time.Second,
	3600 * time.Second,
}

// provider-scoped credential set backed by one storage namespace.
type providerSet struct {
	store storage.Store
	creds []*models.Credential
}

// Pool selects credentials by priority, rotating within a priority band by
// least-recently-used. Each provider persists under its own namespace.
type Pool struct {
	backend   storage.Backend
	logger    *slog.Logger
	now       func() time.Time
	cooldowns []time.Duration

	mu        sync.Mutex
	providers map[string]*providerSet
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithCooldowns overrides the cooldown ladder.
func WithCooldowns(ladder []time.Duration) PoolOption {
	return func(p *Pool) {
		if len(ladder) > 0 {
			p.cooldowns = ladder
		}
	}
}

// WithPoolClock overrides the time source, for tests.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a credential pool over the backend. Provider namespaces
// load lazily on first use.
func NewPool(backend storage.Backend, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		backend:   backend,
		logger:    logger.With("component", "credentials"),
		now:       time.Now,
		cooldowns: defaultCooldowns,
		providers: make(map[string]*providerSet),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) setLocked(ctx context.Context, provider string) (*providerSet, error) {
	if set, ok := p.providers[provider]; ok {
		return set, nil
	}
	st, err := p.backend.Open("credentials/" + provider)
	if err != nil {
		return nil, fmt.Errorf("open credentials for %s: %w", provider, err)
	}
	set := &providerSet{store: st}
	entries, err := st.Scan(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", provider, err)
	}
	for _, entry := range entries {
		var c models.Credential
		if err := json.Unmarshal(entry.Value, &c); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", entry.Key, err)
		}
		set.creds = append(set.creds, &c)
	}
	p.providers[provider] = set
	return set, nil
}

// Add registers a credential for a provider.
func (p *Pool) Add(ctx context.Context, c models.Credential) (*models.Credential, error) {
	if c.Provider == "" {
		return nil, fmt.Errorf("credential provider is required")
	}
	if c.Secret == "" {
		return nil, fmt.Errorf("credential secret is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	set, err := p.setLocked(ctx, c.Provider)
	if err != nil {
		return nil, err
	}
	for _, have := range set.creds {
		if have.ID == c.ID {
			return nil, fmt.Errorf("credential %s already exists", c.ID)
		}
	}
	if err := persist(ctx, set.store, &c); err != nil {
		return nil, err
	}
	set.creds = append(set.creds, &c)
	out := c
	return &out, nil
}

// Remove deletes a credential.
func (p *Pool) Remove(ctx context.Context, provider, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, err := p.setLocked(ctx, provider)
	if err != nil {
		return err
	}
	for i, c := range set.creds {
		if c.ID == id {
			if err := set.store.Delete(ctx, id+".json"); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("delete credential %s: %w", id, err)
			}
			set.creds = append(set.creds[:i], set.creds[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrCredentialNotFound, provider, id)
}

// Acquire picks the best available credential: lowest priority number first,
// then least recently used within the band. Disabled credentials and those
// in cooldown are skipped. The pick is stamped as used.
func (p *Pool) Acquire(ctx context.Context, provider string) (*models.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, err := p.setLocked(ctx, provider)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()

	candidates := make([]*models.Credential, 0, len(set.creds))
	for _, c := range set.creds {
		if c.Disabled || c.InCooldown(now) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: provider %s", ErrNoCredential, provider)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})
	pick := candidates[0]
	pick.LastUsedAt = now
	if err := persist(ctx, set.store, pick); err != nil {
		return nil, err
	}
	out := *pick
	return &out, nil
}

// ReportSuccess clears the failure count after a successful call.
func (p *Pool) ReportSuccess(ctx context.Context, provider, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, c := p.findLocked(ctx, provider, id)
	if c == nil || c.ErrorCount == 0 {
		return
	}
	c.ErrorCount = 0
	c.CooldownUntil = time.Time{}
	if err := persist(ctx, set.store, c); err != nil {
		p.logger.Warn("persist credential", "credential", id, "error", err)
	}
}

// ReportFailure escalates the credential on the cooldown ladder, or disables
// it outright on an auth failure.
func (p *Pool) ReportFailure(ctx context.Context, provider, id string, kind FailureKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, c := p.findLocked(ctx, provider, id)
	if c == nil {
		return
	}
	now := p.now().UTC()
	if kind == FailureAuthInvalid {
		c.Disabled = true
		p.logger.Warn("credential disabled", "provider", provider, "credential", id, "reason", "auth_invalid")
	} else {
		rung := c.ErrorCount
		if rung >= len(p.cooldowns) {
			rung = len(p.cooldowns) - 1
		}
		c.ErrorCount++
		c.CooldownUntil = now.Add(p.cooldowns[rung])
		p.logger.Warn("credential cooling down",
			"provider", provider, "credential", id,
			"errors", c.ErrorCount, "until", c.CooldownUntil)
	}
	if err := persist(ctx, set.store, c); err != nil {
		p.logger.Warn("persist credential", "credential", id, "error", err)
	}
}

// Enable re-enables a disabled credential and resets its ladder position.
func (p *Pool) Enable(ctx context.Context, provider, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, c := p.findLocked(ctx, provider, id)
	if c == nil {
		return fmt.Errorf("%w: %s/%s", ErrCredentialNotFound, provider, id)
	}
	c.Disabled = false
	c.ErrorCount = 0
	c.CooldownUntil = time.Time{}
	return persist(ctx, set.store, c)
}

// List returns copies of a provider's credentials with secrets redacted.
func (p *Pool) List(ctx context.Context, provider string) []*models.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, err := p.setLocked(ctx, provider)
	if err != nil {
		p.logger.Warn("open credentials", "provider", provider, "error", err)
		return nil
	}
	out := make([]*models.Credential, 0, len(set.creds))
	for _, c := range set.creds {
		cp := *c
		cp.Secret = ""
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) findLocked(ctx context.Context, provider, id string) (*providerSet, *models.Credential) {
	set, err := p.setLocked(ctx, provider)
	if err != nil {
		p.logger.Warn("open credentials", "provider", provider, "error", err)
		return nil, nil
	}
	for _, c := range set.creds {
		if c.ID == id {
			return set, c
		}
	}
	return set, nil
}

func persist(ctx context.Context, st storage.Store, c *models.Credential) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential %s: %w", c.ID, err)
	}
	if err := st.Put(ctx, c.ID+".json", data); err != nil {
		return fmt.Errorf("persist credential %s: %w", c.ID, err)
	}
	return nil
}
