package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/latticehq/lattice/pkg/models"
)

// ErrQuotaExceeded is returned when a consume would push a counter past the
// tenant's limit.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrSlotTimeout is returned when no concurrency slot frees up in time.
var ErrSlotTimeout = errors.New("no concurrency slot available")

// Denial describes a rejected consume for audit and metrics hooks.
type Denial struct {
	TenantID string
	Kind     models.QuotaKind
	Used     int64
	Limit    int64
}

// counter tracks usage inside one fixed window. Windowless kinds keep a
// single running total.
type counter struct {
	windowStart time.Time
	used        int64
}

type counterKey struct {
	tenantID string
	kind     models.QuotaKind
}

// QuotaManager enforces per-tenant budgets. Rate-limited kinds use fixed
// windows aligned to the window length; a new window starts with a zero
// count, no smoothing across the boundary.
type QuotaManager struct {
	store        *Store
	tierDefaults map[models.Tier]map[models.QuotaKind]int64
	logger       *slog.Logger
	now          func() time.Time
	onDenial     func(Denial)

	mu       sync.Mutex
	counters map[counterKey]*counter
	slots    map[string]*semaphore.Weighted
	slotCap  map[string]int64
}

// QuotaOption configures a QuotaManager.
type QuotaOption func(*QuotaManager)

// WithDenialHook installs a callback invoked on every rejected consume.
func WithDenialHook(fn func(Denial)) QuotaOption {
	return func(m *QuotaManager) { m.onDenial = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) QuotaOption {
	return func(m *QuotaManager) { m.now = now }
}

// NewQuotaManager creates a manager over the tenant store.
func NewQuotaManager(store *Store, tierDefaults map[models.Tier]map[models.QuotaKind]int64, logger *slog.Logger, opts ...QuotaOption) *QuotaManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &QuotaManager{
		store:        store,
		tierDefaults: tierDefaults,
		logger:       logger.With("component", "quota"),
		now:          time.Now,
		counters:     make(map[counterKey]*counter),
		slots:        make(map[string]*semaphore.Weighted),
		slotCap:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check reports whether consuming n more of kind would stay within the limit,
// without consuming anything.
func (m *QuotaManager) Check(tenantID string, kind models.QuotaKind, n int64) error {
	return m.apply(tenantID, kind, n, false)
}

// Consume records usage, failing when the limit would be exceeded. The
// check and increment happen atomically under the manager lock.
func (m *QuotaManager) Consume(tenantID string, kind models.QuotaKind, n int64) error {
	return m.apply(tenantID, kind, n, true)
}

func (m *QuotaManager) apply(tenantID string, kind models.QuotaKind, n int64, commit bool) error {
	tenant, err := m.store.Active(tenantID)
	if err != nil {
		return err
	}
	limit := tenant.Limit(kind, m.tierDefaults)
	if limit <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey{tenantID: tenantID, kind: kind}
	c, ok := m.counters[key]
	if !ok {
		c = &counter{}
		m.counters[key] = c
	}
	if window := kind.Window(); window > 0 {
		start := m.now().UTC().Truncate(window)
		if !c.windowStart.Equal(start) {
			c.windowStart = start
			c.used = 0
		}
	}
	if c.used+n > limit {
		if m.onDenial != nil {
			m.onDenial(Denial{TenantID: tenantID, Kind: kind, Used: c.used, Limit: limit})
		}
		m.logger.Warn("quota denied",
			"tenant", tenantID, "kind", string(kind), "used", c.used, "limit", limit)
		return fmt.Errorf("%w: %s %d/%d", ErrQuotaExceeded, kind, c.used, limit)
	}
	if commit {
		c.used += n
	}
	return nil
}

// Release returns usage for windowless kinds such as active sessions. The
// counter never goes below zero.
func (m *QuotaManager) Release(tenantID string, kind models.QuotaKind, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[counterKey{tenantID: tenantID, kind: kind}]; ok {
		c.used -= n
		if c.used < 0 {
			c.used = 0
		}
	}
}

// Usage returns the current count and limit for a kind. Limit zero means
// unlimited.
func (m *QuotaManager) Usage(tenantID string, kind models.QuotaKind) (used, limit int64, err error) {
	tenant, err := m.store.Get(tenantID)
	if err != nil {
		return 0, 0, err
	}
	limit = tenant.Limit(kind, m.tierDefaults)

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[counterKey{tenantID: tenantID, kind: kind}]; ok {
		if window := kind.Window(); window > 0 {
			if !c.windowStart.Equal(m.now().UTC().Truncate(window)) {
				return 0, limit, nil
			}
		}
		used = c.used
	}
	return used, limit, nil
}

// AcquireSlot blocks until a concurrency slot is available, the context is
// done, or the timeout expires. Callers must call the returned release
// exactly once. Tenants without a concurrent_requests limit get a no-op.
func (m *QuotaManager) AcquireSlot(ctx context.Context, tenantID string, timeout time.Duration) (release func(), err error) {
	tenant, err := m.store.Active(tenantID)
	if err != nil {
		return nil, err
	}
	limit := tenant.Limit(models.QuotaConcurrentRequests, m.tierDefaults)
	if limit <= 0 {
		return func() {}, nil
	}

	m.mu.Lock()
	sem, ok := m.slots[tenantID]
	if !ok || m.slotCap[tenantID] != limit {
		// Limit changed since the semaphore was sized; replace it. Held
		// slots on the old semaphore drain independently.
		sem = semaphore.NewWeighted(limit)
		m.slots[tenantID] = sem
		m.slotCap[tenantID] = limit
	}
	m.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tenant %s", ErrSlotTimeout, tenantID)
		}
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
