package tenants

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/storage"
	"github.com/latticehq/lattice/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), storage.NewMemoryBackend())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustCreate(t *testing.T, s *Store, tenant models.Tenant) *models.Tenant {
	t.Helper()
	created, err := s.Create(context.Background(), tenant)
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return created
}

func TestStoreLifecycle(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s, err := NewStore(context.Background(), backend)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	created := mustCreate(t, s, models.Tenant{Name: "acme"})
	if created.Tier != models.TierFree || created.Status != models.TenantActive {
		t.Fatalf("defaults not applied: %+v", created)
	}

	updated, err := s.Update(context.Background(), created.ID, func(tn *models.Tenant) error {
		tn.Tier = models.TierProfessional
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Tier != models.TierProfessional {
		t.Fatalf("tier = %s", updated.Tier)
	}

	// A fresh store over the same backend sees the persisted record.
	reopened, err := NewStore(context.Background(), backend)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(created.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Tier != models.TierProfessional {
		t.Fatalf("persisted tier = %s", got.Tier)
	}

	if err := s.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(created.ID); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestActiveRejectsSuspended(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, models.Tenant{Name: "acme", Status: models.TenantSuspended})
	if _, err := s.Active(created.ID); !errors.Is(err, ErrSuspended) {
		t.Fatalf("Active() err = %v, want ErrSuspended", err)
	}
}

func TestConsumeEnforcesLimit(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, models.Tenant{
		Name:  "acme",
		Quota: map[models.QuotaKind]int64{models.QuotaSessions: 2},
	})
	qm := NewQuotaManager(s, nil, nil)

	for i := 0; i < 2; i++ {
		if err := qm.Consume(created.ID, models.QuotaSessions, 1); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if err := qm.Consume(created.ID, models.QuotaSessions, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("third consume err = %v, want ErrQuotaExceeded", err)
	}

	qm.Release(created.ID, models.QuotaSessions, 1)
	if err := qm.Consume(created.ID, models.QuotaSessions, 1); err != nil {
		t.Fatalf("consume after release: %v", err)
	}
}

func TestCheckDoesNotConsume(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, models.Tenant{
		Name:  "acme",
		Quota: map[models.QuotaKind]int64{models.QuotaAgents: 1},
	})
	qm := NewQuotaManager(s, nil, nil)

	if err := qm.Check(created.ID, models.QuotaAgents, 1); err != nil {
		t.Fatalf("check: %v", err)
	}
	used, _, err := qm.Usage(created.ID, models.QuotaAgents)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 0 {
		t.Fatalf("check consumed: used = %d", used)
	}
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, models.Tenant{Name: "acme"})
	qm := NewQuotaManager(s, nil, nil)
	for i := 0; i < 1000; i++ {
		if err := qm.Consume(created.ID, models.QuotaTools, 1); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
}

func TestFixedWindowReset(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, models.Tenant{
		Name:  "acme",
		Quota: map[models.QuotaKind]int64{models.QuotaAPICallsPerMinute: 2},
	})
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	qm := NewQuotaManager(s, nil, nil, WithClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		if err := qm.Consume(created.ID, models.QuotaAPICallsPerMinute, 1); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if err := qm.Consume(created.ID, models.QuotaAPICallsPerMinute, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("over-limit err = %v", err)
	}

	// Crossing the minute boundary opens a fresh window with a zero count.
	now = now.Add(31 * time.Second)
	if err := qm.Consume(created.ID, models.QuotaAPICallsPerMinute, 1); err != nil {
		t.Fatalf("consume in new window: %v", err)
	}
	used, limit, err := qm.Usage(created.ID, models.QuotaAPICallsPerMinute)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 1 || limit != 2 {
		t.Fatalf("usage = %d/%d, want 1/2", used, limit)
	}
}

func TestTierDefaultsApply(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, models.Tenant{Name: "acme", Tier: models.TierFree})
	defaults := map[models.Tier]map[models.QuotaKind]int64{
		models.TierFree: {models.QuotaAPICallsPerMinute: 1},
	}
	var denied []Denial
	qm := NewQuotaManager(s, defaults, nil, WithDenialHook(func(d Denial) { denied = append(denied, d) }))

	if err := qm.Consume(created.ID, models.QuotaAPICallsPerMinute, 1); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := qm.Consume(created.ID, models.QuotaAPICallsPerMinute, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second consume err = %v", err)
	}
	if len(denied) != 1 || denied[0].Limit != 1 {
		t.Fatalf("denial hook = %+v", denied)
	}
}

func TestAcquireSlot(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, models.Tenant{
		Name:  "acme",
		Quota: map[models.QuotaKind]int64{models.QuotaConcurrentRequests: 1},
	})
	qm := NewQuotaManager(s, nil, nil)
	ctx := context.Background()

	release, err := qm.AcquireSlot(ctx, created.ID, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := qm.AcquireSlot(ctx, created.ID, 20*time.Millisecond); !errors.Is(err, ErrSlotTimeout) {
		t.Fatalf("second acquire err = %v, want ErrSlotTimeout", err)
	}

	release()
	release() // release is idempotent
	again, err := qm.AcquireSlot(ctx, created.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}
