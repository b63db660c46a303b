package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/pkg/models"
)

func newManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	return NewManager(NewMemoryStore(), nil, nil, ManagerConfig{}, opts...)
}

func TestEnsureCreatesOnce(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	key := MainKey("a1")

	first, err := m.Ensure(ctx, key, SessionSpec{TenantID: "t1"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := m.Ensure(ctx, key, SessionSpec{})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("two sessions for one key: %s vs %s", first.ID, second.ID)
	}
	if second.TenantID != "t1" {
		t.Fatalf("winner's attributes lost: %+v", second)
	}
}

func TestEnsureConcurrentCreatorsConverge(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	key := GroupKey("a1", "telegram", "g1")

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := m.Ensure(ctx, key, SessionSpec{})
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			ids[i] = sess.ID
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("racer %d observed %s, winner was %s", i, ids[i], ids[0])
		}
	}
}

func TestAppendUpdatesTokenCountAndPublishes(t *testing.T) {
	bus := events.NewBus(0, nil)
	m := NewManager(NewMemoryStore(), bus, nil, ManagerConfig{})
	ctx := context.Background()

	sub := bus.Subscribe(events.Filter{Names: []string{events.SessionMessage}})
	defer sub.Close()

	sess, err := m.Ensure(ctx, MainKey("a1"), SessionSpec{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	record, err := m.Append(ctx, sess.ID, &models.Message{Role: models.RoleUser, Content: "hello there"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if record.Seq != 1 {
		t.Fatalf("seq = %d", record.Seq)
	}
	if record.TokenEstimate == 0 {
		t.Fatal("token estimate not filled")
	}

	updated, err := m.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.TokenCount != record.TokenEstimate {
		t.Fatalf("token count = %d, want %d", updated.TokenCount, record.TokenEstimate)
	}

	select {
	case ev := <-sub.C:
		if ev.Name != events.SessionMessage || ev.SessionKey != sess.Key {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.message event")
	}
}

func TestAppendToArchivedFails(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	sess, _ := m.Ensure(ctx, MainKey("a1"), SessionSpec{})
	if err := m.Archive(ctx, sess.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := m.Append(ctx, sess.ID, &models.Message{Role: models.RoleUser, Content: "x"}); err == nil {
		t.Fatal("append to archived session should fail")
	}
}

func TestSpawnSubagentDepth(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	root, err := m.Ensure(ctx, MainKey("a1"), SessionSpec{TenantID: "t1", OwnerPrincipal: "user:alice"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	current := root
	for depth := 1; depth <= models.MaxSubagentDepth; depth++ {
		child, err := m.SpawnSubagent(ctx, current.ID, SessionSpec{})
		if err != nil {
			t.Fatalf("spawn at depth %d: %v", depth, err)
		}
		if child.Depth != depth {
			t.Fatalf("child depth = %d, want %d", child.Depth, depth)
		}
		if child.ParentID != current.ID {
			t.Fatalf("parent = %s, want %s", child.ParentID, current.ID)
		}
		if child.TenantID != "t1" || child.OwnerPrincipal != "user:alice" {
			t.Fatalf("inherited attributes lost: %+v", child)
		}
		if child.Type != models.SessionSubagent {
			t.Fatalf("type = %s", child.Type)
		}
		current = child
	}

	if _, err := m.SpawnSubagent(ctx, current.ID, SessionSpec{}); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("spawn past max depth err = %v, want ErrDepthExceeded", err)
	}
}

func TestArchiveIdle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(NewMemoryStore(), nil, nil,
		ManagerConfig{IdleArchiveAfter: time.Hour},
		WithManagerClock(func() time.Time { return now }))
	ctx := context.Background()

	stale, _ := m.Ensure(ctx, MainKey("a1"), SessionSpec{})
	now = now.Add(2 * time.Hour)
	fresh, _ := m.Ensure(ctx, DMKey("a1", "telegram", "u1"), SessionSpec{})

	archived, err := m.ArchiveIdle(ctx)
	if err != nil {
		t.Fatalf("archive idle: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived %d, want 1", archived)
	}
	got, _ := m.Get(ctx, stale.ID)
	if got.Status != models.SessionArchived {
		t.Fatalf("stale status = %s", got.Status)
	}
	got, _ = m.Get(ctx, fresh.ID)
	if got.Status == models.SessionArchived {
		t.Fatal("fresh session archived")
	}
}

func TestParallelAppendsAcrossSessions(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	a, _ := m.Ensure(ctx, MainKey("a1"), SessionSpec{})
	b, _ := m.Ensure(ctx, MainKey("a2"), SessionSpec{})

	var wg sync.WaitGroup
	for _, sess := range []*models.Session{a, b} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := m.Append(ctx, id, &models.Message{Role: models.RoleUser, Content: "m"}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(sess.ID)
	}
	wg.Wait()

	for _, sess := range []*models.Session{a, b} {
		msgs, err := m.Store().Messages(ctx, sess.ID, 0, 0)
		if err != nil {
			t.Fatalf("messages: %v", err)
		}
		if len(msgs) != 50 {
			t.Fatalf("session %s has %d messages", sess.ID, len(msgs))
		}
		for i := 1; i < len(msgs); i++ {
			if msgs[i].Seq != msgs[i-1].Seq+1 {
				t.Fatalf("gap in %s at %d", sess.ID, msgs[i].Seq)
			}
		}
	}
}
