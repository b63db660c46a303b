package storage

import (
	"context"
	"errors"
	"testing"
)

func TestFileBackendPutGetRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	store, err := backend.Open("tenants")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	if err := store.Put(ctx, "t1.json", []byte(`{"id":"t1"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, "t1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"id":"t1"}` {
		t.Errorf("unexpected value: %s", got)
	}
}

func TestFileBackendGetMissing(t *testing.T) {
	backend, _ := NewFileBackend(t.TempDir())
	store, _ := backend.Open("jobs")
	if _, err := store.Get(context.Background(), "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileBackendDeleteThenGet(t *testing.T) {
	backend, _ := NewFileBackend(t.TempDir())
	store, _ := backend.Open("policies")
	ctx := context.Background()

	if err := store.Put(ctx, "p1.json", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "p1.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "p1.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileBackendScanPrefixOrder(t *testing.T) {
	backend, _ := NewFileBackend(t.TempDir())
	store, _ := backend.Open("sessions")
	ctx := context.Background()

	for _, key := range []string{"b.meta", "a.meta", "a.log", "c.log"} {
		if err := store.Put(ctx, key, []byte(key)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	entries, err := store.Scan(ctx, "a.")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "a.log" || entries[1].Key != "a.meta" {
		t.Errorf("unexpected scan result: %+v", entries)
	}
}

func TestFileBackendRejectsTraversalKeys(t *testing.T) {
	backend, _ := NewFileBackend(t.TempDir())
	store, _ := backend.Open("credentials")
	if err := store.Put(context.Background(), "../escape", []byte("x")); err == nil {
		t.Error("expected error for traversal key")
	}
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, _ := NewFileBackend(dir)
	store, _ := backend.Open("tenants")
	if err := store.Put(ctx, "t2.json", []byte("durable")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, _ := NewFileBackend(dir)
	store2, _ := reopened.Open("tenants")
	got, err := store2.Get(ctx, "t2.json")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "durable" {
		t.Errorf("unexpected value after reopen: %s", got)
	}
}
