package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend provides an in-memory Backend for tests and local runs.
type MemoryBackend struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stores: make(map[string]*memoryStore)}
}

func (b *MemoryBackend) Open(namespace string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if store, ok := b.stores[namespace]; ok {
		return store, nil
	}
	store := &memoryStore{data: make(map[string][]byte)}
	b.stores[namespace] = store
	return store, nil
}

type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (s *memoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return ErrNotFound
	}
	delete(s.data, key)
	return nil
}

func (s *memoryStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for key, value := range s.data {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, Entry{Key: key, Value: append([]byte(nil), value...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
