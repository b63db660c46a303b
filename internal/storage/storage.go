// Package storage defines the uniform persistence port used by the session,
// policy, tenant, credential, and scheduler stores.
package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnavailable   = errors.New("storage unavailable")
)

// Entry is one key/value pair yielded by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a namespaced key/value store. A successful Put survives process
// restart.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Scan yields entries whose key starts with prefix, in key order.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
}

// Backend opens namespaced stores.
type Backend interface {
	Open(namespace string) (Store, error)
}
