package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/latticehq/lattice/internal/storage"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("cron: job not found")

// Store persists jobs in the "jobs" storage namespace, one record per
// job id.
type Store struct {
	store storage.Store
}

// NewStore opens the jobs namespace.
func NewStore(backend storage.Backend) (*Store, error) {
	st, err := backend.Open("jobs")
	if err != nil {
		return nil, fmt.Errorf("cron: open jobs namespace: %w", err)
	}
	return &Store{store: st}, nil
}

// Put writes a job record.
func (s *Store) Put(ctx context.Context, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("cron: marshal job %s: %w", job.ID, err)
	}
	return s.store.Put(ctx, job.ID+".json", data)
}

// Get reads one job record.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.store.Get(ctx, id+".json")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("cron: decode job %s: %w", id, err)
	}
	return &job, nil
}

// Delete removes a job record; deleting a missing job is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.store.Delete(ctx, id+".json")
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// List returns all persisted jobs.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	entries, err := s.store.Scan(ctx, "")
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		var job Job
		if err := json.Unmarshal(entry.Value, &job); err != nil {
			return nil, fmt.Errorf("cron: decode %s: %w", entry.Key, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}
