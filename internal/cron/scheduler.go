package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/internal/storage"
)

const (
	defaultPollInterval = time.Minute
	defaultTurnTimeout  = 10 * time.Minute
)

// Scheduler owns the job set and the single dispatch loop. The loop
// sleeps until the earliest enabled next_run_at and re-arms whenever a
// job changes. Runs for distinct jobs may overlap; a job never overlaps
// itself.
type Scheduler struct {
	store      *Store
	dispatcher Dispatcher
	deliver    DeliverFunc
	bus        *events.Bus
	logger     *slog.Logger
	now        func() time.Time
	poll       time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	running map[string]bool
	wake    chan struct{}
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPollInterval caps how long the loop sleeps without re-checking.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithDeliver wires summary delivery for agent_turn jobs that request it.
func WithDeliver(fn DeliverFunc) Option {
	return func(s *Scheduler) { s.deliver = fn }
}

// NewScheduler loads persisted jobs and recomputes their next fire times
// from now, so ticks missed while the process was down are skipped.
func NewScheduler(ctx context.Context, backend storage.Backend, dispatcher Dispatcher, bus *events.Bus, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := NewStore(backend)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger.With("component", "cron"),
		now:        time.Now,
		poll:       defaultPollInterval,
		jobs:       make(map[string]*Job),
		running:    make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	jobs, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, job := range jobs {
		if job.LastStatus == RunRunning {
			// The process died mid-run; the run is lost, not replayed.
			job.LastStatus = RunError
			job.LastError = "interrupted by restart"
		}
		s.recomputeNext(job, now)
		s.jobs[job.ID] = job
		if err := store.Put(ctx, job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add validates, persists, and schedules a job. A missing id is
// generated.
func (s *Scheduler) Add(ctx context.Context, job *Job) (*Job, error) {
	if err := job.Schedule.Validate(); err != nil {
		return nil, err
	}
	switch job.Payload.Type {
	case PayloadSystemEvent:
		if job.Payload.Text == "" {
			return nil, errors.New("cron: system_event payload needs text")
		}
	case PayloadAgentTurn:
		if job.Payload.Prompt == "" {
			return nil, errors.New("cron: agent_turn payload needs a prompt")
		}
	default:
		return nil, fmt.Errorf("cron: unknown payload type %q", job.Payload.Type)
	}
	if job.AgentID == "" {
		return nil, errors.New("cron: agent id is required")
	}
	if job.Target == "" {
		job.Target = TargetMain
	}

	now := s.now()
	clone := job.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.recomputeNext(clone, now)

	if err := s.store.Put(ctx, clone); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.jobs[clone.ID] = clone
	s.mu.Unlock()
	s.kick()
	return clone.Clone(), nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.kick()
	return nil
}

// SetEnabled flips a job on or off, recomputing its next fire time when
// enabling.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		job.Enabled = enabled
		job.UpdatedAt = s.now()
		if enabled {
			s.recomputeNext(job, s.now())
		}
	}
	var clone *Job
	if ok {
		clone = job.Clone()
	}
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	if err := s.store.Put(ctx, clone); err != nil {
		return err
	}
	s.kick()
	return nil
}

// Get returns a snapshot of one job.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns a snapshot of all jobs.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// RunNow fires a job immediately, ignoring its schedule. The normal
// single-flight rule still applies.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	if ok && s.running[id] {
		s.mu.Unlock()
		return fmt.Errorf("cron: job %s is already running", id)
	}
	if ok {
		s.running[id] = true
	}
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	s.fire(ctx, id)
	return nil
}

// Start runs the dispatch loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	return nil
}

// Stop waits for the loop and in-flight runs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		due, sleep := s.collectDue()
		for _, id := range due {
			id := id
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.fire(ctx, id)
			}()
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// collectDue marks due jobs as running and returns their ids plus how
// long to sleep until the next earliest fire.
func (s *Scheduler) collectDue() ([]string, time.Duration) {
	now := s.now()
	sleep := s.poll

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for id, job := range s.jobs {
		if !job.Enabled || job.NextRunAt.IsZero() || s.running[id] {
			continue
		}
		if !job.NextRunAt.After(now) {
			s.running[id] = true
			due = append(due, id)
			continue
		}
		if wait := job.NextRunAt.Sub(now); wait < sleep {
			sleep = wait
		}
	}
	return due, sleep
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// fire runs one job to completion and updates its persisted state. The
// caller must have set running[id].
func (s *Scheduler) fire(ctx context.Context, id string) {
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		s.kick()
	}()

	now := s.now()
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.LastRunAt = now
	job.LastStatus = RunRunning
	snapshot := job.Clone()
	s.mu.Unlock()

	if err := s.store.Put(ctx, snapshot); err != nil {
		s.logger.Error("failed to persist run state", "job", id, "error", err)
	}
	s.publish(events.JobRunStarted, map[string]any{"job_id": id, "name": snapshot.Name})

	runErr := s.execute(ctx, snapshot)

	s.mu.Lock()
	job, ok = s.jobs[id]
	if !ok {
		// Removed while running.
		s.mu.Unlock()
		return
	}
	if runErr != nil {
		job.LastStatus = RunError
		job.LastError = runErr.Error()
		s.logger.Warn("job run failed", "job", id, "error", runErr)
	} else {
		job.LastStatus = RunOK
		job.LastError = ""
	}
	s.recomputeNext(job, s.now())
	job.UpdatedAt = s.now()
	deleteAfter := runErr == nil && job.DeleteAfterRun
	snapshot = job.Clone()
	if deleteAfter {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	status := "ok"
	if runErr != nil {
		status = "error"
	}
	s.publish(events.JobRunFinished, map[string]any{"job_id": id, "status": status})

	if deleteAfter {
		if err := s.store.Delete(ctx, id); err != nil {
			s.logger.Error("failed to delete one-shot job", "job", id, "error", err)
		}
		return
	}
	if err := s.store.Put(ctx, snapshot); err != nil {
		s.logger.Error("failed to persist job state", "job", id, "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job) error {
	timeout := job.Payload.Timeout
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch job.Payload.Type {
	case PayloadSystemEvent:
		return s.dispatcher.AppendSystemEvent(runCtx, job.AgentID, job.Payload.Text)

	case PayloadAgentTurn:
		summary, err := s.dispatcher.RunAgentTurn(runCtx, job)
		if err != nil {
			return err
		}
		if job.Payload.Deliver && job.Payload.Channel != "" && s.deliver != nil && summary != "" {
			if err := s.deliver(runCtx, job.Payload.Channel, summary); err != nil {
				return fmt.Errorf("deliver summary: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown payload type %q", job.Payload.Type)
}

// recomputeNext fills NextRunAt with the first firing after now. A spent
// one-shot keeps a zero NextRunAt and simply never fires again.
func (s *Scheduler) recomputeNext(job *Job, now time.Time) {
	if next, ok := job.Schedule.Next(now); ok {
		job.NextRunAt = next
	} else {
		job.NextRunAt = time.Time{}
	}
}

func (s *Scheduler) publish(name string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Name: name, Payload: payload, Time: s.now()})
}
