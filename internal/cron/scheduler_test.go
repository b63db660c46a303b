package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/internal/storage"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	systems  []string
	turns    []string
	turnErr  error
	summary  string
	slowTurn time.Duration
}

func (d *recordingDispatcher) AppendSystemEvent(ctx context.Context, agentID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.systems = append(d.systems, agentID+":"+text)
	return nil
}

func (d *recordingDispatcher) RunAgentTurn(ctx context.Context, job *Job) (string, error) {
	if d.slowTurn > 0 {
		select {
		case <-time.After(d.slowTurn):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.turnErr != nil {
		return "", d.turnErr
	}
	d.turns = append(d.turns, job.Payload.Prompt)
	return d.summary, nil
}

func newTestScheduler(t *testing.T, dispatcher Dispatcher, opts ...Option) *Scheduler {
	t.Helper()
	s, err := NewScheduler(context.Background(), storage.NewMemoryBackend(), dispatcher, events.NewBus(0, nil), nil, opts...)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func systemJob(agentID, text string, sched Schedule) *Job {
	return &Job{
		Name:     "notify",
		AgentID:  agentID,
		Schedule: sched,
		Payload:  Payload{Type: PayloadSystemEvent, Text: text},
		Enabled:  true,
	}
}

func TestAddValidates(t *testing.T) {
	s := newTestScheduler(t, &recordingDispatcher{})

	if _, err := s.Add(context.Background(), &Job{
		AgentID:  "a1",
		Schedule: Every(time.Minute, time.Time{}),
		Payload:  Payload{Type: PayloadSystemEvent},
		Enabled:  true,
	}); err == nil {
		t.Fatal("system_event without text should fail")
	}

	if _, err := s.Add(context.Background(), &Job{
		AgentID:  "a1",
		Schedule: Schedule{Kind: "every"},
		Payload:  Payload{Type: PayloadSystemEvent, Text: "x"},
		Enabled:  true,
	}); err == nil {
		t.Fatal("invalid schedule should fail")
	}

	if _, err := s.Add(context.Background(), &Job{
		Schedule: Every(time.Minute, time.Time{}),
		Payload:  Payload{Type: PayloadSystemEvent, Text: "x"},
		Enabled:  true,
	}); err == nil {
		t.Fatal("missing agent id should fail")
	}

	job, err := s.Add(context.Background(), systemJob("a1", "hello", Every(time.Minute, time.Time{})))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if job.ID == "" || job.NextRunAt.IsZero() {
		t.Fatalf("job = %+v", job)
	}
}

func TestRunNowSystemEvent(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(t, d)

	job, err := s.Add(context.Background(), systemJob("a1", "standup", Every(time.Hour, time.Time{})))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.RunNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	if len(d.systems) != 1 || d.systems[0] != "a1:standup" {
		t.Fatalf("systems = %v", d.systems)
	}
	got, _ := s.Get(job.ID)
	if got.LastStatus != RunOK || got.LastRunAt.IsZero() {
		t.Fatalf("state = %+v", got)
	}
}

func TestRunNowAgentTurnDelivers(t *testing.T) {
	d := &recordingDispatcher{summary: "all green"}
	var delivered []string
	s := newTestScheduler(t, d, WithDeliver(func(ctx context.Context, channel, text string) error {
		delivered = append(delivered, channel+":"+text)
		return nil
	}))

	job, err := s.Add(context.Background(), &Job{
		Name:     "report",
		AgentID:  "a1",
		Schedule: Every(time.Hour, time.Time{}),
		Payload: Payload{
			Type:    PayloadAgentTurn,
			Prompt:  "summarize the day",
			Deliver: true,
			Channel: "ops",
		},
		Target:  TargetIsolated,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.RunNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	if len(d.turns) != 1 || d.turns[0] != "summarize the day" {
		t.Fatalf("turns = %v", d.turns)
	}
	if len(delivered) != 1 || delivered[0] != "ops:all green" {
		t.Fatalf("delivered = %v", delivered)
	}
}

func TestRunFailureKeepsJobEnabled(t *testing.T) {
	d := &recordingDispatcher{turnErr: errors.New("model unavailable")}
	s := newTestScheduler(t, d)

	job, _ := s.Add(context.Background(), &Job{
		AgentID:  "a1",
		Schedule: Every(time.Hour, time.Time{}),
		Payload:  Payload{Type: PayloadAgentTurn, Prompt: "p"},
		Enabled:  true,
	})
	if err := s.RunNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	got, _ := s.Get(job.ID)
	if got.LastStatus != RunError || got.LastError == "" {
		t.Fatalf("state = %+v", got)
	}
	if !got.Enabled || got.NextRunAt.IsZero() {
		t.Fatal("failed runs must not disable a job")
	}
}

func TestDeleteAfterRun(t *testing.T) {
	d := &recordingDispatcher{}
	backend := storage.NewMemoryBackend()
	s, err := NewScheduler(context.Background(), backend, d, nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	job, _ := s.Add(context.Background(), &Job{
		AgentID:        "a1",
		Schedule:       At(time.Now().Add(time.Hour)),
		Payload:        Payload{Type: PayloadSystemEvent, Text: "once"},
		Enabled:        true,
		DeleteAfterRun: true,
	})
	if err := s.RunNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	if _, err := s.Get(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("job should be gone, got %v", err)
	}
	// And gone from storage on reload.
	s2, err := NewScheduler(context.Background(), backend, d, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(s2.List()) != 0 {
		t.Fatalf("jobs after reload = %v", s2.List())
	}
}

func TestLoopFiresDueJob(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(t, d, WithPollInterval(10*time.Millisecond))

	past := time.Now().Add(50 * time.Millisecond)
	if _, err := s.Add(context.Background(), systemJob("a1", "tick", At(past))); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		d.mu.Lock()
		fired := len(d.systems) > 0
		d.mu.Unlock()
		if fired {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRestartRecomputesWithoutBackfill(t *testing.T) {
	backend := storage.NewMemoryBackend()
	d := &recordingDispatcher{}
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := past

	s, err := NewScheduler(context.Background(), backend, d, nil, nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	job, _ := s.Add(context.Background(), systemJob("a1", "hourly", Every(time.Hour, past)))

	// Simulate a long outage and a restart: the next run is in the
	// future relative to the new clock, no catch-up runs appear.
	now = past.Add(49*time.Hour + 30*time.Minute)
	s2, err := NewScheduler(context.Background(), backend, d, nil, nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := s2.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := past.Add(50 * time.Hour)
	if !got.NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", got.NextRunAt, want)
	}
	if len(d.systems) != 0 {
		t.Fatalf("backfilled runs: %v", d.systems)
	}
}

func TestInterruptedRunMarkedOnReload(t *testing.T) {
	backend := storage.NewMemoryBackend()
	d := &recordingDispatcher{}
	s, _ := NewScheduler(context.Background(), backend, d, nil, nil)
	job, _ := s.Add(context.Background(), systemJob("a1", "x", Every(time.Hour, time.Time{})))

	// Fake a crash mid-run by persisting running state directly.
	stored, _ := s.store.Get(context.Background(), job.ID)
	stored.LastStatus = RunRunning
	if err := s.store.Put(context.Background(), stored); err != nil {
		t.Fatal(err)
	}

	s2, err := NewScheduler(context.Background(), backend, d, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, _ := s2.Get(job.ID)
	if got.LastStatus != RunError || got.LastError != "interrupted by restart" {
		t.Fatalf("state = %+v", got)
	}
}

func TestSingleFlightPerJob(t *testing.T) {
	d := &recordingDispatcher{slowTurn: 200 * time.Millisecond}
	s := newTestScheduler(t, d)

	job, _ := s.Add(context.Background(), &Job{
		AgentID:  "a1",
		Schedule: Every(time.Hour, time.Time{}),
		Payload:  Payload{Type: PayloadAgentTurn, Prompt: "slow"},
		Enabled:  true,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.RunNow(context.Background(), job.ID) }()
	time.Sleep(50 * time.Millisecond)

	if err := s.RunNow(context.Background(), job.ID); err == nil {
		t.Fatal("overlapping run of the same job should be rejected")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestSetEnabled(t *testing.T) {
	s := newTestScheduler(t, &recordingDispatcher{})
	job, _ := s.Add(context.Background(), systemJob("a1", "x", Every(time.Hour, time.Time{})))

	if err := s.SetEnabled(context.Background(), job.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	got, _ := s.Get(job.ID)
	if got.Enabled {
		t.Fatal("job should be disabled")
	}
	if err := s.SetEnabled(context.Background(), "nope", true); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("want ErrJobNotFound, got %v", err)
	}
}

func TestJobRunEvents(t *testing.T) {
	bus := events.NewBus(0, nil)
	sub := bus.Subscribe(events.Filter{Names: []string{"job.*"}})
	defer sub.Close()

	d := &recordingDispatcher{}
	s, err := NewScheduler(context.Background(), storage.NewMemoryBackend(), d, bus, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	job, _ := s.Add(context.Background(), systemJob("a1", "ping", Every(time.Hour, time.Time{})))
	if err := s.RunNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	var names []string
	timeout := time.After(2 * time.Second)
	for len(names) < 2 {
		select {
		case ev := <-sub.C:
			names = append(names, ev.Name)
		case <-timeout:
			t.Fatalf("events = %v", names)
		}
	}
	if names[0] != events.JobRunStarted || names[1] != events.JobRunFinished {
		t.Fatalf("events = %v", names)
	}
}
