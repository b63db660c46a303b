package models

import "time"

// ScheduleKind selects the schedule variant of a job.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// JobSchedule is the parsed schedule of a job. Exactly one variant is set,
// selected by Kind.
type JobSchedule struct {
	Kind     ScheduleKind  `json:"kind"`
	At       time.Time     `json:"at,omitempty"`
	Every    time.Duration `json:"every,omitempty"`
	Anchor   time.Time     `json:"anchor,omitempty"`
	Cron     string        `json:"cron,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
}

// PayloadKind selects what a job delivers when it fires.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "system_event"
	PayloadAgentTurn   PayloadKind = "agent_turn"
)

// JobPayload describes the work a job performs.
type JobPayload struct {
	Kind PayloadKind `json:"kind"`

	// Text is the system event text (system_event payloads).
	Text string `json:"text,omitempty"`

	// Prompt drives an agent turn (agent_turn payloads).
	Prompt  string        `json:"prompt,omitempty"`
	Model   string        `json:"model,omitempty"`
	Deliver bool          `json:"deliver,omitempty"`
	Channel string        `json:"channel,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// JobTarget selects the session a job runs against.
type JobTarget string

const (
	TargetMain     JobTarget = "main"
	TargetIsolated JobTarget = "isolated"
)

// RunStatus is the outcome of a job run.
type RunStatus string

const (
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
	RunRunning RunStatus = "running"
)

// JobState is recomputed on restart and updated after each run.
type JobState struct {
	NextRunAt  time.Time `json:"next_run_at,omitempty"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastStatus RunStatus `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Job is a persisted scheduler item.
type Job struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Schedule       JobSchedule `json:"schedule"`
	Payload        JobPayload  `json:"payload"`
	TargetSession  JobTarget   `json:"target_session"`
	SessionKey     string      `json:"session_key,omitempty"`
	Enabled        bool        `json:"enabled"`
	DeleteAfterRun bool        `json:"delete_after_run,omitempty"`
	State          JobState    `json:"state"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
