// Package cron is the autonomous scheduler: persisted jobs that fire
// system events or agent turns into sessions on at/every/cron schedules.
package cron

import (
	"context"
	"time"
)

// PayloadType selects what firing a job does.
type PayloadType string

const (
	// PayloadSystemEvent appends a system message to the target session.
	PayloadSystemEvent PayloadType = "system_event"

	// PayloadAgentTurn runs the agent runtime with a prompt.
	PayloadAgentTurn PayloadType = "agent_turn"
)

// Target selects which session a firing touches.
type Target string

const (
	// TargetMain is the agent's main session.
	TargetMain Target = "main"

	// TargetIsolated spawns a throwaway subagent-like session per run.
	TargetIsolated Target = "isolated"
)

// Payload is the work a job performs when it fires.
type Payload struct {
	Type PayloadType `json:"type"`

	// Text for system_event payloads.
	Text string `json:"text,omitempty"`

	// Prompt and the optional overrides for agent_turn payloads.
	Prompt  string        `json:"prompt,omitempty"`
	Model   string        `json:"model,omitempty"`
	Deliver bool          `json:"deliver,omitempty"`
	Channel string        `json:"channel,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RunStatus is the outcome of the most recent firing.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
)

// Job is one scheduled item. Persisted as jobs/{id}.json; NextRunAt is
// recomputed on restart so downtime is never backfilled.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AgentID        string   `json:"agent_id"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	Target         Target   `json:"target"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`

	NextRunAt  time.Time `json:"next_run_at,omitempty"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastStatus RunStatus `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	return &clone
}

// Dispatcher delivers fired payloads into the rest of the system.
type Dispatcher interface {
	// AppendSystemEvent appends a system message to the agent's main
	// session.
	AppendSystemEvent(ctx context.Context, agentID, text string) error

	// RunAgentTurn drives one agent turn for the job and returns a
	// summary suitable for channel delivery.
	RunAgentTurn(ctx context.Context, job *Job) (summary string, err error)
}

// DeliverFunc sends a run summary to a channel.
type DeliverFunc func(ctx context.Context, channel, text string) error
