package daemon

import (
	"context"
	"fmt"

	"github.com/latticehq/lattice/internal/channels"
	"github.com/latticehq/lattice/internal/cron"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/pkg/models"
)

// dispatcher adapts the daemon's session manager and agent runtime to the
// scheduler's job execution contract.
type dispatcher struct {
	d *Daemon
}

// AppendSystemEvent injects scheduler text into the agent's main session.
// The next agent turn sees it as part of the history.
func (disp *dispatcher) AppendSystemEvent(ctx context.Context, agentID, text string) error {
	sess, err := disp.d.sessions.Ensure(ctx, sessions.MainKey(agentID), sessions.SessionSpec{
		OwnerPrincipal: "scheduler",
	})
	if err != nil {
		return err
	}
	_, err = disp.d.sessions.Append(ctx, sess.ID, &models.Message{
		Role:    models.RoleSystem,
		Content: text,
	})
	return err
}

// RunAgentTurn executes a scheduled prompt. Main-target jobs run against
// the agent's main session; isolated ones get a throwaway subagent session
// that is archived afterward so recurring jobs never pollute history.
func (disp *dispatcher) RunAgentTurn(ctx context.Context, job *cron.Job) (string, error) {
	main, err := disp.d.sessions.Ensure(ctx, sessions.MainKey(job.AgentID), sessions.SessionSpec{
		OwnerPrincipal: "scheduler",
	})
	if err != nil {
		return "", err
	}

	target := main
	if job.Target == cron.TargetIsolated {
		sub, err := disp.d.sessions.SpawnSubagent(ctx, main.ID, sessions.SessionSpec{
			OwnerPrincipal: "scheduler",
		})
		if err != nil {
			return "", fmt.Errorf("spawn isolated session: %w", err)
		}
		target = sub
		defer func() {
			if err := disp.d.sessions.Archive(context.WithoutCancel(ctx), sub.ID); err != nil {
				disp.d.logger.Warn("archive job session failed", "session", sub.Key, "error", err)
			}
		}()
	}

	result, err := disp.d.runtime.Run(ctx, target.ID, &models.Message{
		Role:     models.RoleUser,
		Content:  job.Payload.Prompt,
		Metadata: map[string]any{"job_id": job.ID},
	})
	if err != nil {
		return "", err
	}
	return result.FinalText, nil
}

var _ cron.Dispatcher = (*dispatcher)(nil)

// channelSender adapts the outbound transports to the send_message tool.
type channelSender struct {
	d *Daemon
}

func (s *channelSender) Send(ctx context.Context, channelID, recipient, text string) error {
	transport, ok := s.d.channels.Outbound(channelID)
	if !ok {
		return fmt.Errorf("no outbound transport for channel %q", channelID)
	}
	key := sessions.DMKey(s.d.cfg.Session.DefaultAgentID, channelID, recipient)
	return transport.Send(ctx, channels.Outbound{
		Channel:    channelID,
		SessionKey: key.String(),
		Text:       text,
	})
}
