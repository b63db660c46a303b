package daemon

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/events"
)

// timedProvider wraps a Provider and observes completion latency. The
// observation covers the full stream, from request to channel close.
type timedProvider struct {
	agent.Provider
	hist *prometheus.HistogramVec
}

func (p *timedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	start := time.Now()
	inner, err := p.Provider.Complete(ctx, req)
	if err != nil {
		p.hist.WithLabelValues(p.Name(), req.Model).Observe(time.Since(start).Seconds())
		return nil, err
	}
	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		for chunk := range inner {
			out <- chunk
		}
		p.hist.WithLabelValues(p.Name(), req.Model).Observe(time.Since(start).Seconds())
	}()
	return out, nil
}

// metricsPump folds bus traffic into the Prometheus collectors. When the
// bus drops the subscription for falling behind it resubscribes; counters
// tolerate the gap.
func (d *Daemon) metricsPump(ctx context.Context) {
	filter := events.Filter{Names: []string{
		events.SessionMessage,
		events.SessionToolCall,
		events.SessionToolResult,
		events.AgentCompleted,
		events.JobRunFinished,
	}}
	for {
		sub := d.bus.Subscribe(filter)
		again := d.countEvents(ctx, sub)
		sub.Close()
		if !again {
			return
		}
		d.logger.Warn("metrics subscription dropped, resubscribing")
	}
}

func (d *Daemon) countEvents(ctx context.Context, sub *events.Subscription) (resubscribe bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.C:
			if !ok {
				return true
			}
			d.countEvent(ev)
		}
	}
}

func (d *Daemon) countEvent(ev events.Event) {
	str := func(key string) string {
		s, _ := ev.Payload[key].(string)
		return s
	}
	switch ev.Name {
	case events.SessionMessage, events.SessionToolCall:
		d.metrics.SessionMessages.WithLabelValues(str("role")).Inc()
	case events.SessionToolResult:
		d.metrics.SessionMessages.WithLabelValues(str("role")).Inc()
		status := "ok"
		if isErr, _ := ev.Payload["is_error"].(bool); isErr {
			status = "error"
		}
		d.metrics.ToolExecutions.WithLabelValues(str("tool_name"), status).Inc()
	case events.AgentCompleted:
		d.metrics.AgentRuns.WithLabelValues(str("status")).Inc()
	case events.JobRunFinished:
		d.metrics.JobRuns.WithLabelValues(str("status")).Inc()
	}
}
