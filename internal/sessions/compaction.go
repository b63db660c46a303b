package sessions

import (
	"context"
	"fmt"
	"strings"

	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/pkg/models"
)

// Summarizer condenses a span of messages into prose. The agent runtime
// provides an LLM-backed implementation.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, messages []*models.Message) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, messages []*models.Message) (string, error) {
	return f(ctx, messages)
}

const (
	compactionHeadRatioMax = 0.40
	compactionHeadRatioMin = 0.15
	// ratio stays at the max until history outgrows this many messages,
	// then shrinks inversely with length.
	compactionRatioKnee = 50
)

// headRatio returns the fraction of live history summarized per chunk.
func headRatio(historyLen int) float64 {
	if historyLen <= compactionRatioKnee {
		return compactionHeadRatioMax
	}
	ratio := compactionHeadRatioMax * float64(compactionRatioKnee) / float64(historyLen)
	if ratio < compactionHeadRatioMin {
		return compactionHeadRatioMin
	}
	return ratio
}

// NeedsCompaction reports whether the session's running token count exceeds
// the soft limit.
func (m *Manager) NeedsCompaction(sess *models.Session) bool {
	return sess.TokenCount > m.cfg.CompactionSoftTokenLimit
}

// Compact summarizes the oldest live messages into one synthetic summary
// record and advances the compaction boundary. The physical records stay on
// disk, marked superseded at read time. The last tail-keep messages are
// always preserved verbatim, and the head/tail split never separates a
// tool_call from its tool_result. Re-running with an unchanged tail is a
// no-op.
func (m *Manager) Compact(ctx context.Context, sessionID string, summarizer Summarizer) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	live, err := m.liveMessages(ctx, sess)
	if err != nil {
		return err
	}

	tailKeep := m.cfg.CompactionTailKeep
	if len(live) <= tailKeep {
		return nil
	}

	ratio := headRatio(len(live))
	headLen := int(float64(len(live)) * ratio)
	if headLen < 1 {
		headLen = 1
	}
	if limit := len(live) - tailKeep; headLen > limit {
		headLen = limit
	}
	headLen = alignToPairBoundary(live, headLen)
	if headLen <= 0 {
		return nil
	}
	head := live[:headLen]

	summaryText, err := m.summarizeChunks(ctx, head, summarizer)
	if err != nil {
		return fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	boundary := head[headLen-1].Seq
	summary := &models.Message{
		Role:          models.RoleSummary,
		Content:       summaryText,
		TokenEstimate: m.estimate(summaryText),
		Metadata: map[string]any{
			"compacted_through_seq": boundary,
			"compacted_count":       headLen,
		},
	}
	record, err := m.store.AppendMessage(ctx, sessionID, summary)
	if err != nil {
		return err
	}

	sess.CompactedThroughSeq = boundary
	sess.Status = models.SessionCompacted
	sess.UpdatedAt = m.now().UTC()
	sess.TokenCount = record.TokenEstimate
	for _, msg := range live[headLen:] {
		sess.TokenCount += msg.TokenEstimate
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return err
	}

	m.logger.Info("session compacted",
		"session", sessionID, "through_seq", boundary,
		"summarized", headLen, "kept", len(live)-headLen)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Name:       events.SessionCompacted,
			SessionKey: sess.Key,
			Payload: map[string]any{
				"session_id":  sessionID,
				"through_seq": boundary,
				"summary_seq": record.Seq,
			},
		})
	}
	return nil
}

// liveMessages returns non-superseded, non-summary records in seq order.
func (m *Manager) liveMessages(ctx context.Context, sess *models.Session) ([]*models.Message, error) {
	all, err := m.store.Messages(ctx, sess.ID, sess.CompactedThroughSeq+1, 0)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, record := range all {
		if record.Role == models.RoleSummary {
			continue
		}
		live = append(live, record)
	}
	return live, nil
}

// summarizeChunks splits the head into chunks, summarizes each, and merges
// the chunk summaries into one text.
func (m *Manager) summarizeChunks(ctx context.Context, head []*models.Message, summarizer Summarizer) (string, error) {
	const chunkSize = 40
	var parts []string
	for start := 0; start < len(head); start += chunkSize {
		end := start + chunkSize
		if end > len(head) {
			end = len(head)
		}
		part, err := summarizer.Summarize(ctx, head[start:end])
		if err != nil {
			return "", err
		}
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// alignToPairBoundary shrinks headLen so a tool_call and its tool_result
// land on the same side of the split.
func alignToPairBoundary(live []*models.Message, headLen int) int {
	for headLen > 0 {
		callIDs := make(map[string]bool)
		for _, msg := range live[:headLen] {
			if msg.Role == models.RoleToolCall && msg.ToolCall != nil {
				callIDs[msg.ToolCall.ID] = true
			}
		}
		split := false
		for _, msg := range live[headLen:] {
			if msg.Role == models.RoleToolResult && msg.ToolResult != nil && callIDs[msg.ToolResult.ToolCallID] {
				split = true
				break
			}
		}
		if !split {
			return headLen
		}
		headLen--
	}
	return headLen
}
