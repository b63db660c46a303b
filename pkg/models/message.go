package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"

	// RoleSummary marks the synthetic system message produced by compaction.
	// It logically subsumes the superseded range without removing it.
	RoleSummary Role = "summary"
)

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult represents the output of a tool execution. ToolCallID must
// reference a prior tool_call message in the same session.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is an append-only record belonging to exactly one session.
// Seq is assigned by the session store and is strictly increasing with no
// gaps per session.
type Message struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Seq           int64          `json:"seq"`
	Role          Role           `json:"role"`
	Content       string         `json:"content,omitempty"`
	ToolCall      *ToolCall      `json:"tool_call,omitempty"`
	ToolResult    *ToolResult    `json:"tool_result,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	TokenEstimate int            `json:"token_estimate,omitempty"`
	Superseded    bool           `json:"superseded,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.ToolCall != nil {
		tc := *m.ToolCall
		if m.ToolCall.Input != nil {
			tc.Input = append(json.RawMessage{}, m.ToolCall.Input...)
		}
		clone.ToolCall = &tc
	}
	if m.ToolResult != nil {
		tr := *m.ToolResult
		clone.ToolResult = &tr
	}
	if m.Metadata != nil {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		clone.Metadata = meta
	}
	return &clone
}
