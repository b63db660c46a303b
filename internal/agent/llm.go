// Package agent contains the LLM provider port and the tool-use loop that
// drives a session turn to completion.
package agent

import (
	"context"
	"encoding/json"

	"github.com/latticehq/lattice/pkg/models"
)

// Provider is the interface LLM backends implement.
//
// Implementations must be safe for concurrent use; each Complete call owns
// an independent stream.
type Provider interface {
	// Complete sends a prompt and returns a streaming response. The
	// channel is closed when the stream finishes or fails; failures
	// arrive as a chunk with Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the stable lowercase provider identifier.
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider can do tool calling.
	SupportsTools() bool
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// CompletionRequest is a full request to an LLM backend.
type CompletionRequest struct {
	// Model selects the model; empty means the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled outside Messages by most APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may call. Empty disables tool use.
	Tools []ToolDef `json:"tools,omitempty"`

	// MaxTokens bounds the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one turn in the conversation. Role is "user",
// "assistant", or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one element of a streaming response. Text chunks
// arrive incrementally; a ToolCall chunk carries one complete call; the
// final chunk has Done set and, when the backend reports them, token
// usage counts.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

// Model describes an available model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}
