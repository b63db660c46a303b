// Package gateway exposes the platform over a WebSocket control plane.
//
// The wire protocol is a small set of JSON frames: a client opens with
// "hello", the server answers "hello_ok" after negotiating a protocol
// version, and from then on the client issues "request" frames that each
// receive exactly one "response". The server pushes "event" frames to
// matching subscriptions.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Protocol versions this server speaks. A client advertises its own range in
// the hello frame and the connection uses the highest common version.
const (
	ProtocolMin = 1
	ProtocolMax = 1
)

// Frame kinds.
const (
	FrameHello    = "hello"
	FrameHelloOK  = "hello_ok"
	FrameRequest  = "request"
	FrameResponse = "response"
	FrameEvent    = "event"
)

// Wire error codes. These are stable identifiers shared with clients.
const (
	CodeNotLinked      = "NOT_LINKED"
	CodeNotPaired      = "NOT_PAIRED"
	CodeAgentTimeout   = "AGENT_TIMEOUT"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeInternalError  = "INTERNAL_ERROR"
	CodeQuotaExceeded  = "QUOTA_EXCEEDED"
	CodeAccessDenied   = "ACCESS_DENIED"
)

// Frame is the single wire envelope. Which fields are populated depends on
// Type; unknown fields are ignored so older clients keep working.
type Frame struct {
	Type string `json:"type"`

	// hello
	MinProtocol int            `json:"min_protocol,omitempty"`
	MaxProtocol int            `json:"max_protocol,omitempty"`
	ClientInfo  map[string]any `json:"client_info,omitempty"`
	Auth        string         `json:"auth,omitempty"`

	// hello_ok
	Protocol   int            `json:"protocol,omitempty"`
	ServerInfo map[string]any `json:"server_info,omitempty"`
	Features   *Features      `json:"features,omitempty"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`

	// request / response
	ID         string          `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	SessionKey string          `json:"session_key,omitempty"`
	Result     any             `json:"result,omitempty"`
	Error      *FrameError     `json:"error,omitempty"`

	// event
	Event   string `json:"event,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Seq     *int64 `json:"seq,omitempty"`
}

// FrameError carries a coded failure inside a response frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Features advertises what the server supports, sent in hello_ok.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

func errorf(code, format string, args ...any) *FrameError {
	return &FrameError{Code: code, Message: fmt.Sprintf(format, args...)}
}
