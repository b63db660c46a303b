package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultMaxReadBytes  = 200000
	defaultMaxFetchBytes = 500000
)

// CommandRunner executes a shell command on behalf of the exec tool. The
// sandbox driver satisfies this.
type CommandRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (stdout, stderr string, exitCode int, err error)
}

// MessageSender delivers an outbound message on a channel.
type MessageSender interface {
	Send(ctx context.Context, channelID, recipient, text string) error
}

// StatusFunc reports the current session status for the session_status tool.
type StatusFunc func(ctx context.Context) (string, error)

// BuiltinConfig wires the builtin tool set to its collaborators.
type BuiltinConfig struct {
	Workspace     string
	MaxReadBytes  int
	MaxFetchBytes int
	HTTPClient    *http.Client
	Runner        CommandRunner
	Sender        MessageSender
	Status        StatusFunc
}

func toolError(msg string) *Result {
	return &Result{Content: msg, IsError: true}
}

// RegisterBuiltins installs the standard tool set. Collaborators that are nil
// get a descriptor whose handler reports unavailability, so the catalog shape
// is stable regardless of wiring.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	maxRead := cfg.MaxReadBytes
	if maxRead <= 0 {
		maxRead = defaultMaxReadBytes
	}
	maxFetch := cfg.MaxFetchBytes
	if maxFetch <= 0 {
		maxFetch = defaultMaxFetchBytes
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resolver := Resolver{Root: cfg.Workspace}

	descriptors := []Descriptor{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace with optional offset and byte limit.",
			Groups:      []string{"fs"},
			SideEffects: []SideEffect{EffectRead},
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"offset": {"type": "integer", "minimum": 0},
					"max_bytes": {"type": "integer", "minimum": 0}
				},
				"required": ["path"]
			}`),
			Handler: readFileHandler(resolver, maxRead),
		},
		{
			Name:        "write_file",
			Description: "Write content to a workspace file, creating parent directories.",
			Groups:      []string{"fs"},
			SideEffects: []SideEffect{EffectWrite},
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"},
					"append": {"type": "boolean"}
				},
				"required": ["path", "content"]
			}`),
			Handler: writeFileHandler(resolver),
		},
		{
			Name:        "list_dir",
			Description: "List entries of a workspace directory.",
			Groups:      []string{"fs"},
			SideEffects: []SideEffect{EffectRead},
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"}
				}
			}`),
			Handler: listDirHandler(resolver),
		},
		{
			Name:            "exec_command",
			Description:     "Run a shell command in the isolated runtime and return its output.",
			Groups:          []string{"runtime"},
			SideEffects:     []SideEffect{EffectExec},
			RequiresSandbox: true,
			Timeout:         2 * time.Minute,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string"},
					"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
				},
				"required": ["command"]
			}`),
			Handler: execHandler(cfg.Runner),
		},
		{
			Name:        "web_fetch",
			Description: "Fetch a URL over HTTP GET and return the body as text.",
			Groups:      []string{"web"},
			SideEffects: []SideEffect{EffectNetwork},
			Timeout:     time.Minute,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {"type": "string"},
					"max_bytes": {"type": "integer", "minimum": 0}
				},
				"required": ["url"]
			}`),
			Handler: webFetchHandler(client, maxFetch),
		},
		{
			Name:        "send_message",
			Description: "Send a message to a recipient on a connected channel.",
			Groups:      []string{"messaging"},
			SideEffects: []SideEffect{EffectSend},
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel": {"type": "string"},
					"recipient": {"type": "string"},
					"text": {"type": "string"}
				},
				"required": ["channel", "recipient", "text"]
			}`),
			Handler: sendMessageHandler(cfg.Sender),
		},
		{
			Name:        "session_status",
			Description: "Report the current session's status, token usage, and compaction state.",
			Groups:      []string{"introspection"},
			SideEffects: []SideEffect{EffectRead},
			InputSchema: json.RawMessage(`{"type": "object"}`),
			Handler:     statusHandler(cfg.Status),
		},
	}

	for _, desc := range descriptors {
		if err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

func readFileHandler(resolver Resolver, maxRead int) Handler {
	return func(ctx context.Context, input json.RawMessage) (*Result, error) {
		var params struct {
			Path     string `json:"path"`
			Offset   int64  `json:"offset"`
			MaxBytes int    `json:"max_bytes"`
		}
		if err := json.Unmarshal(input, &params); err != nil {
			return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
		resolved, err := resolver.Resolve(params.Path)
		if err != nil {
			return toolError(err.Error()), nil
		}
		file, err := os.Open(resolved)
		if err != nil {
			return toolError(fmt.Sprintf("open file: %v", err)), nil
		}
		defer file.Close()

		if params.Offset > 0 {
			if _, err := file.Seek(params.Offset, io.SeekStart); err != nil {
				return toolError(fmt.Sprintf("seek file: %v", err)), nil
			}
		}
		limit := maxRead
		if params.MaxBytes > 0 && params.MaxBytes < limit {
			limit = params.MaxBytes
		}
		buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
		if err != nil {
			return toolError(fmt.Sprintf("read file: %v", err)), nil
		}
		content := string(buf)
		if info, err := file.Stat(); err == nil && params.Offset+int64(len(buf)) < info.Size() {
			content += "\n[truncated]"
		}
		return &Result{Content: content}, nil
	}
}

func writeFileHandler(resolver Resolver) Handler {
	return func(ctx context.Context, input json.RawMessage) (*Result, error) {
		var params struct {
			Path    string `json:"path"`
			Content string `json:"content"`
			Append  bool   `json:"append"`
		}
		if err := json.Unmarshal(input, &params); err != nil {
			return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
		resolved, err := resolver.Resolve(params.Path)
		if err != nil {
			return toolError(err.Error()), nil
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return toolError(fmt.Sprintf("create parent: %v", err)), nil
		}
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if params.Append {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		file, err := os.OpenFile(resolved, flags, 0o644)
		if err != nil {
			return toolError(fmt.Sprintf("open file: %v", err)), nil
		}
		defer file.Close()
		if _, err := file.WriteString(params.Content); err != nil {
			return toolError(fmt.Sprintf("write file: %v", err)), nil
		}
		return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path)}, nil
	}
}

func listDirHandler(resolver Resolver) Handler {
	return func(ctx context.Context, input json.RawMessage) (*Result, error) {
		var params struct {
			Path string `json:"path"`
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &params); err != nil {
				return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
			}
		}
		if strings.TrimSpace(params.Path) == "" {
			params.Path = "."
		}
		resolved, err := resolver.Resolve(params.Path)
		if err != nil {
			return toolError(err.Error()), nil
		}
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return toolError(fmt.Sprintf("read dir: %v", err)), nil
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return &Result{Content: strings.Join(names, "\n")}, nil
	}
}

func execHandler(runner CommandRunner) Handler {
	return func(ctx context.Context, input json.RawMessage) (*Result, error) {
		if runner == nil {
			return toolError("command execution is not available"), nil
		}
		var params struct {
			Command        string `json:"command"`
			TimeoutSeconds int    `json:"timeout_seconds"`
		}
		if err := json.Unmarshal(input, &params); err != nil {
			return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
		if strings.TrimSpace(params.Command) == "" {
			return toolError("command is required"), nil
		}
		timeout := time.Duration(params.TimeoutSeconds) * time.Second
		stdout, stderr, exitCode, err := runner.Run(ctx, params.Command, timeout)
		if err != nil {
			return toolError(fmt.Sprintf("exec: %v", err)), nil
		}
		var b strings.Builder
		if stdout != "" {
			b.WriteString(stdout)
		}
		if stderr != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("[stderr]\n")
			b.WriteString(stderr)
		}
		if exitCode != 0 {
			return &Result{Content: fmt.Sprintf("%s\n[exit code %d]", b.String(), exitCode), IsError: true}, nil
		}
		return &Result{Content: b.String()}, nil
	}
}

func webFetchHandler(client *http.Client, maxFetch int) Handler {
	return func(ctx context.Context, input json.RawMessage) (*Result, error) {
		var params struct {
			URL      string `json:"url"`
			MaxBytes int    `json:"max_bytes"`
		}
		if err := json.Unmarshal(input, &params); err != nil {
			return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
		url := strings.TrimSpace(params.URL)
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return toolError("url must be http or https"), nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return toolError(fmt.Sprintf("build request: %v", err)), nil
		}
		resp, err := client.Do(req)
		if err != nil {
			return toolError(fmt.Sprintf("fetch: %v", err)), nil
		}
		defer resp.Body.Close()

		limit := maxFetch
		if params.MaxBytes > 0 && params.MaxBytes < limit {
			limit = params.MaxBytes
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)))
		if err != nil {
			return toolError(fmt.Sprintf("read body: %v", err)), nil
		}
		if resp.StatusCode >= 400 {
			return &Result{Content: fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body), IsError: true}, nil
		}
		return &Result{Content: string(body)}, nil
	}
}

func sendMessageHandler(sender MessageSender) Handler {
	return func(ctx context.Context, input json.RawMessage) (*Result, error) {
		if sender == nil {
			return toolError("no outbound channels are connected"), nil
		}
		var params struct {
			Channel   string `json:"channel"`
			Recipient string `json:"recipient"`
			Text      string `json:"text"`
		}
		if err := json.Unmarshal(input, &params); err != nil {
			return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
		if err := sender.Send(ctx, params.Channel, params.Recipient, params.Text); err != nil {
			return toolError(fmt.Sprintf("send: %v", err)), nil
		}
		return &Result{Content: fmt.Sprintf("sent to %s on %s", params.Recipient, params.Channel)}, nil
	}
}

func statusHandler(status StatusFunc) Handler {
	return func(ctx context.Context, input json.RawMessage) (*Result, error) {
		if status == nil {
			return toolError("session status is not available"), nil
		}
		text, err := status(ctx)
		if err != nil {
			return toolError(fmt.Sprintf("status: %v", err)), nil
		}
		return &Result{Content: text}, nil
	}
}
