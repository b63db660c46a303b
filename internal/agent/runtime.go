package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/latticehq/lattice/internal/credentials"
	"github.com/latticehq/lattice/internal/events"
	accesspolicy "github.com/latticehq/lattice/internal/policy"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/tenants"
	"github.com/latticehq/lattice/internal/tools"
	toolpolicy "github.com/latticehq/lattice/internal/tools/policy"
	"github.com/latticehq/lattice/pkg/models"
)

// Status is the terminal state of one runtime turn.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusIterationLimit Status = "iteration_limit"
	StatusCancelled      Status = "cancelled"
)

var (
	// ErrNoProvider means no LLM backend is configured for the turn.
	ErrNoProvider = errors.New("agent: no provider configured")

	// ErrProviderUnavailable means the backend failed, a credential
	// rotation was attempted, and the retry failed too.
	ErrProviderUnavailable = errors.New("agent: provider unavailable")
)

// Result summarizes a completed turn.
type Result struct {
	SessionID    string `json:"session_id"`
	Status       Status `json:"status"`
	FinalText    string `json:"final_text,omitempty"`
	Iterations   int    `json:"iterations"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// SandboxProbe reports whether isolated execution is currently possible.
type SandboxProbe interface {
	Available() bool
}

// ProviderFactory builds a provider bound to one API key. The runtime
// uses it to rotate credentials from the pool.
type ProviderFactory func(apiKey string) (Provider, error)

// Config tunes the runtime loop.
type Config struct {
	// ProviderName selects the credential-pool provider namespace.
	ProviderName string

	// Model passed on each completion; empty uses the provider default.
	Model string

	// MaxIterations bounds the tool-use loop. Default 25.
	MaxIterations int

	// MaxTokens per completion; 0 uses the provider default.
	MaxTokens int

	// SlotTimeout bounds the wait for a tenant concurrency slot.
	SlotTimeout time.Duration

	// Bootstrap supplies the workspace system content.
	Bootstrap Bootstrap

	// PolicyContext returns the layered tool-policy context for a
	// session. Nil means every registered tool is available.
	PolicyContext func(sess *models.Session) toolpolicy.FilterContext
}

// Runtime drives the tool-use loop for one session turn at a time.
type Runtime struct {
	sessions *sessions.Manager
	registry *tools.Registry
	bus      *events.Bus
	logger   *slog.Logger
	config   Config

	provider Provider
	factory  ProviderFactory
	creds    *credentials.Pool
	quota    *tenants.QuotaManager
	access   *accesspolicy.Engine
	sandbox  SandboxProbe

	mu           sync.Mutex
	byCredential map[string]Provider
}

// RuntimeOption configures optional collaborators.
type RuntimeOption func(*Runtime)

// WithProvider sets a statically configured backend, used when no
// credential pool is wired.
func WithProvider(p Provider) RuntimeOption {
	return func(r *Runtime) { r.provider = p }
}

// WithCredentials wires the credential pool and the factory that turns an
// acquired key into a provider.
func WithCredentials(pool *credentials.Pool, factory ProviderFactory) RuntimeOption {
	return func(r *Runtime) {
		r.creds = pool
		r.factory = factory
	}
}

// WithQuota wires tenant quota enforcement.
func WithQuota(q *tenants.QuotaManager) RuntimeOption {
	return func(r *Runtime) { r.quota = q }
}

// WithAccessPolicy wires per-tool-call ABAC evaluation.
func WithAccessPolicy(e *accesspolicy.Engine) RuntimeOption {
	return func(r *Runtime) { r.access = e }
}

// WithSandboxProbe wires the isolation availability check for tools that
// require a sandbox.
func WithSandboxProbe(p SandboxProbe) RuntimeOption {
	return func(r *Runtime) { r.sandbox = p }
}

// NewRuntime builds a runtime over the session manager and tool registry.
func NewRuntime(mgr *sessions.Manager, registry *tools.Registry, bus *events.Bus, logger *slog.Logger, config Config, opts ...RuntimeOption) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = 25
	}
	if config.SlotTimeout <= 0 {
		config.SlotTimeout = 30 * time.Second
	}
	r := &Runtime{
		sessions:     mgr,
		registry:     registry,
		bus:          bus,
		logger:       logger,
		config:       config,
		byCredential: make(map[string]Provider),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run appends the optional user message and drives the loop until the
// model produces a final answer, the iteration limit trips, or the
// context is cancelled.
func (r *Runtime) Run(ctx context.Context, sessionID string, userMessage *models.Message) (*Result, error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if r.quota != nil && sess.TenantID != "" {
		release, err := r.quota.AcquireSlot(ctx, sess.TenantID, r.config.SlotTimeout)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	if userMessage != nil {
		userMessage.Role = models.RoleUser
		if _, err := r.sessions.Append(ctx, sessionID, userMessage); err != nil {
			return nil, err
		}
	}

	defs := r.availableTools(sess)
	result := &Result{SessionID: sessionID, Status: StatusCompleted}

	provider, cred, err := r.acquireProvider(ctx)
	if err != nil {
		return nil, err
	}

	for iteration := 1; iteration <= r.config.MaxIterations; iteration++ {
		result.Iterations = iteration

		if ctx.Err() != nil {
			return r.finishCancelled(sessionID, sess.Key, result)
		}

		history, err := r.sessions.History(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		req := r.buildRequest(sess, history, defs)

		turn, err := r.completeOnce(ctx, provider, req, sess.Key)
		if err != nil {
			r.reportFailure(ctx, cred, err)
			kind := errorKind(err)
			if !kind.Retryable() && kind != KindAuthInvalid {
				return nil, err
			}

			// One retry with a rotated credential, then give up.
			provider, cred, err = r.acquireProvider(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
			}
			turn, err = r.completeOnce(ctx, provider, req, sess.Key)
			if err != nil {
				r.reportFailure(ctx, cred, err)
				return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
			}
		}

		result.InputTokens += turn.inputTokens
		result.OutputTokens += turn.outputTokens

		if turn.text != "" || len(turn.toolCalls) == 0 {
			if _, err := r.sessions.Append(ctx, sessionID, &models.Message{
				Role:    models.RoleAssistant,
				Content: turn.text,
			}); err != nil {
				return nil, err
			}
		}

		if len(turn.toolCalls) == 0 {
			r.reportSuccess(ctx, cred)
			r.recordUsage(sess.TenantID, result)
			result.FinalText = turn.text
			r.publishCompleted(sess.Key, result)
			return result, nil
		}

		// Record the calls first, then the results, in model order.
		for _, call := range turn.toolCalls {
			if _, err := r.sessions.Append(ctx, sessionID, &models.Message{
				Role:     models.RoleToolCall,
				ToolName: call.Name,
				ToolCall: call,
			}); err != nil {
				return nil, err
			}
		}

		cancelled := false
		for _, call := range turn.toolCalls {
			tr := r.executeTool(ctx, sess, call)
			if _, err := r.sessions.Append(ctx, sessionID, &models.Message{
				Role:       models.RoleToolResult,
				ToolName:   call.Name,
				ToolResult: tr,
			}); err != nil {
				return nil, err
			}
			if ctx.Err() != nil {
				cancelled = true
				break
			}
		}
		if cancelled {
			r.reportSuccess(ctx, cred)
			r.recordUsage(sess.TenantID, result)
			return r.finishCancelled(sessionID, sess.Key, result)
		}
	}

	// Iteration limit: append a controlled termination note.
	_, err = r.sessions.Append(ctx, sessionID, &models.Message{
		Role:    models.RoleSystem,
		Content: fmt.Sprintf("Stopped after %d iterations without a final answer.", r.config.MaxIterations),
	})
	if err != nil {
		return nil, err
	}
	r.reportSuccess(ctx, cred)
	r.recordUsage(sess.TenantID, result)
	result.Status = StatusIterationLimit
	r.publishCompleted(sess.Key, result)
	return result, nil
}

// turnOutcome is one completed LLM stream.
type turnOutcome struct {
	text         string
	toolCalls    []*models.ToolCall
	inputTokens  int
	outputTokens int
}

func (r *Runtime) completeOnce(ctx context.Context, provider Provider, req *CompletionRequest, sessionKey string) (*turnOutcome, error) {
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	outcome := &turnOutcome{}

	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			return nil, chunk.Error
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			r.publish(events.SessionStreamToken, sessionKey, map[string]any{"text": chunk.Text})
		case chunk.ToolCall != nil:
			outcome.toolCalls = append(outcome.toolCalls, chunk.ToolCall)
		case chunk.Done:
			outcome.inputTokens = chunk.InputTokens
			outcome.outputTokens = chunk.OutputTokens
		}
	}

	outcome.text = text.String()
	return outcome, nil
}

// executeTool runs one call end to end. Policy denials, quota denials,
// and handler failures all become tool results; they never abort the
// loop.
func (r *Runtime) executeTool(ctx context.Context, sess *models.Session, call *models.ToolCall) *models.ToolResult {
	refusal := func(msg string) *models.ToolResult {
		return &models.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
	}

	desc, ok := r.registry.Lookup(call.Name)
	if !ok {
		return refusal(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	if r.access != nil {
		dec := r.access.Evaluate(accesspolicy.Request{
			Principal: sess.OwnerPrincipal,
			TenantID:  sess.TenantID,
			Resource:  "tool:" + call.Name,
			Action:    "execute",
		})
		if !dec.Allowed {
			r.logger.Info("tool call denied",
				"tool", call.Name,
				"session", sess.ID,
				"policy", dec.PolicyID)
			if dec.PolicyID != "" {
				return refusal(fmt.Sprintf("Access denied by policy %s", dec.PolicyID))
			}
			return refusal("Access denied by policy")
		}
	}

	if r.quota != nil && sess.TenantID != "" {
		if err := r.quota.Consume(sess.TenantID, models.QuotaTools, 1); err != nil {
			return refusal(fmt.Sprintf("Tool quota exceeded: %v", err))
		}
	}

	if desc.RequiresSandbox && (r.sandbox == nil || !r.sandbox.Available()) {
		return refusal(fmt.Sprintf("tool %s requires sandboxed execution and no sandbox is available", call.Name))
	}

	if err := desc.ValidateInput(call.Input); err != nil {
		return refusal(fmt.Sprintf("invalid input: %v", err))
	}

	toolCtx := ctx
	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	res, err := desc.Handler(toolCtx, call.Input)
	if err != nil {
		return refusal(fmt.Sprintf("tool failed: %v", err))
	}
	return &models.ToolResult{ToolCallID: call.ID, Content: res.Content, IsError: res.IsError}
}

func (r *Runtime) buildRequest(sess *models.Session, history []*models.Message, defs []ToolDef) *CompletionRequest {
	system := r.config.Bootstrap.Load(sess.Type)

	var messages []CompletionMessage
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, CompletionMessage{Role: "user", Content: msg.Content})
		case models.RoleAssistant:
			messages = append(messages, CompletionMessage{Role: "assistant", Content: msg.Content})
		case models.RoleToolCall:
			if msg.ToolCall == nil {
				continue
			}
			// Calls ride the preceding assistant message when one exists.
			if n := len(messages); n > 0 && messages[n-1].Role == "assistant" && len(messages[n-1].ToolResults) == 0 {
				messages[n-1].ToolCalls = append(messages[n-1].ToolCalls, *msg.ToolCall)
			} else {
				messages = append(messages, CompletionMessage{Role: "assistant", ToolCalls: []models.ToolCall{*msg.ToolCall}})
			}
		case models.RoleToolResult:
			if msg.ToolResult == nil {
				continue
			}
			messages = append(messages, CompletionMessage{Role: "tool", ToolResults: []models.ToolResult{*msg.ToolResult}})
		case models.RoleSummary:
			// The compaction summary leads the system content.
			if system == "" {
				system = msg.Content
			} else {
				system = system + "\n\nConversation summary so far:\n" + msg.Content
			}
		case models.RoleSystem:
			// Scheduler-injected events and termination notes.
			messages = append(messages, CompletionMessage{Role: "user", Content: "[system] " + msg.Content})
		}
	}

	return &CompletionRequest{
		Model:     r.config.Model,
		System:    system,
		Messages:  messages,
		Tools:     defs,
		MaxTokens: r.config.MaxTokens,
	}
}

func (r *Runtime) availableTools(sess *models.Session) []ToolDef {
	var allowed []string
	if r.config.PolicyContext != nil {
		fc := r.config.PolicyContext(sess)
		allowed = toolpolicy.Compute(fc, r.registry)
	} else {
		allowed = r.registry.Names()
	}

	defs := make([]ToolDef, 0, len(allowed))
	for _, name := range allowed {
		desc, ok := r.registry.Lookup(name)
		if !ok {
			continue
		}
		schema := desc.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, ToolDef{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: schema,
		})
	}
	return defs
}

func (r *Runtime) acquireProvider(ctx context.Context) (Provider, *models.Credential, error) {
	if r.creds != nil && r.factory != nil {
		cred, err := r.creds.Acquire(ctx, r.config.ProviderName)
		if err != nil {
			if r.provider != nil {
				return r.provider, nil, nil
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}

		r.mu.Lock()
		provider, ok := r.byCredential[cred.ID]
		r.mu.Unlock()
		if !ok {
			provider, err = r.factory(cred.Secret)
			if err != nil {
				return nil, nil, err
			}
			r.mu.Lock()
			r.byCredential[cred.ID] = provider
			r.mu.Unlock()
		}
		return provider, cred, nil
	}

	if r.provider == nil {
		return nil, nil, ErrNoProvider
	}
	return r.provider, nil, nil
}

func (r *Runtime) reportFailure(ctx context.Context, cred *models.Credential, err error) {
	if r.creds == nil || cred == nil {
		return
	}
	kind := credentials.FailureTransient
	switch errorKind(err) {
	case KindRateLimited:
		kind = credentials.FailureRateLimited
	case KindAuthInvalid:
		kind = credentials.FailureAuthInvalid
	}
	r.creds.ReportFailure(ctx, r.config.ProviderName, cred.ID, kind)
}

func (r *Runtime) reportSuccess(ctx context.Context, cred *models.Credential) {
	if r.creds == nil || cred == nil {
		return
	}
	r.creds.ReportSuccess(ctx, r.config.ProviderName, cred.ID)
}

func (r *Runtime) recordUsage(tenantID string, result *Result) {
	if r.quota == nil || tenantID == "" {
		return
	}
	total := int64(result.InputTokens + result.OutputTokens)
	if total == 0 {
		return
	}
	// Usage is recorded after the fact; exceeding the budget here only
	// affects the next turn's check.
	if err := r.quota.Consume(tenantID, models.QuotaTokensPerDay, total); err != nil {
		r.logger.Warn("token quota exhausted", "tenant", tenantID, "tokens", total)
	}
}

func (r *Runtime) finishCancelled(sessionID, sessionKey string, result *Result) (*Result, error) {
	// Best effort: the note uses a fresh context because the caller's is
	// already cancelled.
	noteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.sessions.Append(noteCtx, sessionID, &models.Message{
		Role:    models.RoleSystem,
		Content: "Run cancelled before completion.",
	}); err != nil {
		r.logger.Warn("failed to append cancellation note", "session", sessionID, "error", err)
	}
	result.Status = StatusCancelled
	r.publishCompleted(sessionKey, result)
	return result, nil
}

func (r *Runtime) publishCompleted(sessionKey string, result *Result) {
	r.publish(events.AgentCompleted, sessionKey, map[string]any{
		"status":        string(result.Status),
		"iterations":    result.Iterations,
		"input_tokens":  result.InputTokens,
		"output_tokens": result.OutputTokens,
	})
}

func (r *Runtime) publish(name, sessionKey string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Name:       name,
		SessionKey: sessionKey,
		Payload:    payload,
		Time:       time.Now(),
	})
}

func errorKind(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classifyMessage(err)
}

// Summarizer returns a compaction summarizer backed by this runtime's
// provider, so the session manager can compact with the same backend the
// loop talks to.
func (r *Runtime) Summarizer() sessions.Summarizer {
	return sessions.SummarizerFunc(func(ctx context.Context, msgs []*models.Message) (string, error) {
		provider, cred, err := r.acquireProvider(ctx)
		if err != nil {
			return "", err
		}

		var transcript strings.Builder
		for _, m := range msgs {
			fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		}

		turn, err := r.completeOnce(ctx, provider, &CompletionRequest{
			Model:  r.config.Model,
			System: "Summarize the following conversation fragment concisely, preserving facts, decisions, and open tasks.",
			Messages: []CompletionMessage{
				{Role: "user", Content: transcript.String()},
			},
			MaxTokens: 1024,
		}, "")
		if err != nil {
			r.reportFailure(ctx, cred, err)
			return "", err
		}
		r.reportSuccess(ctx, cred)
		return turn.text, nil
	})
}
