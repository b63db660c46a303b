package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/events"
	accesspolicy "github.com/latticehq/lattice/internal/policy"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/tools"
	"github.com/latticehq/lattice/pkg/models"
)

// scriptedProvider replays canned chunk sequences, one per Complete call.
type scriptedProvider struct {
	turns [][]*CompletionChunk
	calls int
	reqs  []*CompletionRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.reqs = append(p.reqs, req)
	if p.calls >= len(p.turns) {
		return nil, errors.New("scripted provider exhausted")
	}
	turn := p.turns[p.calls]
	p.calls++

	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		for _, c := range turn {
			ch <- c
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func textTurn(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

func toolTurn(id, name, input string) []*CompletionChunk {
	return []*CompletionChunk{
		{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true, InputTokens: 8, OutputTokens: 4},
	}
}

func newTestSession(t *testing.T, mgr *sessions.Manager) *models.Session {
	t.Helper()
	sess, err := mgr.Ensure(context.Background(), sessions.MainKey("bot"), sessions.SessionSpec{
		TenantID:       "acme",
		OwnerPrincipal: "user-1",
	})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return sess
}

func newTestRuntime(t *testing.T, provider Provider, opts ...RuntimeOption) (*Runtime, *sessions.Manager, *tools.Registry) {
	t.Helper()

	mgr := sessions.NewManager(sessions.NewMemoryStore(), events.NewBus(0, nil), nil, sessions.ManagerConfig{})
	registry := tools.NewRegistry(nil)

	echoed := func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		return &tools.Result{Content: "echo: " + in.Text}, nil
	}
	err := registry.Register(tools.Descriptor{
		Name:        "echo",
		Description: "echoes its input",
		Groups:      []string{"fs"},
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler:     echoed,
	})
	if err != nil {
		t.Fatalf("Register echo: %v", err)
	}
	err = registry.Register(tools.Descriptor{
		Name:            "isolated",
		Description:     "needs a sandbox",
		RequiresSandbox: true,
		Handler: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: "ran isolated"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register isolated: %v", err)
	}

	opts = append([]RuntimeOption{WithProvider(provider)}, opts...)
	rt := NewRuntime(mgr, registry, events.NewBus(0, nil), nil, Config{MaxIterations: 5}, opts...)
	return rt, mgr, registry
}

func TestRunFinalAnswer(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{textTurn("hello there")}}
	rt, mgr, _ := newTestRuntime(t, provider)
	sess := newTestSession(t, mgr)

	res, err := rt.Run(context.Background(), sess.ID, &models.Message{Content: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.FinalText != "hello there" {
		t.Fatalf("final text = %q", res.FinalText)
	}
	if res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Fatalf("tokens = %d/%d", res.InputTokens, res.OutputTokens)
	}

	history, err := mgr.History(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Fatalf("history roles = %s, %s", history[0].Role, history[1].Role)
	}
}

func TestRunToolLoop(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "echo", `{"text":"ping"}`),
		textTurn("done"),
	}}
	rt, mgr, _ := newTestRuntime(t, provider)
	sess := newTestSession(t, mgr)

	res, err := rt.Run(context.Background(), sess.ID, &models.Message{Content: "use the tool"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted || res.Iterations != 2 {
		t.Fatalf("status=%s iterations=%d", res.Status, res.Iterations)
	}

	history, _ := mgr.History(context.Background(), sess.ID)
	var roles []string
	for _, m := range history {
		roles = append(roles, string(m.Role))
	}
	want := []string{"user", "tool_call", "tool_result", "assistant"}
	if strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Fatalf("history roles = %v, want %v", roles, want)
	}
	for _, m := range history {
		if m.Role == models.RoleToolResult {
			if m.ToolResult.Content != "echo: ping" {
				t.Fatalf("tool result = %q", m.ToolResult.Content)
			}
			if m.ToolResult.ToolCallID != "call-1" {
				t.Fatalf("tool call id = %q", m.ToolResult.ToolCallID)
			}
		}
	}

	// The second request must carry the tool call and result back.
	second := provider.reqs[1]
	foundCall, foundResult := false, false
	for _, msg := range second.Messages {
		if len(msg.ToolCalls) > 0 {
			foundCall = true
		}
		if len(msg.ToolResults) > 0 {
			foundResult = true
		}
	}
	if !foundCall || !foundResult {
		t.Fatalf("second request missing tool context: call=%v result=%v", foundCall, foundResult)
	}
}

func TestRunIterationLimit(t *testing.T) {
	var turns [][]*CompletionChunk
	for i := 0; i < 10; i++ {
		turns = append(turns, toolTurn(fmt.Sprintf("call-%d", i), "echo", `{"text":"again"}`))
	}
	provider := &scriptedProvider{turns: turns}
	rt, mgr, _ := newTestRuntime(t, provider)
	sess := newTestSession(t, mgr)

	res, err := rt.Run(context.Background(), sess.ID, &models.Message{Content: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusIterationLimit {
		t.Fatalf("status = %s, want iteration_limit", res.Status)
	}
	if res.Iterations != 5 {
		t.Fatalf("iterations = %d, want 5", res.Iterations)
	}

	history, _ := mgr.History(context.Background(), sess.ID)
	last := history[len(history)-1]
	if last.Role != models.RoleSystem || !strings.Contains(last.Content, "Stopped after") {
		t.Fatalf("missing termination note, last = %s %q", last.Role, last.Content)
	}
}

func TestRunUnknownToolBecomesErrorResult(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "no_such_tool", `{}`),
		textTurn("recovered"),
	}}
	rt, mgr, _ := newTestRuntime(t, provider)
	sess := newTestSession(t, mgr)

	res, err := rt.Run(context.Background(), sess.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}

	history, _ := mgr.History(context.Background(), sess.ID)
	for _, m := range history {
		if m.Role == models.RoleToolResult {
			if !m.ToolResult.IsError || !strings.Contains(m.ToolResult.Content, "unknown tool") {
				t.Fatalf("tool result = %+v", m.ToolResult)
			}
		}
	}
}

func TestRunSandboxRequiredButUnavailable(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "isolated", `{}`),
		textTurn("ok"),
	}}
	rt, mgr, _ := newTestRuntime(t, provider)
	sess := newTestSession(t, mgr)

	if _, err := rt.Run(context.Background(), sess.ID, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	history, _ := mgr.History(context.Background(), sess.ID)
	found := false
	for _, m := range history {
		if m.Role == models.RoleToolResult && m.ToolResult.IsError &&
			strings.Contains(m.ToolResult.Content, "requires sandboxed execution") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a sandbox refusal tool result")
	}
}

type alwaysAvailable struct{}

func (alwaysAvailable) Available() bool { return true }

func TestRunSandboxAvailableExecutes(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "isolated", `{}`),
		textTurn("ok"),
	}}
	rt, mgr, _ := newTestRuntime(t, provider, WithSandboxProbe(alwaysAvailable{}))
	sess := newTestSession(t, mgr)

	if _, err := rt.Run(context.Background(), sess.ID, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	history, _ := mgr.History(context.Background(), sess.ID)
	for _, m := range history {
		if m.Role == models.RoleToolResult {
			if m.ToolResult.IsError || m.ToolResult.Content != "ran isolated" {
				t.Fatalf("tool result = %+v", m.ToolResult)
			}
		}
	}
}

func TestRunAccessPolicyDenial(t *testing.T) {
	src := staticPolicies{policies: []*models.Policy{{
		ID:         "pol-deny-echo",
		Name:       "deny echo",
		Effect:     models.EffectDeny,
		Principals: []string{"*"},
		Resources:  []string{"tool:echo"},
		Actions:    []string{"execute"},
		Priority:   10,
	}}}
	engine := accesspolicy.NewEngine(src, 16, time.Minute, nil)

	provider := &scriptedProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "echo", `{"text":"blocked"}`),
		textTurn("moving on"),
	}}
	rt, mgr, _ := newTestRuntime(t, provider, WithAccessPolicy(engine))
	sess := newTestSession(t, mgr)

	if _, err := rt.Run(context.Background(), sess.ID, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	history, _ := mgr.History(context.Background(), sess.ID)
	found := false
	for _, m := range history {
		if m.Role == models.RoleToolResult && strings.Contains(m.ToolResult.Content, "Access denied by policy pol-deny-echo") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a policy refusal tool result")
	}
}

type staticPolicies struct {
	policies []*models.Policy
}

func (s staticPolicies) Policies() []*models.Policy { return s.policies }
func (s staticPolicies) Generation() uint64         { return 1 }

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel while the tool result is being handled; the loop finishes
	// the in-flight tool and returns cancelled.
	provider := &scriptedProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "cancel_me", `{}`),
	}}
	rt, mgr, registry := newTestRuntime(t, provider)
	if err := registry.Register(tools.Descriptor{
		Name: "cancel_me",
		Handler: func(toolCtx context.Context, input json.RawMessage) (*tools.Result, error) {
			cancel()
			return &tools.Result{Content: "finished anyway"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess := newTestSession(t, mgr)

	res, err := rt.Run(ctx, sess.ID, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}

	history, _ := mgr.History(context.Background(), sess.ID)
	sawResult, sawNote := false, false
	for _, m := range history {
		if m.Role == models.RoleToolResult && m.ToolResult.Content == "finished anyway" {
			sawResult = true
		}
		if m.Role == models.RoleSystem && strings.Contains(m.Content, "cancelled") {
			sawNote = true
		}
	}
	if !sawResult || !sawNote {
		t.Fatalf("in-flight tool result=%v cancellation note=%v", sawResult, sawNote)
	}
}

func TestRunStreamTokenEvents(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{
		{
			{Text: "hel"},
			{Text: "lo"},
			{Done: true},
		},
	}}

	mgr := sessions.NewManager(sessions.NewMemoryStore(), events.NewBus(0, nil), nil, sessions.ManagerConfig{})
	registry := tools.NewRegistry(nil)
	bus := events.NewBus(0, nil)
	rt := NewRuntime(mgr, registry, bus, nil, Config{}, WithProvider(provider))

	sub := bus.Subscribe(events.Filter{Names: []string{events.SessionStreamToken, events.AgentCompleted}})
	defer sub.Close()

	sess := newTestSession(t, mgr)
	if _, err := rt.Run(context.Background(), sess.ID, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var tokens []string
	completed := false
	timeout := time.After(2 * time.Second)
	for !completed {
		select {
		case ev := <-sub.C:
			switch ev.Name {
			case events.SessionStreamToken:
				tokens = append(tokens, ev.Payload["text"].(string))
			case events.AgentCompleted:
				completed = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	if strings.Join(tokens, "") != "hello" {
		t.Fatalf("streamed tokens = %v", tokens)
	}
}

func TestRunNoProvider(t *testing.T) {
	mgr := sessions.NewManager(sessions.NewMemoryStore(), events.NewBus(0, nil), nil, sessions.ManagerConfig{})
	rt := NewRuntime(mgr, tools.NewRegistry(nil), nil, nil, Config{})
	sess := newTestSession(t, mgr)

	_, err := rt.Run(context.Background(), sess.ID, nil)
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("want ErrNoProvider, got %v", err)
	}
}
