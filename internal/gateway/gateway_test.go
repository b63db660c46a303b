package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/tools"
	"github.com/latticehq/lattice/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	result *agent.Result
	err    error
	got    *models.Message
}

func (f *fakeRunner) Run(_ context.Context, sessionID string, msg *models.Message) (*agent.Result, error) {
	f.got = msg
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		out := *f.result
		out.SessionID = sessionID
		return &out, nil
	}
	return &agent.Result{SessionID: sessionID, Status: agent.StatusCompleted, FinalText: "done"}, nil
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	bus    *events.Bus
	mgr    *sessions.Manager
	runner *fakeRunner
}

func newTestEnv(t *testing.T, config Config, opts ...Option) *testEnv {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus(64, logger)
	mgr := sessions.NewManager(sessions.NewMemoryStore(), bus, logger, sessions.ManagerConfig{})

	registry := tools.NewRegistry(logger)
	if err := registry.Register(tools.Descriptor{
		Name:        "echo",
		Description: "echo input back",
		Groups:      []string{"fs"},
		Handler: func(_ context.Context, input json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: string(input)}, nil
		},
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	runner := &fakeRunner{}
	srv := NewServer(Deps{
		Sessions: mgr,
		Runtime:  runner,
		Tools:    registry,
		Bus:      bus,
	}, config, logger, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, http: ts, bus: bus, mgr: mgr, runner: runner}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, frame Frame) {
	t.Helper()
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// connect performs the hello handshake and returns the hello_ok frame.
func (e *testEnv) connect(t *testing.T, auth string) (*websocket.Conn, Frame) {
	t.Helper()
	ws := e.dial(t)
	writeFrame(t, ws, Frame{Type: FrameHello, MinProtocol: 1, MaxProtocol: 1, Auth: auth})
	ok := readFrame(t, ws)
	if ok.Type != FrameHelloOK {
		t.Fatalf("expected hello_ok, got %+v", ok)
	}
	return ws, ok
}

func call(t *testing.T, ws *websocket.Conn, id, method string, params any) Frame {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}
	writeFrame(t, ws, Frame{Type: FrameRequest, ID: id, Method: method, Params: raw})
	for {
		frame := readFrame(t, ws)
		if frame.Type == FrameResponse && frame.ID == id {
			return frame
		}
		if frame.Type == FrameEvent {
			continue
		}
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func resultMap(t *testing.T, frame Frame) map[string]any {
	t.Helper()
	if frame.Error != nil {
		t.Fatalf("unexpected error: %v", frame.Error)
	}
	data, err := json.Marshal(frame.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return m
}

func TestHandshakeNegotiatesProtocol(t *testing.T) {
	env := newTestEnv(t, Config{ServerName: "lattice-test"})
	_, ok := env.connect(t, "")

	if ok.Protocol != 1 {
		t.Fatalf("protocol = %d, want 1", ok.Protocol)
	}
	if ok.ServerInfo["name"] != "lattice-test" {
		t.Fatalf("server name = %v", ok.ServerInfo["name"])
	}
	if ok.Features == nil {
		t.Fatal("missing features")
	}
	found := false
	for _, m := range ok.Features.Methods {
		if m == "sessions.post_message" {
			found = true
		}
	}
	if !found {
		t.Fatalf("sessions.post_message not advertised: %v", ok.Features.Methods)
	}
	if ok.Snapshot == nil {
		t.Fatal("missing snapshot")
	}
}

func TestHandshakeProtocolMismatch(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws := env.dial(t)
	writeFrame(t, ws, Frame{Type: FrameHello, MinProtocol: 5, MaxProtocol: 9})

	frame := readFrame(t, ws)
	if frame.Error == nil || frame.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %+v", frame)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected connection close after version mismatch")
	}
}

func TestHandshakeHonorsConfiguredRange(t *testing.T) {
	env := newTestEnv(t, Config{ProtocolMin: 2, ProtocolMax: 3})

	ws := env.dial(t)
	writeFrame(t, ws, Frame{Type: FrameHello, MinProtocol: 1, MaxProtocol: 1})
	frame := readFrame(t, ws)
	if frame.Error == nil || frame.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST below the configured floor, got %+v", frame)
	}

	ws = env.dial(t)
	writeFrame(t, ws, Frame{Type: FrameHello, MinProtocol: 2, MaxProtocol: 5})
	frame = readFrame(t, ws)
	if frame.Type != FrameHelloOK {
		t.Fatalf("expected hello_ok, got %+v", frame)
	}
	if frame.Protocol != 3 {
		t.Fatalf("negotiated protocol = %d, want 3", frame.Protocol)
	}
}

func TestHandshakeRequiresHelloFirst(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws := env.dial(t)
	writeFrame(t, ws, Frame{Type: FrameRequest, ID: "r1", Method: "ping"})

	frame := readFrame(t, ws)
	if frame.Error == nil || frame.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %+v", frame)
	}
}

func TestAuthRequired(t *testing.T) {
	verifier := NewVerifier("test-secret", nil)
	env := newTestEnv(t, Config{RequireAuth: true}, WithVerifier(verifier))

	ws := env.dial(t)
	writeFrame(t, ws, Frame{Type: FrameHello, MinProtocol: 1, MaxProtocol: 1})
	frame := readFrame(t, ws)
	if frame.Error == nil || frame.Error.Code != CodeNotLinked {
		t.Fatalf("expected NOT_LINKED, got %+v", frame)
	}
}

func TestAuthJWTBindsIdentity(t *testing.T) {
	verifier := NewVerifier("test-secret", nil)
	env := newTestEnv(t, Config{RequireAuth: true}, WithVerifier(verifier))

	token, err := verifier.Issue(Identity{
		Principal: "user:alice",
		TenantID:  "acme",
		Roles:     []string{"member"},
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	ws, _ := env.connect(t, token)

	// Non-admin principals cannot reach admin methods.
	frame := call(t, ws, "r1", "tenants.list", nil)
	if frame.Error == nil || frame.Error.Code != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED, got %+v", frame)
	}
}

func TestStaticTokenAdmin(t *testing.T) {
	verifier := NewVerifier("", map[string]Identity{
		"local-admin-token": {Principal: "cli", Roles: []string{"admin"}},
	})
	env := newTestEnv(t, Config{RequireAuth: true}, WithVerifier(verifier))

	ws, _ := env.connect(t, "local-admin-token")
	frame := call(t, ws, "r1", "tools.list", nil)
	m := resultMap(t, frame)
	if m["tools"] == nil {
		t.Fatal("missing tools in result")
	}
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws, _ := env.connect(t, "")

	frame := call(t, ws, "r1", "no.such.method", nil)
	if frame.Error == nil || frame.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected METHOD_NOT_FOUND, got %+v", frame)
	}
}

func TestPingMatchesRequestID(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws, _ := env.connect(t, "")

	frame := call(t, ws, "req-42", "ping", nil)
	if frame.ID != "req-42" {
		t.Fatalf("response id = %q, want req-42", frame.ID)
	}
	m := resultMap(t, frame)
	if m["pong"] != true {
		t.Fatalf("pong = %v", m["pong"])
	}
}

func TestPostMessageRunsAgent(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws, _ := env.connect(t, "")

	frame := call(t, ws, "r1", "sessions.post_message", map[string]any{
		"session_key": "agent:main:main",
		"content":     "hello there",
	})
	m := resultMap(t, frame)
	if m["status"] != string(agent.StatusCompleted) {
		t.Fatalf("status = %v", m["status"])
	}
	if m["final_text"] != "done" {
		t.Fatalf("final_text = %v", m["final_text"])
	}
	if env.runner.got == nil || env.runner.got.Content != "hello there" {
		t.Fatalf("runner message = %+v", env.runner.got)
	}
}

func TestPostMessageNoRunAppends(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws, _ := env.connect(t, "")

	frame := call(t, ws, "r1", "sessions.post_message", map[string]any{
		"session_key": "agent:main:main",
		"content":     "for the record",
		"no_run":      true,
	})
	m := resultMap(t, frame)
	sessionID, _ := m["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id: %v", m)
	}

	hist := call(t, ws, "r2", "sessions.history", map[string]any{"session_id": sessionID})
	hm := resultMap(t, hist)
	msgs, _ := hm["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("history length = %d, want 1", len(msgs))
	}
}

func TestPostMessageIdempotencyKeyReplays(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws, _ := env.connect(t, "")

	params := map[string]any{
		"session_key":     "agent:main:main",
		"content":         "deliver once",
		"no_run":          true,
		"idempotency_key": "msg-42",
	}
	first := resultMap(t, call(t, ws, "r1", "sessions.post_message", params))
	second := resultMap(t, call(t, ws, "r2", "sessions.post_message", params))
	if first["seq"] != second["seq"] {
		t.Fatalf("retry appended a new message: first seq %v, second seq %v", first["seq"], second["seq"])
	}

	sessionID, _ := first["session_id"].(string)
	hist := resultMap(t, call(t, ws, "r3", "sessions.history", map[string]any{"session_id": sessionID}))
	msgs, _ := hist["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("history length = %d, want 1", len(msgs))
	}
}

func TestPostMessageValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws, _ := env.connect(t, "")

	frame := call(t, ws, "r1", "sessions.post_message", map[string]any{
		"session_key": "not a key",
		"content":     "x",
	})
	if frame.Error == nil || frame.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %+v", frame)
	}

	frame = call(t, ws, "r2", "sessions.post_message", map[string]any{
		"session_key": "agent:main:main",
	})
	if frame.Error == nil || frame.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST for empty content, got %+v", frame)
	}
}

func TestTenantIsolation(t *testing.T) {
	verifier := NewVerifier("test-secret", nil)
	env := newTestEnv(t, Config{RequireAuth: true}, WithVerifier(verifier))

	// Seed a session owned by another tenant.
	ctx := context.Background()
	sess, err := env.mgr.Ensure(ctx, sessions.MainKey("bot"), sessions.SessionSpec{TenantID: "globex"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	token, err := verifier.Issue(Identity{Principal: "user:alice", TenantID: "acme"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ws, _ := env.connect(t, token)

	frame := call(t, ws, "r1", "sessions.history", map[string]any{"session_id": sess.ID})
	if frame.Error == nil || frame.Error.Code != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED, got %+v", frame)
	}

	list := call(t, ws, "r2", "sessions.list", nil)
	lm := resultMap(t, list)
	if got, _ := lm["sessions"].([]any); len(got) != 0 {
		t.Fatalf("cross-tenant sessions visible: %v", got)
	}
}

func TestEventSubscriptionDelivers(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws, _ := env.connect(t, "")

	frame := call(t, ws, "r1", "events.subscribe", map[string]any{
		"names":       []string{"session.*"},
		"session_key": "agent:main:*",
	})
	m := resultMap(t, frame)
	if m["subscription_id"] == "" {
		t.Fatal("missing subscription id")
	}

	env.bus.Publish(events.Event{
		Name:       events.SessionMessage,
		SessionKey: "agent:main:main",
		Payload:    map[string]any{"seq": float64(1)},
	})

	ev := readFrame(t, ws)
	if ev.Type != FrameEvent || ev.Event != events.SessionMessage {
		t.Fatalf("unexpected frame %+v", ev)
	}
	if ev.SessionKey != "agent:main:main" {
		t.Fatalf("session key = %q", ev.SessionKey)
	}
	if ev.Seq == nil || *ev.Seq != 1 {
		t.Fatalf("seq = %v", ev.Seq)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	env := newTestEnv(t, Config{})
	ws, _ := env.connect(t, "")

	frame := call(t, ws, "r1", "events.subscribe", map[string]any{"names": []string{"job.*"}})
	m := resultMap(t, frame)
	subID, _ := m["subscription_id"].(string)

	off := call(t, ws, "r2", "events.unsubscribe", map[string]any{"subscription_id": subID})
	if off.Error != nil {
		t.Fatalf("unsubscribe: %v", off.Error)
	}

	env.bus.Publish(events.Event{Name: events.JobRunStarted})
	_ = ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray Frame
	if err := ws.ReadJSON(&stray); err == nil && stray.Type == FrameEvent {
		t.Fatalf("event delivered after unsubscribe: %+v", stray)
	}
}

func TestRequestDeadlineTimesOut(t *testing.T) {
	env := newTestEnv(t, Config{RequestTimeout: 50 * time.Millisecond})
	env.server.RegisterMethod("slow.block", func(ctx context.Context, _ *Conn, _ []byte) (any, *FrameError) {
		<-ctx.Done()
		time.Sleep(time.Second)
		return "late", nil
	})
	ws, _ := env.connect(t, "")

	frame := call(t, ws, "r1", "slow.block", nil)
	if frame.Error == nil || frame.Error.Code != CodeAgentTimeout {
		t.Fatalf("expected AGENT_TIMEOUT, got %+v", frame)
	}
}

func TestRunnerErrorsMapToCodes(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.runner.err = agent.ErrProviderUnavailable
	ws, _ := env.connect(t, "")

	frame := call(t, ws, "r1", "sessions.post_message", map[string]any{
		"session_key": "agent:main:main",
		"content":     "hi",
	})
	if frame.Error == nil || frame.Error.Code != CodeUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %+v", frame)
	}
}

func TestWireErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{sessions.ErrSessionNotFound, CodeInvalidRequest},
		{agent.ErrProviderUnavailable, CodeUnavailable},
		{context.DeadlineExceeded, CodeAgentTimeout},
		{errors.New("boom"), CodeInternalError},
	}
	for _, tc := range cases {
		if got := wireError(tc.err); got.Code != tc.code {
			t.Errorf("wireError(%v) = %s, want %s", tc.err, got.Code, tc.code)
		}
	}
}

func TestVerifierRejectsBadTokens(t *testing.T) {
	v := NewVerifier("secret-a", map[string]Identity{"tok": {Principal: "cli"}})

	if _, err := v.Verify(""); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := v.Verify("not-a-jwt"); err == nil {
		t.Fatal("garbage token accepted")
	}

	other := NewVerifier("secret-b", nil)
	token, err := other.Issue(Identity{Principal: "user:eve"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := v.Verify(token); err == nil {
		t.Fatal("token signed with wrong secret accepted")
	}

	id, err := v.Verify("tok")
	if err != nil {
		t.Fatalf("static token rejected: %v", err)
	}
	if id.Principal != "cli" {
		t.Fatalf("principal = %q", id.Principal)
	}
}

func TestVerifierExpiry(t *testing.T) {
	v := NewVerifier("secret", nil)
	token, err := v.Issue(Identity{Principal: "user:bob"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := v.Verify(token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expired token accepted")
	}
}
