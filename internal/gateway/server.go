package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/credentials"
	"github.com/latticehq/lattice/internal/cron"
	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/internal/observability"
	"github.com/latticehq/lattice/internal/policy"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/tenants"
	"github.com/latticehq/lattice/internal/tools"
	"github.com/latticehq/lattice/pkg/models"
)

const (
	maxFrameBytes  = 1 << 20
	pongWait       = 45 * time.Second
	pingInterval   = 15 * time.Second
	writeWait      = 10 * time.Second
	defaultTimeout = 60 * time.Second
	sendQueueSize  = 64
)

// AgentRunner is the slice of the agent runtime the gateway drives.
type AgentRunner interface {
	Run(ctx context.Context, sessionID string, userMessage *models.Message) (*agent.Result, error)
}

// MethodFunc handles one request frame. It returns a result payload or a
// coded error; the connection turns either into the single response frame
// for the request id.
type MethodFunc func(ctx context.Context, c *Conn, params []byte) (any, *FrameError)

// Deps are the core components the built-in methods operate on. Any field
// may be nil; methods that need a missing component answer UNAVAILABLE.
type Deps struct {
	Sessions    *sessions.Manager
	Runtime     AgentRunner
	Scheduler   *cron.Scheduler
	Tenants     *tenants.Store
	Policies    *policy.Store
	Credentials *credentials.Pool
	Tools       *tools.Registry
	Bus         *events.Bus
}

// Config tunes the control plane.
type Config struct {
	// RequireAuth rejects hello frames without a valid token.
	RequireAuth bool
	// RequestTimeout bounds each method call. Default 60s.
	RequestTimeout time.Duration
	// SendQueue is the per-connection outbound frame buffer. Default 64.
	SendQueue int
	// ServerName and Version are reported in hello_ok.
	ServerName string
	Version    string
	// DefaultAgentID scopes session listings when the client names none.
	DefaultAgentID string
	// ProtocolMin and ProtocolMax bound the versions offered during the
	// handshake. Both default to the package protocol constants.
	ProtocolMin int
	ProtocolMax int
}

// Server upgrades HTTP requests to gateway connections and dispatches
// request frames to registered methods.
type Server struct {
	deps     Deps
	config   Config
	logger   *slog.Logger
	verifier *Verifier
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	methods map[string]MethodFunc
	conns   map[*Conn]struct{}
	closed  bool
}

// Option configures the server.
type Option func(*Server)

// WithVerifier installs token authentication.
func WithVerifier(v *Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithMetrics wires Prometheus counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithServerClock overrides time for tests.
func WithServerClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds the control plane around the given components.
func NewServer(deps Deps, config Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultTimeout
	}
	if config.SendQueue <= 0 {
		config.SendQueue = sendQueueSize
	}
	if config.ServerName == "" {
		config.ServerName = "lattice"
	}
	if config.DefaultAgentID == "" {
		config.DefaultAgentID = "main"
	}
	if config.ProtocolMin <= 0 {
		config.ProtocolMin = ProtocolMin
	}
	if config.ProtocolMax <= 0 {
		config.ProtocolMax = ProtocolMax
	}
	if config.ProtocolMax < config.ProtocolMin {
		config.ProtocolMax = config.ProtocolMin
	}
	s := &Server{
		deps:    deps,
		config:  config,
		logger:  logger.With("component", "gateway"),
		methods: make(map[string]MethodFunc),
		conns:   make(map[*Conn]struct{}),
		now:     time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The control plane fronts local tooling and channel
			// transports; origin policy is left to the deployment proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerBuiltins()
	return s
}

// RegisterMethod adds or replaces a method handler.
func (s *Server) RegisterMethod(name string, fn MethodFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = fn
}

func (s *Server) lookupMethod(name string) (MethodFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.methods[name]
	return fn, ok
}

func (s *Server) methodNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func eventNames() []string {
	return []string{
		events.SessionMessage,
		events.SessionToolCall,
		events.SessionToolResult,
		events.SessionStreamToken,
		events.SessionCompacted,
		events.AgentCompleted,
		events.JobRunStarted,
		events.JobRunFinished,
		events.PolicyDecision,
		events.QuotaExceeded,
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	c := newConn(s, ws)
	s.track(c)
	defer s.untrack(c)
	if s.metrics != nil {
		s.metrics.GatewayConnections.Inc()
		defer s.metrics.GatewayConnections.Dec()
	}
	c.run(r.Context())
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Shutdown closes every open connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}

func (s *Server) countRequest(method, code string) {
	if s.metrics == nil {
		return
	}
	s.metrics.GatewayRequests.WithLabelValues(method, code).Inc()
}
