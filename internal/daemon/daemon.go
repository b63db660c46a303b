// Package daemon assembles the platform components from configuration and
// runs them as one process: storage, session manager, policy and quota
// engines, credential pool, agent runtime, scheduler, channel transports,
// and the gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/agent/providers"
	"github.com/latticehq/lattice/internal/channels"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/credentials"
	"github.com/latticehq/lattice/internal/cron"
	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/internal/gateway"
	"github.com/latticehq/lattice/internal/observability"
	"github.com/latticehq/lattice/internal/policy"
	"github.com/latticehq/lattice/internal/sandbox"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/storage"
	"github.com/latticehq/lattice/internal/tenants"
	"github.com/latticehq/lattice/internal/tools"
	toolpolicy "github.com/latticehq/lattice/internal/tools/policy"
	"github.com/latticehq/lattice/pkg/models"
)

const maintenanceInterval = 10 * time.Minute

// Daemon is the assembled process.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	bus       *events.Bus
	backend   storage.Backend
	sessions  *sessions.Manager
	tenants   *tenants.Store
	quota     *tenants.QuotaManager
	policies  *policy.Store
	engine    *policy.Engine
	pool      *credentials.Pool
	registry  *tools.Registry
	sandbox   *sandbox.Driver
	runtime   *agent.Runtime
	scheduler *cron.Scheduler
	channels  *channels.Registry
	outbound  *channels.Dispatcher
	gateway   *gateway.Server
	httpSrv   *http.Server
}

// New builds every component. Nothing starts running until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}
	d := &Daemon{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	backend, err := storage.NewFileBackend(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("open data root: %w", err)
	}
	d.backend = backend
	d.bus = events.NewBus(cfg.Events.SubscriberQueueMax, logger)

	sessionStore, err := sessions.NewFileStore(filepath.Join(cfg.DataRoot, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	var sessionOpts []sessions.ManagerOption
	if counter, err := agent.NewTokenCounter(cfg.LLM.DefaultModel); err != nil {
		logger.Warn("tokenizer unavailable, falling back to heuristic estimates", "error", err)
	} else {
		sessionOpts = append(sessionOpts, sessions.WithEstimator(counter.Estimate))
	}
	d.sessions = sessions.NewManager(sessionStore, d.bus, logger, sessions.ManagerConfig{
		CompactionSoftTokenLimit: cfg.Session.CompactionSoftTokenLimit,
		CompactionTailKeep:       cfg.Session.CompactionTailKeep,
		IdleArchiveAfter:         cfg.Session.IdleArchiveAfter,
	}, sessionOpts...)

	d.tenants, err = tenants.NewStore(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("open tenant store: %w", err)
	}
	d.quota = tenants.NewQuotaManager(d.tenants, cfg.TierQuotas(), logger,
		tenants.WithDenialHook(func(denial tenants.Denial) {
			d.metrics.QuotaDenials.WithLabelValues(denial.TenantID, string(denial.Kind)).Inc()
			d.bus.Publish(events.Event{
				Name: events.QuotaExceeded,
				Payload: map[string]any{
					"tenant_id": denial.TenantID,
					"kind":      string(denial.Kind),
				},
			})
		}))

	d.policies, err = policy.NewStore(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("open policy store: %w", err)
	}
	d.engine = policy.NewEngine(d.policies, cfg.Policy.CacheMax, cfg.Policy.CacheTTL, logger,
		policy.WithAudit(func(req policy.Request, dec policy.Decision) {
			effect := "deny"
			if dec.Allowed {
				effect = "allow"
			}
			d.metrics.PolicyDecisions.WithLabelValues(effect, "miss").Inc()
			d.bus.Publish(events.Event{
				Name: events.PolicyDecision,
				Payload: map[string]any{
					"principal": req.Principal,
					"resource":  req.Resource,
					"action":    req.Action,
					"allowed":   dec.Allowed,
					"policy_id": dec.PolicyID,
				},
			})
		}))

	cooldowns := make([]time.Duration, 0, len(cfg.LLM.CredentialCooldowns))
	for _, secs := range cfg.LLM.CredentialCooldowns {
		cooldowns = append(cooldowns, time.Duration(secs)*time.Second)
	}
	d.pool = credentials.NewPool(backend, logger, credentials.WithCooldowns(cooldowns))

	workspace := filepath.Join(cfg.DataRoot, "workspace")
	if cfg.Sandbox.Enabled {
		d.sandbox = sandbox.NewDriver(sandbox.Config{
			Image:          cfg.Sandbox.Image,
			Workspace:      workspace,
			Access:         sandbox.WorkspaceReadWrite,
			MemoryMB:       cfg.Sandbox.MemoryMB,
			CPUMillis:      cfg.Sandbox.CPUPct * 10,
			DefaultTimeout: cfg.Sandbox.Timeout,
		}, sandbox.WithLogger(logger))
	}

	d.registry = tools.NewRegistry(logger)
	var runner tools.CommandRunner
	if d.sandbox != nil {
		runner = d.sandbox
	} else {
		runner = &sandbox.Local{Dir: workspace, DefaultTimeout: cfg.Tools.ExecTimeout}
	}
	if err := tools.RegisterBuiltins(d.registry, tools.BuiltinConfig{
		Workspace: workspace,
		Runner:    runner,
		Sender:    &channelSender{d: d},
		Status:    d.sessionStatus,
	}); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	factory, err := providerFactory(cfg)
	if err != nil {
		return nil, err
	}
	base := factory
	factory = func(apiKey string) (agent.Provider, error) {
		p, err := base(apiKey)
		if err != nil {
			return nil, err
		}
		return &timedProvider{Provider: p, hist: d.metrics.LLMRequestDuration}, nil
	}
	runtimeOpts := []agent.RuntimeOption{
		agent.WithCredentials(d.pool, factory),
		agent.WithQuota(d.quota),
		agent.WithAccessPolicy(d.engine),
	}
	if d.sandbox != nil {
		runtimeOpts = append(runtimeOpts, agent.WithSandboxProbe(d.sandbox))
	}
	d.runtime = agent.NewRuntime(d.sessions, d.registry, d.bus, logger, agent.Config{
		ProviderName:  cfg.LLM.DefaultProvider,
		Model:         cfg.LLM.DefaultModel,
		MaxIterations: cfg.LLM.MaxIterations,
		MaxTokens:     cfg.LLM.MaxTokens,
		SlotTimeout:   cfg.Quota.ConcurrencyTimeout,
		Bootstrap:     agent.DefaultBootstrap(cfg.DataRoot),
		PolicyContext: d.policyContext,
	}, runtimeOpts...)

	d.scheduler, err = cron.NewScheduler(ctx, backend, &dispatcher{d: d}, d.bus, logger,
		cron.WithPollInterval(cfg.Scheduler.PollInterval),
		cron.WithDeliver(d.deliverSummary))
	if err != nil {
		return nil, fmt.Errorf("restore scheduler: %w", err)
	}

	d.channels = channels.NewRegistry(logger)
	d.outbound = channels.NewDispatcher(d.channels, d.bus, logger)

	var verifier *gateway.Verifier
	if cfg.Gateway.JWTSecret != "" || cfg.Gateway.StaticToken != "" {
		static := map[string]gateway.Identity{}
		if cfg.Gateway.StaticToken != "" {
			static[cfg.Gateway.StaticToken] = gateway.Identity{
				Principal: "local",
				Roles:     []string{"admin"},
			}
		}
		verifier = gateway.NewVerifier(cfg.Gateway.JWTSecret, static)
	}
	gwOpts := []gateway.Option{gateway.WithMetrics(d.metrics)}
	if verifier != nil {
		gwOpts = append(gwOpts, gateway.WithVerifier(verifier))
	}
	d.gateway = gateway.NewServer(gateway.Deps{
		Sessions:    d.sessions,
		Runtime:     d.runtime,
		Scheduler:   d.scheduler,
		Tenants:     d.tenants,
		Policies:    d.policies,
		Credentials: d.pool,
		Tools:       d.registry,
		Bus:         d.bus,
	}, gateway.Config{
		RequireAuth:    cfg.Gateway.AuthRequired,
		SendQueue:      cfg.Gateway.OutboundQueueMax,
		ServerName:     "lattice",
		DefaultAgentID: cfg.Session.DefaultAgentID,
		ProtocolMin:    cfg.Gateway.ProtocolMin,
		ProtocolMax:    cfg.Gateway.ProtocolMax,
	}, logger, gwOpts...)

	mux := http.NewServeMux()
	mux.Handle("/gateway", d.gateway)
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	d.httpSrv = &http.Server{
		Addr:              cfg.Gateway.Bind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// Channels exposes the transport registry so adapters can attach before Run.
func (d *Daemon) Channels() *channels.Registry { return d.channels }

// Gateway exposes the control plane, mainly for tests.
func (d *Daemon) Gateway() *gateway.Server { return d.gateway }

// Run starts every component and blocks until the context ends or a
// component fails.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info("gateway listening", "addr", d.cfg.Gateway.Bind)
		err := d.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.gateway.Shutdown(shutdownCtx)
		return d.httpSrv.Shutdown(shutdownCtx)
	})

	if err := d.scheduler.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return d.scheduler.Stop(stopCtx)
	})

	g.Go(func() error {
		err := d.channels.StartInbound(ctx, d.inbound)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := d.outbound.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		d.maintenance(ctx)
		return nil
	})
	g.Go(func() error {
		d.metricsPump(ctx)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// inbound is the channel-to-core path: compute the session key from the
// addressing tuple and run an agent turn.
func (d *Daemon) inbound(ctx context.Context, msg channels.Inbound) error {
	key, err := msg.SessionKey(d.cfg.Session.DefaultAgentID)
	if err != nil {
		d.logger.Warn("unroutable inbound message", "channel", msg.Channel, "error", err)
		return nil
	}
	sess, err := d.sessions.Ensure(ctx, key, sessions.SessionSpec{
		OwnerPrincipal: "channel:" + msg.Channel,
	})
	if err != nil {
		return err
	}
	_, err = d.runtime.Run(ctx, sess.ID, &models.Message{
		Role:     models.RoleUser,
		Content:  msg.Text,
		Metadata: msg.Metadata,
	})
	if err != nil {
		d.logger.Error("agent turn failed", "session", sess.Key, "error", err)
	}
	return nil
}

// maintenance periodically compacts oversized sessions and archives idle
// ones.
func (d *Daemon) maintenance(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := d.sessions.ArchiveIdle(ctx); err != nil {
			d.logger.Warn("idle archive pass failed", "error", err)
		} else if n > 0 {
			d.logger.Info("archived idle sessions", "count", n)
		}

		list, err := d.sessions.List(ctx, sessions.Filter{Status: models.SessionActive})
		if err != nil {
			d.logger.Warn("compaction scan failed", "error", err)
			continue
		}
		summarizer := d.runtime.Summarizer()
		for _, sess := range list {
			if !d.sessions.NeedsCompaction(sess) {
				continue
			}
			if err := d.sessions.Compact(ctx, sess.ID, summarizer); err != nil {
				d.logger.Warn("compaction failed", "session", sess.Key, "error", err)
			}
		}
	}
}

func (d *Daemon) policyContext(sess *models.Session) toolpolicy.FilterContext {
	fc := toolpolicy.FilterContext{
		Profile: toolpolicy.Profile(d.cfg.Tools.Profile),
	}
	if len(d.cfg.Tools.GlobalAllow) > 0 || len(d.cfg.Tools.GlobalDeny) > 0 {
		fc.Global = &toolpolicy.Rule{
			Allow: d.cfg.Tools.GlobalAllow,
			Deny:  d.cfg.Tools.GlobalDeny,
		}
	}
	if sess.ChannelID != "" {
		// Channel-delivered sessions never touch the host filesystem or
		// spawn processes directly.
		fc.Channel = &toolpolicy.Rule{Deny: []string{"group:fs", "group:runtime"}}
	}
	if sess.Type == models.SessionSubagent {
		fc.Subagent = &toolpolicy.Rule{Deny: []string{"group:messaging"}}
	}
	return fc
}

func (d *Daemon) sessionStatus(ctx context.Context) (string, error) {
	list, err := d.sessions.List(ctx, sessions.Filter{Status: models.SessionActive})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d active sessions; %d jobs scheduled", len(list), len(d.scheduler.List())), nil
}

// deliverSummary routes scheduler job summaries to a channel transport.
func (d *Daemon) deliverSummary(ctx context.Context, channel, text string) error {
	transport, ok := d.channels.Outbound(channel)
	if !ok {
		return fmt.Errorf("no outbound transport for channel %q", channel)
	}
	return transport.Send(ctx, channels.Outbound{Channel: channel, Text: text})
}

func providerFactory(cfg *config.Config) (agent.ProviderFactory, error) {
	switch cfg.LLM.DefaultProvider {
	case "anthropic":
		return func(apiKey string) (agent.Provider, error) {
			return providers.NewAnthropic(providers.AnthropicConfig{
				APIKey:       apiKey,
				DefaultModel: cfg.LLM.DefaultModel,
			})
		}, nil
	case "openai":
		return func(apiKey string) (agent.Provider, error) {
			return providers.NewOpenAI(providers.OpenAIConfig{
				APIKey:       apiKey,
				DefaultModel: cfg.LLM.DefaultModel,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.DefaultProvider)
	}
}
