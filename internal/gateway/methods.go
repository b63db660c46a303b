package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/credentials"
	"github.com/latticehq/lattice/internal/cron"
	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/storage"
	"github.com/latticehq/lattice/internal/tenants"
	"github.com/latticehq/lattice/pkg/models"
)

func (s *Server) registerBuiltins() {
	s.methods["ping"] = s.handlePing
	s.methods["tools.list"] = s.handleToolsList
	s.methods["agents.list"] = s.handleAgentsList

	s.methods["sessions.list"] = s.handleSessionsList
	s.methods["sessions.history"] = s.handleSessionsHistory
	s.methods["sessions.post_message"] = s.handlePostMessage

	s.methods["events.subscribe"] = s.handleSubscribe
	s.methods["events.unsubscribe"] = s.handleUnsubscribe

	s.methods["jobs.create"] = s.handleJobsCreate
	s.methods["jobs.list"] = s.handleJobsList
	s.methods["jobs.delete"] = s.handleJobsDelete
	s.methods["jobs.run"] = s.handleJobsRun
	s.methods["jobs.enable"] = s.handleJobsEnable

	s.methods["tenants.create"] = s.admin(s.handleTenantsCreate)
	s.methods["tenants.list"] = s.admin(s.handleTenantsList)
	s.methods["tenants.get"] = s.admin(s.handleTenantsGet)
	s.methods["tenants.delete"] = s.admin(s.handleTenantsDelete)

	s.methods["policies.put"] = s.admin(s.handlePoliciesPut)
	s.methods["policies.list"] = s.admin(s.handlePoliciesList)
	s.methods["policies.delete"] = s.admin(s.handlePoliciesDelete)

	s.methods["credentials.add"] = s.admin(s.handleCredentialsAdd)
	s.methods["credentials.list"] = s.admin(s.handleCredentialsList)
	s.methods["credentials.remove"] = s.admin(s.handleCredentialsRemove)
}

// admin gates a handler behind the admin role. With authentication disabled
// the gateway is a local trusted surface and everything is allowed.
func (s *Server) admin(fn MethodFunc) MethodFunc {
	return func(ctx context.Context, c *Conn, params []byte) (any, *FrameError) {
		if s.verifier != nil && !c.identity.Admin() {
			return nil, errorf(CodeAccessDenied, "admin role required")
		}
		return fn(ctx, c, params)
	}
}

func decode[T any](params []byte) (T, *FrameError) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, errorf(CodeInvalidRequest, "bad params: %v", err)
	}
	return v, nil
}

// wireError maps component errors to coded frame errors.
func wireError(err error) *FrameError {
	switch {
	case errors.Is(err, tenants.ErrQuotaExceeded), errors.Is(err, tenants.ErrSlotTimeout):
		return errorf(CodeQuotaExceeded, "%v", err)
	case errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, sessions.ErrInvalidKey),
		errors.Is(err, tenants.ErrTenantNotFound),
		errors.Is(err, cron.ErrJobNotFound),
		errors.Is(err, credentials.ErrCredentialNotFound),
		errors.Is(err, storage.ErrNotFound):
		return errorf(CodeInvalidRequest, "%v", err)
	case errors.Is(err, agent.ErrProviderUnavailable), errors.Is(err, agent.ErrNoProvider):
		return errorf(CodeUnavailable, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return errorf(CodeAgentTimeout, "%v", err)
	default:
		return errorf(CodeInternalError, "%v", err)
	}
}

// tenantScope returns the tenant filter for this connection. Admins see
// everything; other principals only their bound tenant.
func (c *Conn) tenantScope() string {
	if c.server.verifier == nil || c.identity.Admin() {
		return ""
	}
	return c.identity.TenantID
}

func (c *Conn) canAccess(sess *models.Session) bool {
	scope := c.tenantScope()
	return scope == "" || sess.TenantID == scope
}

func (s *Server) handlePing(_ context.Context, _ *Conn, _ []byte) (any, *FrameError) {
	return map[string]any{"pong": true, "time": s.now().UTC()}, nil
}

func (s *Server) handleToolsList(_ context.Context, _ *Conn, _ []byte) (any, *FrameError) {
	if s.deps.Tools == nil {
		return nil, errorf(CodeUnavailable, "tool registry unavailable")
	}
	type toolView struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Groups      []string        `json:"groups,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
		Sandboxed   bool            `json:"sandboxed,omitempty"`
	}
	descs := s.deps.Tools.DescribeAll()
	out := make([]toolView, 0, len(descs))
	for _, d := range descs {
		out = append(out, toolView{
			Name:        d.Name,
			Description: d.Description,
			Groups:      d.Groups,
			InputSchema: d.InputSchema,
			Sandboxed:   d.RequiresSandbox,
		})
	}
	return map[string]any{"tools": out}, nil
}

func (s *Server) handleAgentsList(ctx context.Context, c *Conn, _ []byte) (any, *FrameError) {
	seen := map[string]struct{}{s.config.DefaultAgentID: {}}
	if s.deps.Sessions != nil {
		list, err := s.deps.Sessions.List(ctx, sessions.Filter{TenantID: c.tenantScope()})
		if err != nil {
			return nil, wireError(err)
		}
		for _, sess := range list {
			key, err := sessions.ParseKey(sess.Key)
			if err == nil {
				seen[key.AgentID] = struct{}{}
			}
		}
	}
	agents := make([]string, 0, len(seen))
	for id := range seen {
		agents = append(agents, id)
	}
	return map[string]any{"agents": agents}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, c *Conn, params []byte) (any, *FrameError) {
	if s.deps.Sessions == nil {
		return nil, errorf(CodeUnavailable, "session store unavailable")
	}
	req, ferr := decode[struct {
		AgentID string `json:"agent_id"`
		Type    string `json:"type"`
		Status  string `json:"status"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	filter := sessions.Filter{
		AgentID:  req.AgentID,
		Type:     models.SessionType(req.Type),
		Status:   models.SessionStatus(req.Status),
		TenantID: c.tenantScope(),
	}
	list, err := s.deps.Sessions.List(ctx, filter)
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"sessions": list}, nil
}

func (s *Server) handleSessionsHistory(ctx context.Context, c *Conn, params []byte) (any, *FrameError) {
	if s.deps.Sessions == nil {
		return nil, errorf(CodeUnavailable, "session store unavailable")
	}
	req, ferr := decode[struct {
		SessionKey string `json:"session_key"`
		SessionID  string `json:"session_id"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	sess, err := c.resolveSession(ctx, req.SessionID, req.SessionKey)
	if err != nil {
		return nil, wireError(err)
	}
	if !c.canAccess(sess) {
		return nil, errorf(CodeAccessDenied, "session belongs to another tenant")
	}
	history, err := s.deps.Sessions.History(ctx, sess.ID)
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"session": sess, "messages": history}, nil
}

func (c *Conn) resolveSession(ctx context.Context, id, key string) (*models.Session, error) {
	mgr := c.server.deps.Sessions
	if strings.TrimSpace(id) != "" {
		return mgr.Get(ctx, id)
	}
	return mgr.GetByKey(ctx, strings.TrimSpace(key))
}

// handlePostMessage is the main inbound path: channels and clients deliver
// user text here, and the agent runtime runs a turn against the session.
func (s *Server) handlePostMessage(ctx context.Context, c *Conn, params []byte) (any, *FrameError) {
	if s.deps.Sessions == nil {
		return nil, errorf(CodeUnavailable, "session store unavailable")
	}
	req, ferr := decode[struct {
		SessionKey     string         `json:"session_key"`
		Content        string         `json:"content"`
		Metadata       map[string]any `json:"metadata,omitempty"`
		NoRun          bool           `json:"no_run,omitempty"`
		IdempotencyKey string         `json:"idempotency_key,omitempty"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errorf(CodeInvalidRequest, "content required")
	}
	// Replay the cached result when a client retries a delivered message.
	if req.IdempotencyKey != "" {
		if cached, ok := c.idemGet(req.IdempotencyKey); ok {
			return cached, nil
		}
	}
	key, err := sessions.ParseKey(strings.TrimSpace(req.SessionKey))
	if err != nil {
		return nil, errorf(CodeInvalidRequest, "bad session key: %v", err)
	}

	sess, err := s.deps.Sessions.Ensure(ctx, key, sessions.SessionSpec{
		TenantID:       c.identity.TenantID,
		OwnerPrincipal: c.identity.Principal,
	})
	if err != nil {
		return nil, wireError(err)
	}
	if !c.canAccess(sess) {
		return nil, errorf(CodeAccessDenied, "session belongs to another tenant")
	}

	msg := &models.Message{
		Role:     models.RoleUser,
		Content:  req.Content,
		Metadata: req.Metadata,
	}
	if s.deps.Runtime == nil || req.NoRun {
		appended, err := s.deps.Sessions.Append(ctx, sess.ID, msg)
		if err != nil {
			return nil, wireError(err)
		}
		out := map[string]any{"session_id": sess.ID, "seq": appended.Seq}
		if req.IdempotencyKey != "" {
			c.idemPut(req.IdempotencyKey, out)
		}
		return out, nil
	}

	result, err := s.deps.Runtime.Run(ctx, sess.ID, msg)
	if err != nil {
		return nil, wireError(err)
	}
	if req.IdempotencyKey != "" {
		c.idemPut(req.IdempotencyKey, result)
	}
	return result, nil
}

func (s *Server) handleSubscribe(_ context.Context, c *Conn, params []byte) (any, *FrameError) {
	req, ferr := decode[struct {
		Names      []string `json:"names,omitempty"`
		SessionKey string   `json:"session_key,omitempty"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	id, ferr := c.addSubscription(events.Filter{Names: req.Names, SessionKey: req.SessionKey})
	if ferr != nil {
		return nil, ferr
	}
	return map[string]any{"subscription_id": id}, nil
}

func (s *Server) handleUnsubscribe(_ context.Context, c *Conn, params []byte) (any, *FrameError) {
	req, ferr := decode[struct {
		SubscriptionID string `json:"subscription_id"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	if !c.removeSubscription(req.SubscriptionID) {
		return nil, errorf(CodeInvalidRequest, "unknown subscription %q", req.SubscriptionID)
	}
	return map[string]any{"unsubscribed": true}, nil
}

func (s *Server) handleJobsCreate(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Scheduler == nil {
		return nil, errorf(CodeUnavailable, "scheduler unavailable")
	}
	job, ferr := decode[cron.Job](params)
	if ferr != nil {
		return nil, ferr
	}
	created, err := s.deps.Scheduler.Add(ctx, &job)
	if err != nil {
		return nil, errorf(CodeInvalidRequest, "%v", err)
	}
	return created, nil
}

func (s *Server) handleJobsList(_ context.Context, _ *Conn, _ []byte) (any, *FrameError) {
	if s.deps.Scheduler == nil {
		return nil, errorf(CodeUnavailable, "scheduler unavailable")
	}
	return map[string]any{"jobs": s.deps.Scheduler.List()}, nil
}

func (s *Server) handleJobsDelete(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Scheduler == nil {
		return nil, errorf(CodeUnavailable, "scheduler unavailable")
	}
	req, ferr := decode[struct {
		ID string `json:"id"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	if err := s.deps.Scheduler.Remove(ctx, req.ID); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) handleJobsRun(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Scheduler == nil {
		return nil, errorf(CodeUnavailable, "scheduler unavailable")
	}
	req, ferr := decode[struct {
		ID string `json:"id"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	if err := s.deps.Scheduler.RunNow(ctx, req.ID); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"started": true}, nil
}

func (s *Server) handleJobsEnable(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Scheduler == nil {
		return nil, errorf(CodeUnavailable, "scheduler unavailable")
	}
	req, ferr := decode[struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	if err := s.deps.Scheduler.SetEnabled(ctx, req.ID, req.Enabled); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"enabled": req.Enabled}, nil
}

func (s *Server) handleTenantsCreate(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Tenants == nil {
		return nil, errorf(CodeUnavailable, "tenant store unavailable")
	}
	t, ferr := decode[models.Tenant](params)
	if ferr != nil {
		return nil, ferr
	}
	created, err := s.deps.Tenants.Create(ctx, t)
	if err != nil {
		return nil, errorf(CodeInvalidRequest, "%v", err)
	}
	return created, nil
}

func (s *Server) handleTenantsList(_ context.Context, _ *Conn, _ []byte) (any, *FrameError) {
	if s.deps.Tenants == nil {
		return nil, errorf(CodeUnavailable, "tenant store unavailable")
	}
	return map[string]any{"tenants": s.deps.Tenants.List()}, nil
}

func (s *Server) handleTenantsGet(_ context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Tenants == nil {
		return nil, errorf(CodeUnavailable, "tenant store unavailable")
	}
	req, ferr := decode[struct {
		ID string `json:"id"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	t, err := s.deps.Tenants.Get(req.ID)
	if err != nil {
		return nil, wireError(err)
	}
	return t, nil
}

func (s *Server) handleTenantsDelete(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Tenants == nil {
		return nil, errorf(CodeUnavailable, "tenant store unavailable")
	}
	req, ferr := decode[struct {
		ID string `json:"id"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	if err := s.deps.Tenants.Delete(ctx, req.ID); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) handlePoliciesPut(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Policies == nil {
		return nil, errorf(CodeUnavailable, "policy store unavailable")
	}
	p, ferr := decode[models.Policy](params)
	if ferr != nil {
		return nil, ferr
	}
	stored, err := s.deps.Policies.Put(ctx, p)
	if err != nil {
		return nil, errorf(CodeInvalidRequest, "%v", err)
	}
	return stored, nil
}

func (s *Server) handlePoliciesList(_ context.Context, _ *Conn, _ []byte) (any, *FrameError) {
	if s.deps.Policies == nil {
		return nil, errorf(CodeUnavailable, "policy store unavailable")
	}
	return map[string]any{"policies": s.deps.Policies.List()}, nil
}

func (s *Server) handlePoliciesDelete(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Policies == nil {
		return nil, errorf(CodeUnavailable, "policy store unavailable")
	}
	req, ferr := decode[struct {
		ID string `json:"id"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	if err := s.deps.Policies.Delete(ctx, req.ID); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) handleCredentialsAdd(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Credentials == nil {
		return nil, errorf(CodeUnavailable, "credential pool unavailable")
	}
	cred, ferr := decode[models.Credential](params)
	if ferr != nil {
		return nil, ferr
	}
	added, err := s.deps.Credentials.Add(ctx, cred)
	if err != nil {
		return nil, errorf(CodeInvalidRequest, "%v", err)
	}
	return redactCredential(added), nil
}

func (s *Server) handleCredentialsList(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Credentials == nil {
		return nil, errorf(CodeUnavailable, "credential pool unavailable")
	}
	req, ferr := decode[struct {
		Provider string `json:"provider"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	list := s.deps.Credentials.List(ctx, req.Provider)
	out := make([]map[string]any, 0, len(list))
	for _, cred := range list {
		out = append(out, redactCredential(cred))
	}
	return map[string]any{"credentials": out}, nil
}

func (s *Server) handleCredentialsRemove(ctx context.Context, _ *Conn, params []byte) (any, *FrameError) {
	if s.deps.Credentials == nil {
		return nil, errorf(CodeUnavailable, "credential pool unavailable")
	}
	req, ferr := decode[struct {
		Provider string `json:"provider"`
		ID       string `json:"id"`
	}](params)
	if ferr != nil {
		return nil, ferr
	}
	if err := s.deps.Credentials.Remove(ctx, req.Provider, req.ID); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"removed": true}, nil
}

// redactCredential drops the secret; it never leaves the process via the
// control plane.
func redactCredential(c *models.Credential) map[string]any {
	return map[string]any{
		"id":          c.ID,
		"provider":    c.Provider,
		"priority":    c.Priority,
		"disabled":    c.Disabled,
		"error_count": c.ErrorCount,
	}
}
