// Package policy evaluates attribute-based access rules. The engine answers
// one question: may this principal perform this action on this resource,
// given the request context. No matching rule means deny.
package policy

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/latticehq/lattice/pkg/models"
)

// Request is one access check.
type Request struct {
	Principal string
	Roles     []string
	TenantID  string
	Resource  string
	Action    string
	IP        string
	Attrs     map[string]any
}

// Decision is the evaluation outcome.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	PolicyID string `json:"policy_id,omitempty"`
	Reason   string `json:"reason"`
}

// AuditFunc receives every evaluated decision.
type AuditFunc func(req Request, dec Decision)

// Engine evaluates policies from a Source with a small decision cache.
type Source interface {
	Policies() []*models.Policy
	Generation() uint64
}

// Engine is safe for concurrent use.
type Engine struct {
	source Source
	roles  *RoleGraph
	cache  *decisionCache
	logger *slog.Logger
	now    func() time.Time
	audit  AuditFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAudit installs a decision audit callback.
func WithAudit(fn AuditFunc) EngineOption {
	return func(e *Engine) { e.audit = fn }
}

// WithRoles installs a role inheritance graph used to expand request roles.
func WithRoles(graph *RoleGraph) EngineOption {
	return func(e *Engine) { e.roles = graph }
}

// WithEngineClock overrides the time source, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an evaluation engine over a policy source.
func NewEngine(source Source, cacheMax int, cacheTTL time.Duration, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		source: source,
		cache:  newDecisionCache(cacheMax, cacheTTL),
		logger: logger.With("component", "abac"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the request against all policies. Candidates are ordered by
// priority descending, deny before allow on ties; the first match decides.
// Decisions are cached until the policy set changes or the TTL lapses.
func (e *Engine) Evaluate(req Request) Decision {
	roles := req.Roles
	if e.roles != nil {
		roles = e.roles.ExpandAll(roles)
	}

	gen := e.source.Generation()
	key := cacheKey(req, roles)
	if dec, ok := e.cache.get(gen, key); ok {
		return dec
	}

	dec := e.evaluate(req, roles)
	e.cache.put(gen, key, dec)
	e.logger.Debug("access decision",
		"principal", req.Principal, "resource", req.Resource, "action", req.Action,
		"allowed", dec.Allowed, "policy", dec.PolicyID)
	if e.audit != nil {
		e.audit(req, dec)
	}
	return dec
}

func (e *Engine) evaluate(req Request, roles []string) Decision {
	// A permission denied at any ancestor role is denied here, no matter
	// what the policy set grants.
	if e.roles != nil {
		if role, pattern, denied := e.roles.DeniedFor(req.Roles, req.Resource); denied {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("denied by role %s (%s)", role, pattern),
			}
		}
	}

	now := e.now()
	var candidates []*models.Policy
	for _, p := range e.source.Policies() {
		if p.TenantScope != "" && p.TenantScope != req.TenantID {
			continue
		}
		if !matchAny(p.Principals, req.Principal, roles, req.TenantID) {
			continue
		}
		if !matchAny(p.Resources, req.Resource, nil, "") {
			continue
		}
		if !matchAny(p.Actions, req.Action, nil, "") {
			continue
		}
		if !e.conditionsHold(p, req, now) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return Decision{Allowed: false, Reason: "no matching policy"}
	}

	// A deny that reaches the request only through role inheritance wins
	// over priority: grants elsewhere cannot defeat an ancestor's denial.
	if e.roles != nil {
		for _, p := range candidates {
			if p.Effect != models.EffectDeny {
				continue
			}
			if !matchAny(p.Principals, req.Principal, req.Roles, req.TenantID) {
				return Decision{
					Allowed:  false,
					PolicyID: p.ID,
					Reason:   fmt.Sprintf("policy %s (deny, inherited)", p.Name),
				}
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Effect == models.EffectDeny && candidates[j].Effect != models.EffectDeny
	})
	winner := candidates[0]
	return Decision{
		Allowed:  winner.Effect == models.EffectAllow,
		PolicyID: winner.ID,
		Reason:   fmt.Sprintf("policy %s (%s)", winner.Name, winner.Effect),
	}
}

// matchAny reports whether any pattern matches the value. Patterns support a
// trailing "*" wildcard, "role:<name>" against the role list, and
// "tenant:<id>" against the tenant.
func matchAny(patterns []string, value string, roles []string, tenantID string) bool {
	for _, pattern := range patterns {
		if matchOne(pattern, value, roles, tenantID) {
			return true
		}
	}
	return false
}

func matchOne(pattern, value string, roles []string, tenantID string) bool {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "":
		return false
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "role:"):
		want := strings.TrimPrefix(pattern, "role:")
		for _, role := range roles {
			if role == want {
				return true
			}
		}
		return false
	case strings.HasPrefix(pattern, "tenant:"):
		return strings.TrimPrefix(pattern, "tenant:") == tenantID
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == value
	}
}

func (e *Engine) conditionsHold(p *models.Policy, req Request, now time.Time) bool {
	c := p.Conditions
	if c == nil {
		return true
	}
	if len(c.Weekdays) > 0 {
		day := strings.ToLower(now.Weekday().String()[:3])
		found := false
		for _, w := range c.Weekdays {
			w = strings.ToLower(strings.TrimSpace(w))
			if len(w) >= 3 && w[:3] == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.StartTime != "" || c.EndTime != "" {
		minutes := now.Hour()*60 + now.Minute()
		if c.StartTime != "" {
			start, ok := parseClock(c.StartTime)
			if !ok {
				e.logger.Warn("skipping policy with malformed start_time",
					"policy", p.ID, "value", c.StartTime)
				return false
			}
			if minutes < start {
				return false
			}
		}
		if c.EndTime != "" {
			end, ok := parseClock(c.EndTime)
			if !ok {
				e.logger.Warn("skipping policy with malformed end_time",
					"policy", p.ID, "value", c.EndTime)
				return false
			}
			if minutes > end {
				return false
			}
		}
	}
	if len(c.IPs) > 0 && !ipMatches(c.IPs, req.IP) {
		return false
	}
	for _, attr := range c.Attributes {
		if !attributeHolds(attr, req.Attrs) {
			return false
		}
	}
	return true
}

func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func ipMatches(allowed []string, raw string) bool {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

func attributeHolds(cond models.AttributeCondition, attrs map[string]any) bool {
	actual, ok := attrs[cond.Key]
	if !ok {
		return cond.Op == models.OpNe || cond.Op == models.OpNotIn
	}
	switch cond.Op {
	case models.OpEq:
		return equalValues(actual, cond.Value)
	case models.OpNe:
		return !equalValues(actual, cond.Value)
	case models.OpIn:
		return valueInList(actual, cond.Value)
	case models.OpNotIn:
		return !valueInList(actual, cond.Value)
	case models.OpGt, models.OpLt, models.OpGte, models.OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case models.OpGt:
			return a > b
		case models.OpLt:
			return a < b
		case models.OpGte:
			return a >= b
		default:
			return a <= b
		}
	case models.OpContains:
		return strings.Contains(toString(actual), toString(cond.Value))
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func valueInList(actual, list any) bool {
	items, ok := list.([]any)
	if !ok {
		if strs, sok := list.([]string); sok {
			for _, s := range strs {
				if equalValues(actual, s) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if equalValues(actual, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func cacheKey(req Request, roles []string) string {
	var b strings.Builder
	b.WriteString(req.Principal)
	b.WriteByte('|')
	b.WriteString(req.TenantID)
	b.WriteByte('|')
	b.WriteString(req.Resource)
	b.WriteByte('|')
	b.WriteString(req.Action)
	b.WriteByte('|')
	b.WriteString(req.IP)
	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)
	for _, role := range sorted {
		b.WriteByte('|')
		b.WriteString(role)
	}
	if len(req.Attrs) > 0 {
		keys := make([]string, 0, len(req.Attrs))
		for k := range req.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(toString(req.Attrs[k]))
		}
	}
	return b.String()
}
