package models

import "time"

// Tier is a tenant's billing tier.
type Tier string

const (
	TierFree         Tier = "free"
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// TenantStatus is a tenant's lifecycle state.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantTrial     TenantStatus = "trial"
	TenantExpired   TenantStatus = "expired"
)

// QuotaKind names a countable budget attached to a tenant.
type QuotaKind string

const (
	QuotaAgents             QuotaKind = "agents"
	QuotaSessions           QuotaKind = "sessions"
	QuotaPlugins            QuotaKind = "plugins"
	QuotaTools              QuotaKind = "tools"
	QuotaTokensPerDay       QuotaKind = "tokens_per_day"
	QuotaAPICallsPerMinute  QuotaKind = "api_calls_per_minute"
	QuotaConcurrentRequests QuotaKind = "concurrent_requests"
	QuotaStorageMB          QuotaKind = "storage_mb"
	QuotaMessagesPerSession QuotaKind = "messages_per_session"
	QuotaContextLength      QuotaKind = "context_length"
)

// Window returns the rolling-window length for rate-limit kinds, or zero for
// absolute quotas.
func (k QuotaKind) Window() time.Duration {
	switch k {
	case QuotaAPICallsPerMinute:
		return time.Minute
	case QuotaTokensPerDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// TenantConfig holds per-tenant capability configuration.
type TenantConfig struct {
	AllowedModels   []string        `json:"allowed_models,omitempty"`
	AllowedChannels []string        `json:"allowed_channels,omitempty"`
	AllowedTools    []string        `json:"allowed_tools,omitempty"`
	Features        map[string]bool `json:"features,omitempty"`
}

// Tenant is the billing and isolation unit. Quota counters live separately
// in the quota store.
type Tenant struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Tier      Tier                `json:"tier"`
	Status    TenantStatus        `json:"status"`
	Quota     map[QuotaKind]int64 `json:"quota,omitempty"`
	Config    TenantConfig        `json:"config"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Clone returns a deep copy safe for callers to mutate.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	out := *t
	if t.Quota != nil {
		out.Quota = make(map[QuotaKind]int64, len(t.Quota))
		for k, v := range t.Quota {
			out.Quota[k] = v
		}
	}
	out.Config.AllowedModels = append([]string(nil), t.Config.AllowedModels...)
	out.Config.AllowedChannels = append([]string(nil), t.Config.AllowedChannels...)
	out.Config.AllowedTools = append([]string(nil), t.Config.AllowedTools...)
	if t.Config.Features != nil {
		out.Config.Features = make(map[string]bool, len(t.Config.Features))
		for k, v := range t.Config.Features {
			out.Config.Features[k] = v
		}
	}
	return &out
}

// Limit returns the tenant's limit for a quota kind, falling back to the
// provided tier defaults. A zero return means unlimited.
func (t *Tenant) Limit(kind QuotaKind, tierDefaults map[Tier]map[QuotaKind]int64) int64 {
	if t != nil && t.Quota != nil {
		if v, ok := t.Quota[kind]; ok {
			return v
		}
	}
	if t != nil && tierDefaults != nil {
		if byKind, ok := tierDefaults[t.Tier]; ok {
			if v, ok := byKind[kind]; ok {
				return v
			}
		}
	}
	return 0
}
