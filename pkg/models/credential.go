package models

import "time"

// Credential is an entry in the rotating LLM credential pool. The secret is
// opaque to the runtime and stored as-is.
type Credential struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	Secret        string    `json:"secret"`
	Priority      int       `json:"priority"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	ErrorCount    int       `json:"error_count"`
	LastUsedAt    time.Time `json:"last_used_at,omitempty"`
	Disabled      bool      `json:"disabled,omitempty"`
}

// InCooldown reports whether the credential is cooling down at the given time.
func (c *Credential) InCooldown(now time.Time) bool {
	return !c.CooldownUntil.IsZero() && now.Before(c.CooldownUntil)
}
