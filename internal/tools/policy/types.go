// Package policy computes the effective tool set for an agent turn by
// folding layered allow and deny rules over a profile base set.
package policy

// Profile names a base tool set.
type Profile string

const (
	ProfileMinimal   Profile = "minimal"
	ProfileCoding    Profile = "coding"
	ProfileMessaging Profile = "messaging"
	ProfileFull      Profile = "full"
)

// ProfileBases maps each profile to its base entries. Entries may be tool
// names or "group:<tag>" references; ProfileFull is handled specially and
// selects every registered tool.
var ProfileBases = map[Profile][]string{
	ProfileMinimal:   {"session_status"},
	ProfileCoding:    {"group:fs", "group:runtime", "group:web", "session_status"},
	ProfileMessaging: {"group:messaging", "session_status"},
	ProfileFull:      {"*"},
}

// Rule is one layer's adjustment: entries may be tool names or group refs.
type Rule struct {
	Profile *Profile `json:"profile,omitempty" yaml:"profile,omitempty"`
	Allow   []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny    []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// IsZero reports whether the rule changes nothing.
func (r *Rule) IsZero() bool {
	return r == nil || (r.Profile == nil && len(r.Allow) == 0 && len(r.Deny) == 0)
}

// FilterContext carries the rule for every layer, in precedence order from
// broadest to most specific. Later layers see the set produced by earlier
// ones; a deny recorded at any layer holds through all later layers.
type FilterContext struct {
	Profile         Profile `json:"profile" yaml:"profile"`
	ProviderProfile *Rule   `json:"provider_profile,omitempty" yaml:"provider_profile,omitempty"`
	Global          *Rule   `json:"global,omitempty" yaml:"global,omitempty"`
	GlobalProvider  *Rule   `json:"global_provider,omitempty" yaml:"global_provider,omitempty"`
	Agent           *Rule   `json:"agent,omitempty" yaml:"agent,omitempty"`
	AgentProvider   *Rule   `json:"agent_provider,omitempty" yaml:"agent_provider,omitempty"`
	Channel         *Rule   `json:"channel,omitempty" yaml:"channel,omitempty"`
	Sandbox         *Rule   `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Subagent        *Rule   `json:"subagent,omitempty" yaml:"subagent,omitempty"`
}

// Layers returns the non-profile layers in application order.
func (c *FilterContext) Layers() []*Rule {
	return []*Rule{
		c.ProviderProfile,
		c.Global,
		c.GlobalProvider,
		c.Agent,
		c.AgentProvider,
		c.Channel,
		c.Sandbox,
		c.Subagent,
	}
}
